// Command todosync is an offline-first todo list with continuous
// background synchronization against a remote document database.
//
// All commands operate against the local store and work with no network;
// the daemon subcommand runs the replicator that reconciles local and
// remote state in the background.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
