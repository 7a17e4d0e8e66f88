package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localfirst/todosync/internal/config"
	"github.com/localfirst/todosync/internal/daemon"
	"github.com/localfirst/todosync/internal/remote"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run continuous bidirectional synchronization between the local store
and the configured remote database.

The daemon retries transient network failures with backoff indefinitely
and only stops on SIGINT/SIGTERM. Sync status is observable via the
dashboard when dashboard.enabled is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(config.NewLoader(configPath))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the remote endpoint and show local store state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader(configPath).Load()
		if err != nil {
			return err
		}

		_, st, cleanup, err := openRepository()
		if err != nil {
			return err
		}
		defer cleanup()

		info, err := st.Info(cmdContext())
		if err != nil {
			return err
		}
		fmt.Printf("Local store:  %d document(s), last change seq %d\n", info.DocCount, info.LastSeq)

		if cfg.Remote.URL == "" {
			fmt.Println("Remote:       not configured")
			return nil
		}

		client, err := remote.New(cfg.Remote.URL, cfg.Remote.Database, cfg.Remote.Username, cfg.Remote.Password, nil)
		if err != nil {
			return err
		}

		server, err := client.Info(cmdContext())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Remote:       %s\n", renderError(err.Error()))
			return nil
		}

		fmt.Printf("Remote:       %s %s (database %q) %s\n",
			server.CouchDB, server.Version, client.DatabaseName(), renderOK("reachable"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd, statusCmd)
}
