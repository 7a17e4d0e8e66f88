package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/localfirst/todosync/internal/config"
	"github.com/localfirst/todosync/internal/store"
	"github.com/localfirst/todosync/internal/todo"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Offline-first todo list with background sync",
	Long: `todosync keeps your todos in a local document store and continuously
synchronizes them with a remote database in the background.

Every command works offline; the sync daemon reconciles local and remote
state whenever the network allows.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./todosync.yaml or ~/.todosync/todosync.yaml)")
}

// openRepository loads configuration and opens the local store and
// repository. The returned cleanup function closes the store.
func openRepository() (*todo.Repository, *store.Store, func(), error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := log.New(os.Stderr, "[todosync] ", 0)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
	}

	if err := st.CreateIndexes(cmdContext()); err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}

	repo := todo.NewRepository(st, logger)
	cleanup := func() { _ = st.Close() }
	return repo, st, cleanup, nil
}
