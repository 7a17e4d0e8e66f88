// Package daemon wires the todosync process together: it owns the local
// store, the replicator, the status broadcaster, and the optional
// dashboard, and keeps them running until shutdown.
//
// The daemon:
//  1. Opens the store and declares indexes (idempotent)
//  2. Builds the remote client from configuration
//  3. Starts continuous replication, forwarding lifecycle events to the
//     status broadcaster
//  4. Serves the status dashboard when enabled
//  5. Restarts replication when the config file's remote settings change
//  6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/localfirst/todosync/internal/config"
	"github.com/localfirst/todosync/internal/dashboard"
	"github.com/localfirst/todosync/internal/remote"
	"github.com/localfirst/todosync/internal/replicator"
	"github.com/localfirst/todosync/internal/status"
	"github.com/localfirst/todosync/internal/store"
)

// Daemon runs the sync process.
type Daemon struct {
	loader *config.Loader
	cfg    *config.Config
	logger *log.Logger

	store       *store.Store
	broadcaster *status.Broadcaster
	dash        *dashboard.Server

	// mu guards cancel, repl, and the mutable config sections. The
	// config-watch callback runs on the watcher's goroutine and swaps
	// repl while Start's goroutine reads it during teardown.
	mu     sync.Mutex
	cancel context.CancelFunc
	repl   *replicator.Replicator
}

// New creates a daemon from a config loader. The configuration is loaded
// immediately; replication does not begin until Start.
func New(loader *config.Loader) (*Daemon, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("remote.url is not configured")
	}

	return &Daemon{
		loader:      loader,
		cfg:         cfg,
		logger:      newLogger(cfg.Log),
		broadcaster: status.New(),
	}, nil
}

// newLogger builds the daemon logger: stderr by default, a rotated file
// when configured.
func newLogger(cfg config.LogConfig) *log.Logger {
	if cfg.File == "" {
		return log.New(os.Stderr, "[todosync] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}, "[todosync] ", log.LstdFlags)
}

// Broadcaster returns the daemon's status broadcaster, for callers that
// want to observe sync status directly.
func (d *Daemon) Broadcaster() *status.Broadcaster {
	return d.broadcaster
}

// Store returns the open store. Valid only between Start and Stop.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Start runs the daemon until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting todosync daemon")

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	st, err := store.Open(d.cfg.Store.Path, d.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st
	defer st.Close()

	if err := st.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	repl, err := d.buildReplicator(d.cfg)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.repl = repl
	d.mu.Unlock()

	if d.cfg.Dashboard.Enabled {
		d.dash = dashboard.NewServer(&dashboard.Config{
			Port:   d.cfg.Dashboard.Port,
			Logger: d.logger,
		}, st, d.broadcaster)
		if err := d.dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	repl.Start(ctx)

	// Restart replication when the remote settings change on disk.
	d.loader.Watch(func(cfg *config.Config) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if cfg.Remote == d.cfg.Remote && cfg.Sync == d.cfg.Sync {
			return
		}
		d.logger.Println("Remote configuration changed, restarting replication")

		fresh, err := d.buildReplicator(cfg)
		if err != nil {
			d.logger.Printf("Ignoring config change: %v", err)
			return
		}

		d.repl.Cancel()
		d.cfg.Remote = cfg.Remote
		d.cfg.Sync = cfg.Sync
		d.repl = fresh
		d.repl.Start(ctx)
	}, func(err error) {
		d.logger.Printf("Config watch error: %v", err)
	})

	<-ctx.Done()
	return d.stop()
}

// Stop requests shutdown. Safe to call from any goroutine; Start returns
// after teardown finishes.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// buildReplicator constructs a replicator wired to the broadcaster.
func (d *Daemon) buildReplicator(cfg *config.Config) (*replicator.Replicator, error) {
	client, err := remote.New(cfg.Remote.URL, cfg.Remote.Database, cfg.Remote.Username, cfg.Remote.Password, d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build remote client: %w", err)
	}

	rcfg := replicator.DefaultConfig()
	rcfg.PollInterval = cfg.Sync.PollInterval
	rcfg.RetryBase = cfg.Sync.RetryBase
	rcfg.RetryMax = cfg.Sync.RetryMax
	rcfg.BatchSize = cfg.Sync.BatchSize
	rcfg.Logger = d.logger
	rcfg.OnEvent = func(ev replicator.Event) {
		d.broadcaster.Set(statusFor(ev), ev.Err)
	}

	return replicator.New(d.store, client, rcfg), nil
}

// stop tears the daemon down in reverse start order.
func (d *Daemon) stop() error {
	d.logger.Println("Stopping todosync daemon")

	d.mu.Lock()
	repl := d.repl
	d.mu.Unlock()
	if repl != nil {
		repl.Cancel()
	}
	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.logger.Println("Daemon stopped")
	return nil
}

// statusFor maps a replicator lifecycle event to the broadcast status.
func statusFor(ev replicator.Event) status.SyncStatus {
	switch ev.State {
	case replicator.StateActive:
		return status.StatusActive
	case replicator.StatePaused:
		return status.StatusPaused
	case replicator.StateError:
		return status.StatusError
	case replicator.StateDenied:
		return status.StatusDenied
	case replicator.StateComplete:
		return status.StatusComplete
	default:
		return status.StatusPending
	}
}
