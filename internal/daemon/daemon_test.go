package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localfirst/todosync/internal/config"
	"github.com/localfirst/todosync/internal/replicator"
	"github.com/localfirst/todosync/internal/status"
)

// fakeEndpoint is a minimal always-empty remote speaking the replication
// subset, counting the requests it serves.
type fakeEndpoint struct {
	hits int64
}

func (f *fakeEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&f.hits, 1)

	switch {
	case strings.HasSuffix(r.URL.Path, "/_changes"):
		_, _ = io.WriteString(w, `{"results": [], "last_seq": 0}`)
	case strings.HasSuffix(r.URL.Path, "/_revs_diff"):
		_, _ = io.WriteString(w, `{}`)
	case strings.HasSuffix(r.URL.Path, "/_bulk_docs"):
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "[]")
	default:
		_, _ = io.WriteString(w, `{"couchdb": "Welcome", "version": "3.3.2"}`)
	}
}

func (f *fakeEndpoint) requests() int64 {
	return atomic.LoadInt64(&f.hits)
}

// writeTestConfig writes a daemon config pointing at the given remote URL
// and returns the config file path.
func writeTestConfig(t *testing.T, dir, remoteURL string) string {
	t.Helper()

	path := filepath.Join(dir, "todosync.yaml")
	content := fmt.Sprintf(`
store:
  path: %s
remote:
  url: %s
sync:
  poll_interval: 20ms
  retry_base: 10ms
  retry_max: 50ms
  batch_size: 100
log:
  file: %s
`, filepath.Join(dir, "todos.db"), remoteURL, filepath.Join(dir, "daemon.log"))

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// awaitStatus reads broadcast transitions until the wanted status arrives.
func awaitStatus(t *testing.T, ch <-chan status.SyncStatus, want status.SyncStatus) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s status", want)
		}
	}
}

func TestNewRequiresRemoteURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "todosync.yaml")
	if err := os.WriteFile(path, []byte("store:\n  path: "+filepath.Join(dir, "todos.db")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(config.NewLoader(path)); err == nil {
		t.Error("New accepted a config with no remote URL")
	}
}

func TestDaemonLifecycle(t *testing.T) {
	fake := &fakeEndpoint{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	d, err := New(config.NewLoader(writeTestConfig(t, t.TempDir(), srv.URL)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	statuses := make(chan status.SyncStatus, 64)
	removeListener := d.Broadcaster().AddListener(func(st status.SyncStatus, err error) {
		statuses <- st
	})
	defer removeListener()

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	// Replicator events reach the broadcaster: an empty remote settles
	// into paused.
	awaitStatus(t, statuses, status.StatusPaused)
	if fake.requests() == 0 {
		t.Error("Daemon never contacted the remote")
	}

	d.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	// The cancelled run's final transition is forwarded too.
	if st, _ := d.Broadcaster().Current(); st != status.StatusComplete {
		t.Errorf("Final status = %s, want %s", st, status.StatusComplete)
	}
}

func TestDaemonSurfacesSyncErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, err := New(config.NewLoader(writeTestConfig(t, t.TempDir(), srv.URL)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	statuses := make(chan status.SyncStatus, 64)
	removeListener := d.Broadcaster().AddListener(func(st status.SyncStatus, err error) {
		if err == nil && st == status.StatusError {
			t.Error("Error status broadcast without an error")
		}
		statuses <- st
	})
	defer removeListener()

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	awaitStatus(t, statuses, status.StatusError)

	d.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestConfigChangeRestartsReplication(t *testing.T) {
	first := &fakeEndpoint{}
	srvA := httptest.NewServer(first)
	defer srvA.Close()
	second := &fakeEndpoint{}
	srvB := httptest.NewServer(second)
	defer srvB.Close()

	dir := t.TempDir()
	path := writeTestConfig(t, dir, srvA.URL)

	d, err := New(config.NewLoader(path))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	statuses := make(chan status.SyncStatus, 64)
	removeListener := d.Broadcaster().AddListener(func(st status.SyncStatus, err error) {
		statuses <- st
	})
	defer removeListener()

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	awaitStatus(t, statuses, status.StatusPaused)

	// Point the config file at the second remote; the watcher must swap
	// replication over without a process restart.
	writeTestConfig(t, dir, srvB.URL)

	deadline := time.Now().Add(10 * time.Second)
	for second.requests() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Replication never reached the new remote after config change")
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		state replicator.State
		want  status.SyncStatus
	}{
		{replicator.StatePending, status.StatusPending},
		{replicator.StateActive, status.StatusActive},
		{replicator.StatePaused, status.StatusPaused},
		{replicator.StateError, status.StatusError},
		{replicator.StateDenied, status.StatusDenied},
		{replicator.StateComplete, status.StatusComplete},
	}

	for _, tt := range tests {
		ev := replicator.Event{State: tt.state}
		if tt.state == replicator.StateError || tt.state == replicator.StateDenied {
			ev.Err = errors.New("boom")
		}
		if got := statusFor(ev); got != tt.want {
			t.Errorf("statusFor(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
}
