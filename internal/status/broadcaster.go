// Package status provides the process-wide sync status broadcaster.
//
// The broadcaster holds the single current (status, last error) pair
// derived from the replicator's latest lifecycle event and fans every
// change out synchronously to registered listeners. It is an explicit
// object injected by whoever owns application startup, so tests can run
// independent broadcasters side by side.
package status

import "sync"

// SyncStatus is the replication lifecycle state as observed by the UI.
type SyncStatus string

const (
	// StatusPending means replication is configured but not yet connected.
	StatusPending SyncStatus = "pending"

	// StatusActive means documents are currently being transferred.
	StatusActive SyncStatus = "active"

	// StatusPaused means replication is idle and caught up, waiting for
	// new changes or network availability. This is the normal steady
	// state for an idle, synced client, not a failure.
	StatusPaused SyncStatus = "paused"

	// StatusError means a transfer attempt failed; the replicator is
	// retrying and the state is transient.
	StatusError SyncStatus = "error"

	// StatusDenied means the remote rejected the credential. Retrying
	// with the same credential will not succeed.
	StatusDenied SyncStatus = "denied"

	// StatusComplete means replication was stopped and drained.
	StatusComplete SyncStatus = "complete"
)

// Listener receives every status change. Invocation order across listeners
// is not guaranteed; delivery is synchronous with the change.
type Listener func(status SyncStatus, err error)

// Broadcaster tracks the current sync status and fans changes out to
// listeners. The zero value is not usable; call New.
type Broadcaster struct {
	mu        sync.Mutex
	status    SyncStatus
	lastErr   error
	listeners map[int]Listener
	nextID    int
}

// New creates a broadcaster in the pending state.
func New() *Broadcaster {
	return &Broadcaster{
		status:    StatusPending,
		listeners: make(map[int]Listener),
	}
}

// Current returns the latest status and the error that accompanied it
// (nil outside error/denied).
func (b *Broadcaster) Current() (SyncStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.lastErr
}

// Set records a new status and delivers it to every listener.
//
// Listeners are invoked outside the broadcaster's lock, so a listener may
// add or remove listeners (including itself) without deadlocking. A
// listener removed during delivery still receives the in-flight change.
func (b *Broadcaster) Set(status SyncStatus, err error) {
	b.mu.Lock()
	b.status = status
	b.lastErr = err

	snapshot := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		snapshot = append(snapshot, l)
	}
	b.mu.Unlock()

	for _, l := range snapshot {
		l(status, err)
	}
}

// AddListener registers a listener and returns its removal function.
// Both are safe to call at any time, including from within a listener
// callback. The listener is not invoked with the current value; callers
// wanting an immediate snapshot use Current.
func (b *Broadcaster) AddListener(l Listener) (remove func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}
