// Package replicator provides continuous bidirectional synchronization
// between the local document store and a remote endpoint.
//
// The replicator runs a pull-then-push cycle in a background goroutine:
// remote changes since the last checkpoint are applied through the store's
// conflict rule, then local commits since the push checkpoint are offered
// to the remote via _revs_diff and written with _bulk_docs. Between cycles
// it waits on the local change feed and a poll ticker.
//
// Lifecycle: pending → active ⇄ paused → {complete | error | denied}.
// Network failures are retried with exponential backoff forever; only an
// explicit Cancel stops retrying. An authorization rejection ends the run
// in denied, since retrying the same credential cannot succeed.
package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/localfirst/todosync/internal/remote"
	"github.com/localfirst/todosync/internal/store"
)

// State is a replication lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateDenied   State = "denied"
	StateComplete State = "complete"
)

// Event is one lifecycle transition. Consumers switch on State;
// DocsTransferred is populated for active events and Err for error and
// denied events.
type Event struct {
	State           State
	DocsTransferred int
	Err             error
}

// Checkpoint keys in the store's meta table.
const (
	pullCheckpoint = "replication.pull_seq"
	pushCheckpoint = "replication.push_seq"
)

// Config holds replicator configuration.
type Config struct {
	// PollInterval is how often to check the remote for new changes when
	// the local side is idle.
	PollInterval time.Duration

	// RetryBase is the first backoff delay after a transient failure.
	RetryBase time.Duration

	// RetryMax caps the exponential backoff.
	RetryMax time.Duration

	// BatchSize limits how many remote changes are pulled per request
	// (0 = no limit).
	BatchSize int

	// OnEvent, when set, receives every lifecycle event. Called from the
	// replication goroutine.
	OnEvent func(Event)

	// Logger for replication activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		RetryBase:    time.Second,
		RetryMax:     time.Minute,
		BatchSize:    100,
		Logger:       log.New(os.Stderr, "[replicator] ", log.LstdFlags),
	}
}

// Replicator synchronizes the local store with a remote endpoint.
type Replicator struct {
	store  *store.Store
	remote *remote.Client
	config *Config

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a replicator in the pending state. Use Start to begin
// replication.
func New(st *store.Store, rc *remote.Client, config *Config) *Replicator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[replicator] ", log.LstdFlags)
	}

	return &Replicator{
		store:  st,
		remote: rc,
		config: config,
		state:  StatePending,
	}
}

// State returns the current lifecycle state.
func (r *Replicator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins continuous push-and-pull replication. If replication is
// already running it is cancelled and restarted, so Start is safe to use
// as a manual "retry" affordance, including after a denied run.
func (r *Replicator) Start(ctx context.Context) {
	r.Cancel()

	r.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	// Observers of a finished run (denied, complete) see the fresh run
	// begin; a repeated pending is deduplicated.
	r.transition(Event{State: StatePending})

	r.wg.Add(1)
	go r.run(runCtx)
}

// Cancel stops replication. In-flight transfers are aborted via context
// cancellation and the run deterministically ends in the complete state.
// Calling Cancel when replication is not running is a no-op.
func (r *Replicator) Cancel() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// run is the replication loop. It exits when ctx is cancelled (emitting
// complete) or when the remote denies the credential (emitting denied).
func (r *Replicator) run(ctx context.Context) {
	defer r.wg.Done()

	// Wake immediately when the local store commits a write.
	sub := r.store.Subscribe(store.Filter{})
	defer sub.Cancel()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	backoff := r.config.RetryBase

	for {
		transferred, err := r.cycle(ctx)

		switch {
		case ctx.Err() != nil:
			r.transition(Event{State: StateComplete})
			return

		case err != nil && errors.Is(err, remote.ErrUnauthorized):
			r.config.Logger.Printf("Replication denied: %v", err)
			r.transition(Event{State: StateDenied, Err: err})
			return

		case err != nil:
			r.config.Logger.Printf("Replication error (retrying in %s): %v", backoff, err)
			r.transition(Event{State: StateError, Err: err})

			select {
			case <-ctx.Done():
				r.transition(Event{State: StateComplete})
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > r.config.RetryMax {
				backoff = r.config.RetryMax
			}
			continue

		default:
			backoff = r.config.RetryBase
			if transferred > 0 {
				r.transition(Event{State: StateActive, DocsTransferred: transferred})
			}
			r.transition(Event{State: StatePaused})
		}

		select {
		case <-ctx.Done():
			r.transition(Event{State: StateComplete})
			return
		case <-ticker.C:
		case _, ok := <-sub.C():
			if !ok {
				// Store closed underneath us; nothing left to replicate.
				r.transition(Event{State: StateComplete})
				return
			}
			r.drain(sub)
		}
	}
}

// drain absorbs any further queued change events so a burst of local
// writes triggers one cycle, not one per write.
func (r *Replicator) drain(sub *store.Subscription) {
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// transition records a state change and emits the event. Repeated
// active/paused states are deduplicated; error and denied events always
// fire so observers see each failure.
func (r *Replicator) transition(ev Event) {
	r.mu.Lock()
	same := r.state == ev.State
	r.state = ev.State
	r.mu.Unlock()

	if same && (ev.State == StatePaused || ev.State == StatePending) {
		return
	}
	if r.config.OnEvent != nil {
		r.config.OnEvent(ev)
	}
}

// cycle performs one pull followed by one push, returning the number of
// documents transferred in either direction.
func (r *Replicator) cycle(ctx context.Context) (int, error) {
	pulled, err := r.pull(ctx)
	if err != nil {
		return pulled, err
	}

	pushed, err := r.push(ctx)
	if err != nil {
		return pulled + pushed, err
	}

	return pulled + pushed, nil
}

// pull applies remote changes since the pull checkpoint to the local
// store, resolving conflicts with the store's revision rule.
func (r *Replicator) pull(ctx context.Context) (int, error) {
	since, err := r.store.Checkpoint(ctx, pullCheckpoint)
	if err != nil {
		return 0, err
	}

	applied := 0
	for {
		result, err := r.remote.Changes(ctx, remote.Seq(since), r.config.BatchSize)
		if err != nil {
			return applied, err
		}

		for _, row := range result.Results {
			doc, err := decodeRemoteDoc(row)
			if err != nil {
				r.config.Logger.Printf("Warning: skipping malformed remote change for %s: %v", row.ID, err)
				continue
			}

			ok, err := r.store.ApplyReplicated(ctx, doc)
			if err != nil {
				return applied, fmt.Errorf("failed to apply remote change %s: %w", row.ID, err)
			}
			if ok {
				applied++
			}
		}

		if string(result.LastSeq) != "" && string(result.LastSeq) != since {
			if err := r.store.SetCheckpoint(ctx, pullCheckpoint, string(result.LastSeq)); err != nil {
				return applied, err
			}
			since = string(result.LastSeq)
		}

		// A short page means we are caught up.
		if r.config.BatchSize <= 0 || len(result.Results) < r.config.BatchSize {
			return applied, nil
		}
	}
}

// push offers local commits since the push checkpoint to the remote and
// writes whatever it is missing.
func (r *Replicator) push(ctx context.Context) (int, error) {
	cp, err := r.store.Checkpoint(ctx, pushCheckpoint)
	if err != nil {
		return 0, err
	}
	since := int64(0)
	if cp != "" {
		since, err = strconv.ParseInt(cp, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt push checkpoint %q: %w", cp, err)
		}
	}

	changes, err := r.store.ChangesSince(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}

	// Latest revision per document; superseded intermediates are skipped.
	revs := make(map[string][]string)
	lastSeq := since
	for _, c := range changes {
		revs[c.ID] = []string{c.Rev}
		lastSeq = c.Seq
	}

	diff, err := r.remote.RevsDiff(ctx, revs)
	if err != nil {
		return 0, err
	}

	var docs []json.RawMessage
	for id, d := range diff {
		if len(d.Missing) == 0 {
			continue
		}

		doc, err := r.store.Lookup(ctx, id)
		if err != nil {
			r.config.Logger.Printf("Warning: cannot load %s for push: %v", id, err)
			continue
		}

		encoded, err := encodeRemoteDoc(doc)
		if err != nil {
			r.config.Logger.Printf("Warning: cannot encode %s for push: %v", id, err)
			continue
		}
		docs = append(docs, encoded)
	}

	if len(docs) > 0 {
		if err := r.remote.BulkDocs(ctx, docs); err != nil {
			return 0, err
		}
	}

	if err := r.store.SetCheckpoint(ctx, pushCheckpoint, strconv.FormatInt(lastSeq, 10)); err != nil {
		return len(docs), err
	}

	return len(docs), nil
}

// decodeRemoteDoc converts a remote changes row into a store document,
// lifting _id/_rev/_deleted out of the body.
func decodeRemoteDoc(row remote.ChangeRow) (store.Document, error) {
	doc := store.Document{ID: row.ID, Deleted: row.Deleted}
	if len(row.Changes) > 0 {
		doc.Rev = row.Changes[0].Rev
	}

	if len(row.Doc) > 0 {
		var body map[string]json.RawMessage
		if err := json.Unmarshal(row.Doc, &body); err != nil {
			return store.Document{}, fmt.Errorf("malformed document body: %w", err)
		}

		if raw, ok := body["_rev"]; ok {
			var rev string
			if err := json.Unmarshal(raw, &rev); err == nil && rev != "" {
				doc.Rev = rev
			}
		}
		if raw, ok := body["_deleted"]; ok {
			var deleted bool
			if err := json.Unmarshal(raw, &deleted); err == nil && deleted {
				doc.Deleted = true
			}
		}

		delete(body, "_id")
		delete(body, "_rev")
		delete(body, "_deleted")

		encoded, err := json.Marshal(body)
		if err != nil {
			return store.Document{}, fmt.Errorf("failed to re-encode document body: %w", err)
		}
		doc.Body = encoded
	}

	if doc.Rev == "" {
		return store.Document{}, fmt.Errorf("change row carries no revision")
	}
	return doc, nil
}

// encodeRemoteDoc converts a store document into the remote wire form,
// injecting _id/_rev/_deleted into the body.
func encodeRemoteDoc(doc store.Document) (json.RawMessage, error) {
	body := make(map[string]json.RawMessage)
	if len(doc.Body) > 0 {
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			return nil, fmt.Errorf("malformed local body: %w", err)
		}
	}

	id, _ := json.Marshal(doc.ID)
	rev, _ := json.Marshal(doc.Rev)
	body["_id"] = id
	body["_rev"] = rev
	if doc.Deleted {
		body["_deleted"] = json.RawMessage("true")
	}

	return json.Marshal(body)
}
