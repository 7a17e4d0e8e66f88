package todo

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"os"
	"strings"
	"time"

	"github.com/localfirst/todosync/internal/store"
)

// Repository is the typed CRUD and query façade over the document store.
//
// Read-modify-write operations carry no lock: the store's revision check
// is the sole concurrency control, so an update racing an inbound
// replicated write fails with store.ErrConflict and the caller re-fetches.
type Repository struct {
	store  *store.Store
	logger *log.Logger

	// now is injectable for tests that need deterministic timestamps.
	now func() time.Time
}

// NewRepository creates a repository over the given store.
// If logger is nil, a default logger writing to stderr is used.
func NewRepository(st *store.Store, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.New(os.Stderr, "[todo] ", log.LstdFlags)
	}
	return &Repository{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Create validates, sanitizes, and stores a new todo, returning the stored
// document including its revision. Fails with *ValidationError before
// anything reaches storage.
func (r *Repository) Create(ctx context.Context, title, description string) (Todo, error) {
	t, err := newTodo(title, description, r.now())
	if err != nil {
		r.logger.Printf("create rejected: %v", err)
		return Todo{}, err
	}

	doc, err := toDocument(t)
	if err != nil {
		return Todo{}, err
	}

	rev, err := r.store.Put(ctx, doc)
	if err != nil {
		r.logger.Printf("create %s failed: %v", t.ID, err)
		return Todo{}, fmt.Errorf("create todo: %w", err)
	}

	t.Rev = rev
	return t, nil
}

// GetAll returns every todo, newest first.
func (r *Repository) GetAll(ctx context.Context) ([]Todo, error) {
	return r.find(ctx, store.Selector{Type: DocType})
}

// GetByStatus returns todos filtered by completion, newest first.
func (r *Repository) GetByStatus(ctx context.Context, completed bool) ([]Todo, error) {
	return r.find(ctx, store.Selector{Type: DocType, Completed: &completed})
}

// GetByID returns a single todo. Propagates store.ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (Todo, error) {
	doc, err := r.store.Get(ctx, id)
	if err != nil {
		return Todo{}, err
	}
	return fromDocument(doc)
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title       *string
	Description *string
	Completed   *bool
}

// Update fetches the current document, merges the patch (re-escaping any
// provided text fields), refreshes UpdatedAt, re-validates, and writes
// with the fetched revision. Fails with store.ErrConflict if the document
// was mutated concurrently between fetch and write; callers retry by
// re-fetching.
func (r *Repository) Update(ctx context.Context, id string, patch Patch) (Todo, error) {
	t, err := r.GetByID(ctx, id)
	if err != nil {
		r.logger.Printf("update %s: fetch failed: %v", id, err)
		return Todo{}, err
	}

	if patch.Title != nil {
		t.Title = html.EscapeString(strings.TrimSpace(*patch.Title))
	}
	if patch.Description != nil {
		t.Description = html.EscapeString(strings.TrimSpace(*patch.Description))
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	t.UpdatedAt = r.now()

	if err := validateStored(t); err != nil {
		r.logger.Printf("update %s rejected: %v", id, err)
		return Todo{}, err
	}

	doc, err := toDocument(t)
	if err != nil {
		return Todo{}, err
	}

	rev, err := r.store.Put(ctx, doc)
	if err != nil {
		r.logger.Printf("update %s failed: %v", id, err)
		return Todo{}, fmt.Errorf("update todo: %w", err)
	}

	t.Rev = rev
	return t, nil
}

// Delete removes a todo using its current revision. Fails with
// store.ErrNotFound if already gone, store.ErrConflict if mutated
// concurrently.
func (r *Repository) Delete(ctx context.Context, id string) error {
	t, err := r.GetByID(ctx, id)
	if err != nil {
		r.logger.Printf("delete %s: fetch failed: %v", id, err)
		return err
	}

	if err := r.store.Remove(ctx, id, t.Rev); err != nil {
		r.logger.Printf("delete %s failed: %v", id, err)
		return err
	}
	return nil
}

// ToggleComplete flips the completed flag via Update.
func (r *Repository) ToggleComplete(ctx context.Context, id string) (Todo, error) {
	t, err := r.GetByID(ctx, id)
	if err != nil {
		return Todo{}, err
	}

	flipped := !t.Completed
	return r.Update(ctx, id, Patch{Completed: &flipped})
}

// DeleteCompleted removes all completed todos, best-effort: an item that
// fails (for example a concurrent revision conflict) is logged and
// skipped, never rolling back removals that already succeeded. Returns the
// number of todos actually removed.
func (r *Repository) DeleteCompleted(ctx context.Context) (int, error) {
	completed, err := r.GetByStatus(ctx, true)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, t := range completed {
		if err := r.store.Remove(ctx, t.ID, t.Rev); err != nil {
			r.logger.Printf("deleteCompleted: skipping %s: %v", t.ID, err)
			continue
		}
		removed++
	}

	return removed, nil
}

// find runs a store query and decodes the results.
func (r *Repository) find(ctx context.Context, sel store.Selector) ([]Todo, error) {
	docs, err := r.store.Find(ctx, sel, store.SortCreatedDesc)
	if err != nil {
		return nil, fmt.Errorf("find todos: %w", err)
	}

	todos := make([]Todo, 0, len(docs))
	for _, doc := range docs {
		t, err := fromDocument(doc)
		if err != nil {
			r.logger.Printf("find: skipping malformed document %s: %v", doc.ID, err)
			continue
		}
		todos = append(todos, t)
	}
	return todos, nil
}

// SubscribeAll delivers the full current list of todos to callback
// immediately, then re-queries and redelivers the full set on every
// change to a todo document. Returns a cancellation function.
func (r *Repository) SubscribeAll(callback func([]Todo)) (cancel func()) {
	return r.subscribe(func(ctx context.Context) ([]Todo, error) {
		return r.GetAll(ctx)
	}, callback)
}

// SubscribeByStatus is SubscribeAll filtered by completion status.
func (r *Repository) SubscribeByStatus(completed bool, callback func([]Todo)) (cancel func()) {
	return r.subscribe(func(ctx context.Context) ([]Todo, error) {
		return r.GetByStatus(ctx, completed)
	}, callback)
}

// subscribe wires a snapshot query to the store's change feed. Snapshots
// are always full query results, not diffs; replicated writes trigger
// redelivery exactly like local writes.
func (r *Repository) subscribe(query func(context.Context) ([]Todo, error), callback func([]Todo)) (cancel func()) {
	sub := r.store.Subscribe(store.Filter{Type: DocType})

	deliver := func() {
		todos, err := query(context.Background())
		if err != nil {
			if errors.Is(err, store.ErrClosed) {
				return
			}
			r.logger.Printf("subscription query failed: %v", err)
			return
		}
		callback(todos)
	}

	go func() {
		deliver()
		for range sub.C() {
			deliver()
		}
	}()

	return sub.Cancel
}
