package todo

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/localfirst/todosync/internal/store"
)

// setupTestRepo opens a store-backed repository in a temp directory.
func setupTestRepo(t *testing.T) (*Repository, *store.Store) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.CreateIndexes(context.Background()); err != nil {
		t.Fatalf("Failed to create indexes: %v", err)
	}

	return NewRepository(st, log.New(io.Discard, "", 0)), st
}

// tickingClock returns a clock that advances by a millisecond per call, so
// successive writes get strictly increasing timestamps.
func tickingClock() func() time.Time {
	base := time.Now()
	n := 0
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func TestCreateAndGetByID(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Rev == "" {
		t.Error("Create returned empty revision")
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if got.ID != created.ID || got.Rev != created.Rev {
		t.Errorf("GetByID identity = {%s %s}, want {%s %s}", got.ID, got.Rev, created.ID, created.Rev)
	}
	if got.Title != "Buy milk" || got.Description != "2 liters" || got.Completed {
		t.Errorf("GetByID = %+v, want the created todo", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) || !got.UpdatedAt.Equal(created.UpdatedAt) {
		t.Error("GetByID timestamps differ from Create")
	}
}

func TestCreateValidation(t *testing.T) {
	repo, st := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "   ", "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Create with blank title: err = %v, want *ValidationError", err)
	}

	// Rejected input must never reach storage.
	info, err := st.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.DocCount != 0 {
		t.Errorf("DocCount = %d after rejected create, want 0", info.DocCount)
	}
}

func TestUpdate(t *testing.T) {
	repo, _ := setupTestRepo(t)
	repo.now = tickingClock()
	ctx := context.Background()

	created, err := repo.Create(ctx, "Buy milk", "")
	if err != nil {
		t.Fatal(err)
	}

	title := "Buy <oat> milk"
	updated, err := repo.Update(ctx, created.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if updated.Title != "Buy &lt;oat&gt; milk" {
		t.Errorf("Updated title = %q, want escaped form", updated.Title)
	}
	if updated.Rev == created.Rev {
		t.Error("Update did not advance the revision")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Error("UpdatedAt not advanced by update")
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("Update changed CreatedAt")
	}
	// Unpatched fields are untouched.
	if updated.Description != created.Description || updated.Completed != created.Completed {
		t.Error("Update changed fields outside the patch")
	}
}

func TestUpdateConflictRetry(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "contested", "")
	if err != nil {
		t.Fatal(err)
	}

	// Another writer gets in first.
	done := true
	if _, err := repo.Update(ctx, created.ID, Patch{Completed: &done}); err != nil {
		t.Fatal(err)
	}

	// A writer still holding the original revision loses.
	stale := created
	stale.Title = "stale edit"
	doc, err := toDocument(stale)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.store.Put(ctx, doc); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Stale write: err = %v, want store.ErrConflict", err)
	}

	// The standard retry: re-fetch, then update against the fresh state.
	title := "fresh edit"
	updated, err := repo.Update(ctx, created.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("Retry after conflict failed: %v", err)
	}
	if updated.Title != "fresh edit" || !updated.Completed {
		t.Errorf("Retry result = %+v, want fresh edit over the concurrent completion", updated)
	}
}

func TestToggleCompleteInvolution(t *testing.T) {
	repo, _ := setupTestRepo(t)
	repo.now = tickingClock()
	ctx := context.Background()

	created, err := repo.Create(ctx, "flip me", "")
	if err != nil {
		t.Fatal(err)
	}

	once, err := repo.ToggleComplete(ctx, created.ID)
	if err != nil {
		t.Fatalf("First toggle failed: %v", err)
	}
	if !once.Completed {
		t.Error("First toggle: Completed = false, want true")
	}

	twice, err := repo.ToggleComplete(ctx, created.ID)
	if err != nil {
		t.Fatalf("Second toggle failed: %v", err)
	}
	if twice.Completed {
		t.Error("Second toggle: Completed = true, want false")
	}

	// Double toggle restores the flag but still counts as two writes.
	if !once.UpdatedAt.After(created.UpdatedAt) || !twice.UpdatedAt.After(once.UpdatedAt) {
		t.Error("UpdatedAt not strictly increasing across toggles")
	}
	if twice.Rev == created.Rev || twice.Rev == once.Rev {
		t.Error("Revisions not advancing across toggles")
	}
}

func TestDelete(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "doomed", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := repo.GetByID(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID after delete: err = %v, want store.ErrNotFound", err)
	}
	if err := repo.Delete(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Second delete: err = %v, want store.ErrNotFound", err)
	}
}

func TestGetByStatus(t *testing.T) {
	repo, _ := setupTestRepo(t)
	repo.now = tickingClock()
	ctx := context.Background()

	var completedIDs, activeIDs []string
	for i := 0; i < 3; i++ {
		td, err := repo.Create(ctx, "done", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := repo.ToggleComplete(ctx, td.ID); err != nil {
			t.Fatal(err)
		}
		completedIDs = append(completedIDs, td.ID)
	}
	for i := 0; i < 2; i++ {
		td, err := repo.Create(ctx, "open", "")
		if err != nil {
			t.Fatal(err)
		}
		activeIDs = append(activeIDs, td.ID)
	}

	completed, err := repo.GetByStatus(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	active, err := repo.GetByStatus(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The two status slices partition the full set.
	if len(completed) != 3 || len(active) != 2 || len(all) != 5 {
		t.Fatalf("Partition sizes = %d + %d vs %d all", len(completed), len(active), len(all))
	}
	seen := make(map[string]bool)
	for _, td := range append(completed, active...) {
		if seen[td.ID] {
			t.Errorf("Todo %s appears in both status queries", td.ID)
		}
		seen[td.ID] = true
	}
	for _, td := range all {
		if !seen[td.ID] {
			t.Errorf("Todo %s missing from status queries", td.ID)
		}
	}

	// Newest first within each query.
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Error("GetAll not ordered newest first")
		}
	}
}

func TestDeleteCompleted(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		td, err := repo.Create(ctx, "done", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := repo.ToggleComplete(ctx, td.ID); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := repo.Create(ctx, "open", ""); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.DeleteCompleted(ctx)
	if err != nil {
		t.Fatalf("DeleteCompleted failed: %v", err)
	}
	if n != 3 {
		t.Errorf("DeleteCompleted removed %d, want 3", n)
	}

	remaining, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("%d todos remain, want 2", len(remaining))
	}
	for _, td := range remaining {
		if td.Completed {
			t.Errorf("Completed todo %s survived DeleteCompleted", td.ID)
		}
	}

	// Nothing left to remove.
	n, err = repo.DeleteCompleted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Second DeleteCompleted removed %d, want 0", n)
	}
}

func TestSubscribeAll(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	snapshots := make(chan []Todo, 16)
	cancel := repo.SubscribeAll(func(todos []Todo) {
		snapshots <- todos
	})
	defer cancel()

	// Initial snapshot arrives without any write.
	first := nextSnapshot(t, snapshots)
	if len(first) != 0 {
		t.Errorf("Initial snapshot has %d todos, want 0", len(first))
	}

	created, err := repo.Create(ctx, "observed", "")
	if err != nil {
		t.Fatal(err)
	}

	snap := awaitSnapshot(t, snapshots, func(todos []Todo) bool { return len(todos) == 1 })
	if snap[0].ID != created.ID {
		t.Errorf("Snapshot todo = %s, want %s", snap[0].ID, created.ID)
	}

	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	awaitSnapshot(t, snapshots, func(todos []Todo) bool { return len(todos) == 0 })
}

func TestSubscribeByStatusSeesReplicatedWrites(t *testing.T) {
	repo, st := setupTestRepo(t)
	ctx := context.Background()

	snapshots := make(chan []Todo, 16)
	cancel := repo.SubscribeByStatus(false, func(todos []Todo) {
		snapshots <- todos
	})
	defer cancel()

	nextSnapshot(t, snapshots) // initial empty delivery

	// A pulled remote document must trigger redelivery like a local write.
	remote, err := newTodo("from another device", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	remote.ID = "todo_remote"
	doc, err := toDocument(remote)
	if err != nil {
		t.Fatal(err)
	}
	doc.Rev = "1-remote"
	if _, err := st.ApplyReplicated(ctx, doc); err != nil {
		t.Fatal(err)
	}

	snap := awaitSnapshot(t, snapshots, func(todos []Todo) bool { return len(todos) == 1 })
	if snap[0].ID != "todo_remote" {
		t.Errorf("Snapshot todo = %s, want todo_remote", snap[0].ID)
	}
}

func nextSnapshot(t *testing.T, ch <-chan []Todo) []Todo {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for snapshot")
		return nil
	}
}

// awaitSnapshot reads snapshots until one satisfies the predicate,
// skipping intermediate deliveries.
func awaitSnapshot(t *testing.T, ch <-chan []Todo, ok func([]Todo) bool) []Todo {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("Timed out waiting for matching snapshot")
			return nil
		}
	}
}

func TestLifecycleScenario(t *testing.T) {
	repo, _ := setupTestRepo(t)
	repo.now = tickingClock()
	ctx := context.Background()

	td, err := repo.Create(ctx, "Buy milk", "")
	if err != nil {
		t.Fatal(err)
	}

	desc := "2 liters, oat"
	td, err = repo.Update(ctx, td.ID, Patch{Description: &desc})
	if err != nil {
		t.Fatal(err)
	}

	td, err = repo.ToggleComplete(ctx, td.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !td.Completed || td.Description != "2 liters, oat" {
		t.Errorf("After toggle: %+v", td)
	}

	n, err := repo.DeleteCompleted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DeleteCompleted removed %d, want 1", n)
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("%d todos remain at end of lifecycle, want 0", len(all))
	}
}
