package status

import (
	"errors"
	"sync"
	"testing"
)

func TestNewStartsPending(t *testing.T) {
	b := New()

	st, err := b.Current()
	if st != StatusPending {
		t.Errorf("Initial status = %s, want %s", st, StatusPending)
	}
	if err != nil {
		t.Errorf("Initial error = %v, want nil", err)
	}
}

func TestSetUpdatesCurrent(t *testing.T) {
	b := New()
	wantErr := errors.New("connection refused")

	b.Set(StatusError, wantErr)

	st, err := b.Current()
	if st != StatusError {
		t.Errorf("Status = %s, want %s", st, StatusError)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("Error = %v, want %v", err, wantErr)
	}

	// A non-error status clears the last error.
	b.Set(StatusPaused, nil)
	st, err = b.Current()
	if st != StatusPaused || err != nil {
		t.Errorf("After recovery: status = %s, err = %v, want paused, nil", st, err)
	}
}

func TestFanOut(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var first, second []SyncStatus

	removeFirst := b.AddListener(func(st SyncStatus, err error) {
		mu.Lock()
		first = append(first, st)
		mu.Unlock()
	})
	defer removeFirst()
	removeSecond := b.AddListener(func(st SyncStatus, err error) {
		mu.Lock()
		second = append(second, st)
		mu.Unlock()
	})
	defer removeSecond()

	b.Set(StatusActive, nil)
	b.Set(StatusPaused, nil)

	mu.Lock()
	defer mu.Unlock()
	want := []SyncStatus{StatusActive, StatusPaused}
	for i, got := range [][]SyncStatus{first, second} {
		if len(got) != len(want) {
			t.Fatalf("Listener %d received %d changes, want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("Listener %d change[%d] = %s, want %s", i, j, got[j], want[j])
			}
		}
	}
}

func TestRemovedListenerStopsReceiving(t *testing.T) {
	b := New()

	calls := 0
	remove := b.AddListener(func(SyncStatus, error) { calls++ })

	b.Set(StatusActive, nil)
	remove()
	b.Set(StatusPaused, nil)

	if calls != 1 {
		t.Errorf("Removed listener received %d changes, want 1", calls)
	}
}

func TestListenerMayRemoveItself(t *testing.T) {
	b := New()

	calls := 0
	var remove func()
	remove = b.AddListener(func(SyncStatus, error) {
		calls++
		remove()
	})

	// Must not deadlock, and the listener goes away after the first change.
	b.Set(StatusActive, nil)
	b.Set(StatusPaused, nil)

	if calls != 1 {
		t.Errorf("Self-removing listener received %d changes, want 1", calls)
	}
}

func TestListenerMayAddListener(t *testing.T) {
	b := New()

	lateCalls := 0
	remove := b.AddListener(func(SyncStatus, error) {
		b.AddListener(func(SyncStatus, error) { lateCalls++ })
	})

	b.Set(StatusActive, nil)
	remove()
	b.Set(StatusPaused, nil)

	// The listener added during the first delivery sees only the second.
	if lateCalls != 1 {
		t.Errorf("Late listener received %d changes, want 1", lateCalls)
	}
}
