package store

import "errors"

// Common errors returned by document store operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, store.ErrConflict) {
//	    // Re-fetch the document and retry with the current revision
//	}
var (
	// ErrNotFound is returned when the referenced document id does not
	// exist in the store, or only a deletion tombstone remains.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a write supplies a revision that does
	// not match the currently stored revision. The caller must re-fetch
	// the document and retry with the fresh revision.
	ErrConflict = errors.New("document revision conflict")

	// ErrClosed is returned when an operation is attempted on a store
	// that has already been closed.
	ErrClosed = errors.New("store is closed")
)
