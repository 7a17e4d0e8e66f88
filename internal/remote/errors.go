package remote

import "errors"

// Common errors returned by remote endpoint operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, remote.ErrUnauthorized) {
//	    // The credential was rejected; retrying will not help
//	}
var (
	// ErrUnreachable is returned when the remote endpoint cannot be
	// reached over the network. The replicator treats this as transient
	// and retries with backoff.
	ErrUnreachable = errors.New("remote endpoint unreachable")

	// ErrUnauthorized is returned when the remote rejects the configured
	// credential (HTTP 401/403). Retrying with the same credential will
	// not succeed.
	ErrUnauthorized = errors.New("remote rejected credentials")

	// ErrRemote is returned for any other error response from the remote
	// endpoint (server errors, validation rejections).
	ErrRemote = errors.New("remote endpoint error")
)
