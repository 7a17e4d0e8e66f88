package store

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Revisions are opaque "<generation>-<hash>" tokens, regenerated on every
// successful write. The generation counts writes in the document's history;
// the hash is a digest of the new body and the parent revision, so two
// replicas making different edits at the same generation produce different
// tokens.

// newRev derives the next revision token from a parent revision and the
// new document body. An empty parent produces a generation-1 revision.
func newRev(parent string, body []byte) string {
	gen := 0
	if parent != "" {
		if g, _, err := parseRev(parent); err == nil {
			gen = g
		}
	}

	h := md5.New()
	h.Write([]byte(parent))
	h.Write(body)

	return fmt.Sprintf("%d-%s", gen+1, hex.EncodeToString(h.Sum(nil)))
}

// parseRev splits a revision token into its generation and hash parts.
func parseRev(rev string) (int, string, error) {
	gen, hash, ok := strings.Cut(rev, "-")
	if !ok {
		return 0, "", fmt.Errorf("malformed revision %q", rev)
	}

	n, err := strconv.Atoi(gen)
	if err != nil || n < 1 {
		return 0, "", fmt.Errorf("malformed revision %q", rev)
	}

	return n, hash, nil
}

// revWins reports whether revision a beats revision b under the store's
// conflict rule: the deeper generation wins, and equal generations are
// broken deterministically by comparing hash strings. Malformed revisions
// always lose to well-formed ones.
func revWins(a, b string) bool {
	genA, hashA, errA := parseRev(a)
	genB, hashB, errB := parseRev(b)

	if errA != nil {
		return false
	}
	if errB != nil {
		return true
	}

	if genA != genB {
		return genA > genB
	}
	return hashA > hashB
}
