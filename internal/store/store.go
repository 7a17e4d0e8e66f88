// Package store provides the durable local document store for todosync.
//
// Documents are persisted in an embedded SQLite database (WAL mode for
// concurrent readers) keyed by id and versioned by an opaque revision token.
// Every successful write appends to a commit log, and the store fans the
// resulting change events out to subscribers in commit order, so live
// queries observe local writes and replicated writes identically.
//
// Concurrency control is purely optimistic: a write must carry the
// currently stored revision or it fails with ErrConflict. There is no
// cross-operation locking, so a caller doing read-modify-write can lose the
// race to an inbound replicated write and must re-fetch and retry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Document is a single stored document: an immutable id, the current
// revision token, and the JSON body. The body never contains the id or
// revision; those live alongside it.
type Document struct {
	ID      string
	Rev     string
	Body    json.RawMessage
	Deleted bool
}

// indexedFields are the body fields the store extracts into queryable
// columns. Only these can appear in a Find selector or sort.
type indexedFields struct {
	Type      string    `json:"type"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is a revisioned document store over embedded SQLite.
//
// The single Store handle is shared by the repository layer and the
// replicator; both may write concurrently and coordinate only through the
// revision check.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	// writeMu serializes the write-then-publish section so change events
	// are delivered in commit order. Reads never take it.
	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[int]*Subscription
	nextSub int
	closed  bool
}

// Open creates or opens a document store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created along with the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
		subs:   make(map[int]*Subscription),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := st.initSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// initSchema creates the tables if they don't exist. Idempotent.
func (st *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		rev TEXT NOT NULL,
		body TEXT NOT NULL,
		doc_type TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	-- Commit log: one row per successful write, in commit order.
	CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		rev TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	-- Replication checkpoints and other small persistent state.
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// CreateIndexes declares the secondary indexes used by Find. It is
// idempotent and must be called at startup before queries are issued;
// declaring the indexes redundantly on every startup is a no-op.
func (st *Store) CreateIndexes(ctx context.Context) error {
	indexes := `
	CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(doc_type);
	CREATE INDEX IF NOT EXISTS idx_documents_type_completed ON documents(doc_type, completed);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);
	`

	if _, err := st.conn.ExecContext(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// Close closes the store. Outstanding subscriptions are cancelled and any
// operation issued after Close fails with ErrClosed. Performs a WAL
// checkpoint to ensure all changes are persisted.
func (st *Store) Close() error {
	st.subsMu.Lock()
	if st.closed {
		st.subsMu.Unlock()
		return nil
	}
	st.closed = true
	for id, sub := range st.subs {
		close(sub.ch)
		delete(st.subs, id)
	}
	st.subsMu.Unlock()

	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		st.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	return nil
}

// guard rejects operations on a closed store.
func (st *Store) guard() error {
	st.subsMu.RLock()
	defer st.subsMu.RUnlock()
	if st.closed {
		return ErrClosed
	}
	return nil
}

// Put inserts or updates a document.
//
// An insert requires doc.Rev to be empty. An update requires doc.Rev to
// match the currently stored revision, otherwise Put fails with ErrConflict
// and the caller must re-fetch. On success the new revision token is
// returned and a change event is emitted.
func (st *Store) Put(ctx context.Context, doc Document) (string, error) {
	if err := st.guard(); err != nil {
		return "", fmt.Errorf("put %s: %w", doc.ID, err)
	}
	if doc.ID == "" {
		return "", fmt.Errorf("put: document id must not be empty")
	}

	fields, err := extractFields(doc.Body)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", doc.ID, err)
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	cur, exists, err := st.lookupRow(ctx, doc.ID)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", doc.ID, err)
	}

	parent := ""
	switch {
	case !exists:
		if doc.Rev != "" {
			return "", fmt.Errorf("put %s: %w", doc.ID, ErrConflict)
		}
	case cur.Deleted:
		// Recreating over a tombstone continues its revision history.
		if doc.Rev != "" && doc.Rev != cur.Rev {
			return "", fmt.Errorf("put %s: %w", doc.ID, ErrConflict)
		}
		parent = cur.Rev
	default:
		if doc.Rev != cur.Rev {
			return "", fmt.Errorf("put %s: %w", doc.ID, ErrConflict)
		}
		parent = cur.Rev
	}

	rev := newRev(parent, doc.Body)
	seq, err := st.writeDoc(ctx, doc.ID, rev, doc.Body, fields)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", doc.ID, err)
	}

	st.publish(Change{Seq: seq, ID: doc.ID, Rev: rev, Doc: Document{ID: doc.ID, Rev: rev, Body: doc.Body}}, fields.Type)
	return rev, nil
}

// Get returns the current document, or ErrNotFound if the id is absent or
// only a deletion tombstone remains.
func (st *Store) Get(ctx context.Context, id string) (Document, error) {
	if err := st.guard(); err != nil {
		return Document{}, fmt.Errorf("get %s: %w", id, err)
	}
	doc, exists, err := st.lookupRow(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", id, err)
	}
	if !exists || doc.Deleted {
		return Document{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return doc, nil
}

// Lookup returns the current document including deletion tombstones.
// The replicator uses it to push deletions; callers wanting live documents
// should use Get.
func (st *Store) Lookup(ctx context.Context, id string) (Document, error) {
	if err := st.guard(); err != nil {
		return Document{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	doc, exists, err := st.lookupRow(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	if !exists {
		return Document{}, fmt.Errorf("lookup %s: %w", id, ErrNotFound)
	}
	return doc, nil
}

// Remove tombstones a document. The supplied revision must match the
// currently stored revision (ErrConflict otherwise); removing an absent or
// already-deleted document fails with ErrNotFound.
func (st *Store) Remove(ctx context.Context, id, rev string) error {
	if err := st.guard(); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	cur, exists, err := st.lookupRow(ctx, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if !exists || cur.Deleted {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	if rev != cur.Rev {
		return fmt.Errorf("remove %s: %w", id, ErrConflict)
	}

	newToken := newRev(cur.Rev, nil)
	docType, err := st.docType(ctx, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}

	seq, err := st.writeTombstone(ctx, id, newToken)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}

	st.publish(Change{Seq: seq, ID: id, Rev: newToken, Deleted: true, Doc: Document{ID: id, Rev: newToken, Deleted: true}}, docType)
	return nil
}

// Selector is an equality selector over the indexed fields.
type Selector struct {
	// Type matches the document's type discriminator. Required.
	Type string

	// Completed, when non-nil, additionally matches the completed flag.
	Completed *bool
}

// Sort orders Find results by creation time.
type Sort int

const (
	// SortCreatedDesc returns newest documents first. This is the order
	// the repository layer always asks for.
	SortCreatedDesc Sort = iota

	// SortCreatedAsc returns oldest documents first.
	SortCreatedAsc
)

// Find returns all live documents matching the selector, ordered per sort.
func (st *Store) Find(ctx context.Context, sel Selector, sort Sort) ([]Document, error) {
	if err := st.guard(); err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	conditions := []string{"deleted = 0"}
	var args []interface{}

	if sel.Type != "" {
		conditions = append(conditions, "doc_type = ?")
		args = append(args, sel.Type)
	}
	if sel.Completed != nil {
		conditions = append(conditions, "completed = ?")
		args = append(args, boolToInt(*sel.Completed))
	}

	order := "created_at DESC"
	if sort == SortCreatedAsc {
		order = "created_at ASC"
	}

	query := `
	SELECT id, rev, body, deleted
	FROM documents
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY ` + order

	rows, err := st.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

// Info describes the store's current state.
type Info struct {
	// DocCount is the number of live (non-deleted) documents.
	DocCount int

	// LastSeq is the sequence number of the most recent change, 0 if the
	// store has never been written to.
	LastSeq int64
}

// Info returns the document count and latest change sequence.
func (st *Store) Info(ctx context.Context) (Info, error) {
	if err := st.guard(); err != nil {
		return Info{}, fmt.Errorf("info: %w", err)
	}
	var info Info

	err := st.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE deleted = 0").Scan(&info.DocCount)
	if err != nil {
		return Info{}, fmt.Errorf("info: %w", err)
	}

	err = st.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&info.LastSeq)
	if err != nil {
		return Info{}, fmt.Errorf("info: %w", err)
	}

	return info, nil
}

// ApplyReplicated applies a remote-origin write, resolving divergence with
// the store's conflict rule: the revision with the deeper generation wins,
// with a deterministic hash tiebreak at equal depth. Losing revisions are
// dropped silently. A winning write emits a change event exactly like a
// local write.
//
// Returns true if the document was applied, false if the incoming revision
// lost (or matched the stored revision).
func (st *Store) ApplyReplicated(ctx context.Context, doc Document) (bool, error) {
	if err := st.guard(); err != nil {
		return false, fmt.Errorf("apply %s: %w", doc.ID, err)
	}
	if doc.ID == "" || doc.Rev == "" {
		return false, fmt.Errorf("apply %s: replicated document must carry id and revision", doc.ID)
	}
	if _, _, err := parseRev(doc.Rev); err != nil {
		return false, fmt.Errorf("apply %s: %w", doc.ID, err)
	}

	body := doc.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	fields, err := extractFields(body)
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", doc.ID, err)
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	cur, exists, err := st.lookupRow(ctx, doc.ID)
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", doc.ID, err)
	}

	if exists {
		if cur.Rev == doc.Rev {
			return false, nil
		}
		if !revWins(doc.Rev, cur.Rev) {
			return false, nil
		}
	}

	var seq int64
	docType := fields.Type
	if doc.Deleted {
		if exists && docType == "" {
			docType, err = st.docType(ctx, doc.ID)
			if err != nil {
				return false, fmt.Errorf("apply %s: %w", doc.ID, err)
			}
		}
		seq, err = st.writeReplicatedTombstone(ctx, doc.ID, doc.Rev, docType)
	} else {
		seq, err = st.writeDoc(ctx, doc.ID, doc.Rev, body, fields)
	}
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", doc.ID, err)
	}

	change := Change{Seq: seq, ID: doc.ID, Rev: doc.Rev, Deleted: doc.Deleted, Doc: Document{ID: doc.ID, Rev: doc.Rev, Body: body, Deleted: doc.Deleted}}
	st.publish(change, docType)
	return true, nil
}

// Change is one entry of the commit log.
type Change struct {
	Seq     int64
	ID      string
	Rev     string
	Deleted bool
	Doc     Document
}

// ChangesSince returns commit-log entries with a sequence strictly greater
// than since, oldest first. Bodies are not populated; the replicator loads
// the current document separately so superseded intermediate revisions are
// never pushed.
func (st *Store) ChangesSince(ctx context.Context, since int64) ([]Change, error) {
	if err := st.guard(); err != nil {
		return nil, fmt.Errorf("changes since %d: %w", since, err)
	}
	rows, err := st.conn.QueryContext(ctx,
		"SELECT seq, doc_id, rev, deleted FROM changes WHERE seq > ? ORDER BY seq ASC", since)
	if err != nil {
		return nil, fmt.Errorf("changes since %d: %w", since, err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var deleted int
		if err := rows.Scan(&c.Seq, &c.ID, &c.Rev, &deleted); err != nil {
			return nil, fmt.Errorf("changes since %d: %w", since, err)
		}
		c.Deleted = deleted != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changes since %d: %w", since, err)
	}

	return out, nil
}

// Checkpoint returns the persisted checkpoint value for key, or "" if none
// has been stored.
func (st *Store) Checkpoint(ctx context.Context, key string) (string, error) {
	if err := st.guard(); err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", key, err)
	}
	var value string
	err := st.conn.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return value, nil
}

// SetCheckpoint persists a checkpoint value for key.
func (st *Store) SetCheckpoint(ctx context.Context, key, value string) error {
	if err := st.guard(); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	_, err := st.conn.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	return nil
}

// lookupRow fetches a document row including tombstones.
func (st *Store) lookupRow(ctx context.Context, id string) (Document, bool, error) {
	var doc Document
	var body string
	var deleted int

	err := st.conn.QueryRowContext(ctx,
		"SELECT id, rev, body, deleted FROM documents WHERE id = ?", id).
		Scan(&doc.ID, &doc.Rev, &body, &deleted)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}

	doc.Body = json.RawMessage(body)
	doc.Deleted = deleted != 0
	return doc, true, nil
}

// docType returns the stored doc_type column for id, "" if absent.
func (st *Store) docType(ctx context.Context, id string) (string, error) {
	var t string
	err := st.conn.QueryRowContext(ctx, "SELECT doc_type FROM documents WHERE id = ?", id).Scan(&t)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return t, err
}

// writeDoc upserts a document row and appends to the commit log in one
// transaction, returning the new sequence number.
func (st *Store) writeDoc(ctx context.Context, id, rev string, body json.RawMessage, fields indexedFields) (int64, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO documents (id, rev, body, doc_type, completed, created_at, deleted)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(id) DO UPDATE SET
		rev = excluded.rev,
		body = excluded.body,
		doc_type = excluded.doc_type,
		completed = excluded.completed,
		created_at = excluded.created_at,
		deleted = 0
	`, id, rev, string(body), fields.Type, boolToInt(fields.Completed), fields.CreatedAt.UnixNano())
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO changes (doc_id, rev, deleted) VALUES (?, ?, 0)", id, rev)
	if err != nil {
		return 0, err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return seq, nil
}

// writeTombstone marks a document deleted and appends to the commit log.
func (st *Store) writeTombstone(ctx context.Context, id, rev string) (int64, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"UPDATE documents SET rev = ?, body = '{}', deleted = 1 WHERE id = ?", rev, id)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO changes (doc_id, rev, deleted) VALUES (?, ?, 1)", id, rev)
	if err != nil {
		return 0, err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return seq, nil
}

// writeReplicatedTombstone tombstones a document from a remote deletion,
// inserting the row if the document was never seen locally.
func (st *Store) writeReplicatedTombstone(ctx context.Context, id, rev, docType string) (int64, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO documents (id, rev, body, doc_type, completed, created_at, deleted)
	VALUES (?, ?, '{}', ?, 0, 0, 1)
	ON CONFLICT(id) DO UPDATE SET
		rev = excluded.rev,
		body = '{}',
		deleted = 1
	`, id, rev, docType)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO changes (doc_id, rev, deleted) VALUES (?, ?, 1)", id, rev)
	if err != nil {
		return 0, err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return seq, nil
}

// extractFields parses the indexed fields out of a document body.
func extractFields(body json.RawMessage) (indexedFields, error) {
	var fields indexedFields
	if len(body) == 0 {
		return fields, fmt.Errorf("document body must not be empty")
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return fields, fmt.Errorf("failed to parse document body: %w", err)
	}
	return fields, nil
}

// scanDocs scans document rows from query results.
func scanDocs(rows *sql.Rows) ([]Document, error) {
	var docs []Document

	for rows.Next() {
		var doc Document
		var body string
		var deleted int

		if err := rows.Scan(&doc.ID, &doc.Rev, &body, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}

		doc.Body = json.RawMessage(body)
		doc.Deleted = deleted != 0
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
