package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/audit"
)

// IndexRef points at a single event's location in a daily JSONL file.
type IndexRef struct {
	File string
	Line int
}

// SQLiteIndex is a query-only side index over the audit trail's JSONL
// files: it never stores an event's own fields, only the (kind, action,
// actor, timestamp) tuple needed to answer Query filters plus a pointer
// back to the file and line holding the authoritative record. Losing the
// index file changes nothing about the trail's integrity — VerifyChain
// never reads it, and it can always be rebuilt by re-indexing the JSONL
// files from scratch.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (creating if needed) the SQLite database at path
// and ensures its schema exists.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn.

	const schema = `
CREATE TABLE IF NOT EXISTS audit_index (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	file      TEXT NOT NULL,
	line      INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	kind      TEXT NOT NULL,
	action    TEXT NOT NULL,
	actor     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_index_timestamp ON audit_index(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_index_kind ON audit_index(kind);
CREATE INDEX IF NOT EXISTS idx_audit_index_action ON audit_index(action);
CREATE INDEX IF NOT EXISTS idx_audit_index_actor ON audit_index(actor);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit index schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Add records one event's location. Indexing is best-effort: a failure
// here degrades Query back to a full JSONL scan, it never affects Append.
func (i *SQLiteIndex) Add(ev audit.Event, file string, line int) error {
	_, err := i.db.Exec(
		`INSERT INTO audit_index (file, line, timestamp, kind, action, actor) VALUES (?, ?, ?, ?, ?, ?)`,
		file, line, ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), string(ev.Kind), ev.Action, ev.Actor,
	)
	return err
}

// Query returns refs matching filter, most recent first, capped at limit.
func (i *SQLiteIndex) Query(filter audit.Filter, limit int) ([]IndexRef, error) {
	q := `SELECT file, line FROM audit_index WHERE 1=1`
	var args []interface{}

	if filter.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Action != "" {
		q += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		q += ` AND actor = ?`
		args = append(args, filter.Actor)
	}
	if !filter.Start.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, filter.Start.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
	}
	if !filter.End.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, filter.End.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := i.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []IndexRef
	for rows.Next() {
		var r IndexRef
		if err := rows.Scan(&r.File, &r.Line); err != nil {
			return nil, fmt.Errorf("scan audit index row: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// Close closes the underlying database handle.
func (i *SQLiteIndex) Close() error {
	return i.db.Close()
}
