// Package storage is the relational backend for demo-token counters and
// session logs.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/taskpilot/internal/budget"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_usage (
	session_id       TEXT PRIMARY KEY,
	tokens_used      INTEGER NOT NULL,
	tokens_remaining INTEGER NOT NULL,
	reset_at         INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	query      TEXT NOT NULL,
	response   TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS session_logs_session ON session_logs (session_id, id);
`

// DB implements budget.Store and the session log on SQLite.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

var _ budget.Store = (*DB)(nil)

// Open opens (and migrates) the database at dsn, e.g. "file:taskpilot.db"
// or ":memory:".
func Open(ctx context.Context, dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: empty dsn")
	}
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps read-modify-write transactions serialised
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) Load(ctx context.Context, sessionID string) (budget.Record, bool, error) {
	return loadRecord(ctx, d.db, sessionID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRecord(ctx context.Context, q queryer, sessionID string) (budget.Record, bool, error) {
	var (
		rec     = budget.Record{SessionID: sessionID}
		resetAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT tokens_used, tokens_remaining, reset_at FROM token_usage WHERE session_id = ?`,
		sessionID,
	).Scan(&rec.TokensUsed, &rec.TokensRemaining, &resetAt)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("load token usage: %w", err)
	}
	rec.ResetAt = time.UnixMilli(resetAt).UTC()
	return rec, true, nil
}

// Update runs fn inside one transaction.
func (d *DB) Update(ctx context.Context, sessionID string, fn func(rec *budget.Record, found bool) error) (budget.Record, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return budget.Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rec, found, err := loadRecord(ctx, tx, sessionID)
	if err != nil {
		return rec, err
	}
	if err := fn(&rec, found); err != nil {
		return rec, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_usage (session_id, tokens_used, tokens_remaining, reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			tokens_used = excluded.tokens_used,
			tokens_remaining = excluded.tokens_remaining,
			reset_at = excluded.reset_at,
			updated_at = excluded.updated_at`,
		sessionID, rec.TokensUsed, rec.TokensRemaining, rec.ResetAt.UnixMilli(), d.now().UnixMilli(),
	)
	if err != nil {
		return rec, fmt.Errorf("save token usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (d *DB) Delete(ctx context.Context, sessionID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM token_usage WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete token usage: %w", err)
	}
	return nil
}

type LogEntry struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Query     string         `json:"query"`
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Save appends one query/response pair to the session log.
func (d *DB) Save(ctx context.Context, sessionID, query, response string, metadata map[string]any) error {
	meta := []byte("{}")
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		meta = b
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO session_logs (session_id, query, response, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, query, response, string(meta), d.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session log: %w", err)
	}
	return nil
}

// Logs returns the latest entries for a session in insertion order.
func (d *DB) Logs(ctx context.Context, sessionID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, session_id, query, response, metadata, created_at FROM (
			SELECT * FROM session_logs WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session logs: %w", err)
	}
	defer rows.Close()

	out := make([]LogEntry, 0, min(limit, 100))
	for rows.Next() {
		var (
			e       LogEntry
			meta    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Query, &e.Response, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
