// Package journal records observed change events in a WAL-mode SQLite
// database so recent activity can be inspected after the fact.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the status server
// can read recent entries while the watch session appends new ones.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/dirwatch/internal/watcher"
)

// Journal is a SQLite-backed event log. It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	count atomic.Int64
}

// Entry is one recorded change event.
type Entry struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	Name       string    `json:"name"`
	ObservedAt time.Time `json:"observed_at"`
}

// Open opens (or creates) the database at path, enables WAL journal mode,
// and applies the schema. ":memory:" gives a throwaway in-memory journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single connection serialises
	// appends and keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM change_events`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count rows: %w", err)
	}
	j.count.Store(count)

	return j, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS change_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    action      TEXT    NOT NULL,
    name        TEXT    NOT NULL,
    observed_at TEXT    NOT NULL
);
`

// Append records ev as observed at t. Events with an undefined action are
// rejected so every stored row parses back.
func (j *Journal) Append(ctx context.Context, ev watcher.ChangeEvent, t time.Time) error {
	if !ev.Action.Valid() {
		return fmt.Errorf("journal: append: invalid action %d", uint8(ev.Action))
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO change_events (action, name, observed_at) VALUES (?, ?, ?)`,
		ev.Action.String(),
		ev.Name,
		t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	j.count.Add(1)
	return nil
}

// Recent returns up to n entries, newest first. n <= 0 returns nil. A row
// whose action is not a known action name is reported as an error.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, action, name, observed_at
		 FROM   change_events
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Name, &ts); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		if _, err := watcher.ParseActionKind(e.Action); err != nil {
			return nil, fmt.Errorf("journal: row %d: %w", e.ID, err)
		}
		e.ObservedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			e.ObservedAt, _ = time.Parse(time.RFC3339, ts)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return entries, nil
}

// Count returns the number of recorded entries without touching the
// database.
func (j *Journal) Count() int {
	return int(j.count.Load())
}

// Close closes the database. The journal must not be used afterwards.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Handler returns a watcher.Handler that appends every event, stamped with
// the current time. Append failures are logged and otherwise ignored so a
// full disk never stalls the watch session.
func (j *Journal) Handler(ctx context.Context, logger *slog.Logger) watcher.Handler {
	return func(ev watcher.ChangeEvent) {
		if err := j.Append(ctx, ev, time.Now()); err != nil {
			logger.Warn("journal: dropping event",
				slog.String("action", ev.Action.String()),
				slog.String("name", ev.Name),
				slog.Any("error", err),
			)
		}
	}
}
