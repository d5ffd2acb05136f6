// Package catalog keeps an sqlite index of finalized recordings.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT    NOT NULL,
	remote_addr TEXT    NOT NULL,
	path        TEXT    NOT NULL,
	container   TEXT    NOT NULL,
	frames      INTEGER NOT NULL,
	bytes       INTEGER NOT NULL,
	width       INTEGER NOT NULL,
	height      INTEGER NOT NULL,
	fps         INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS recordings_session ON recordings(session_id);
`

// Entry is one finalized recording.
type Entry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr"`
	Path       string    `json:"path"`
	Container  string    `json:"container"`
	Frames     int       `json:"frames"`
	Bytes      uint64    `json:"bytes"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	FPS        int       `json:"fps"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Catalog is an sqlite-backed recordings index.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Add inserts e.
func (c *Catalog) Add(ctx context.Context, e Entry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO recordings
			(session_id, remote_addr, path, container, frames, bytes, width, height, fps, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.RemoteAddr, e.Path, e.Container, e.Frames, int64(e.Bytes),
		e.Width, e.Height, e.FPS, e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}
	return nil
}

// List returns the most recent entries first. limit <= 0 returns all.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT id, session_id, remote_addr, path, container, frames, bytes, width, height, fps, started_at, finished_at
		FROM recordings ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			bytes             int64
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RemoteAddr, &e.Path, &e.Container,
			&e.Frames, &bytes, &e.Width, &e.Height, &e.FPS, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		e.Bytes = uint64(bytes)
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
