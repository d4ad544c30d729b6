// Package catalog implements the session catalog the gateway's control
// channel consults to list/rename/delete persisted sessions. It is
// sqlite-backed: WAL journal mode, a busy timeout, retry-on-conflict
// around writes, and a single sessions table keyed by rollout path.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/shared"
)

// Entry is one catalog row: a persisted session addressable by
// ConversationId (once active) and backed by an on-disk rollout file.
type Entry struct {
	ID          ids.ConversationId
	RolloutPath string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ErrNotFound is returned by Rename/Delete when no row matches the id.
var ErrNotFound = fmt.Errorf("catalog: session not found")

// Catalog is the sqlite-backed session catalog. The gateway treats it as
// read-only except for the rename/delete control-channel operations it
// exposes itself.
type Catalog struct {
	db *sql.DB
}

// Open creates or attaches to the catalog database at dbPath: WAL
// journal mode, a 5s busy timeout, and a bounded
// connection pool since sqlite only tolerates one writer at a time.
func Open(dbPath string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("catalog: ping database: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		return nil, fmt.Errorf("catalog: initialize schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		rollout_path TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Upsert records (or refreshes) a catalog row for a conversation backed
// by rolloutPath. Called when a conversation is created or resumed.
func (c *Catalog) Upsert(ctx context.Context, id ids.ConversationId, rolloutPath, title string) error {
	return c.withRetry(func() error {
		now := time.Now().Unix()
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO sessions (id, rollout_path, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(rollout_path) DO UPDATE SET
				id = excluded.id,
				title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sessions.title END,
				updated_at = excluded.updated_at
		`, string(id), rolloutPath, title, now, now)
		return err
	})
}

// List returns every catalog entry, most recently updated first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, rollout_path, title, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var id string
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &e.RolloutPath, &e.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		e.ID = ids.ConversationId(id)
		e.CreatedAt = time.Unix(createdAt, 0)
		e.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rename updates a session's display title.
func (c *Catalog) Rename(ctx context.Context, id ids.ConversationId, title string) error {
	title = sanitizeTitle(title)
	return c.withRetry(func() error {
		res, err := c.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
			title, time.Now().Unix(), string(id))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Delete removes a session's catalog entry. It does not remove the
// underlying rollout file: rollout persistence is owned by the engine.
func (c *Catalog) Delete(ctx context.Context, id ids.ConversationId) error {
	return c.withRetry(func() error {
		res, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, string(id))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// withRetry retries a write a few times on SQLITE_BUSY/"database is
// locked" with exponential backoff.
func (c *Catalog) withRetry(fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<i))
		}
	}
	return err
}

// sanitizeTitle trims a user-supplied title to a reasonable display length.
func sanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if len(title) > 200 {
		title = title[:200]
	}
	return title
}
