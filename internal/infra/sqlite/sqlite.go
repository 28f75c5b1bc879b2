package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fetchq/internal/domain"
	"fetchq/internal/ports"

	"github.com/gabriel-vasile/mimetype"
	_ "modernc.org/sqlite"
)

var _ ports.Catalogue = (*Catalogue)(nil)

// Catalogue keeps one row per finished download in a SQLite database.
type Catalogue struct {
	db *sql.DB
	// SQLite allows a single writer
	mu sync.Mutex
}

// Open initialises downloads.db inside dataDir.
func Open(dataDir string) (*Catalogue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "downloads.db"))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// best effort, not every filesystem supports WAL
	_, _ = db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`)

	c := &Catalogue{db: db}
	if err := c.initTable(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalogue) Close() error { return c.db.Close() }

func (c *Catalogue) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS downloads (
		ref TEXT PRIMARY KEY,
		task_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		path TEXT,
		status TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		content_type TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		finished_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	`
	_, err := c.db.Exec(query)
	return err
}

// Save upserts the row for info. Successful downloads get their content type
// sniffed from the committed file.
func (c *Catalogue) Save(ctx context.Context, info domain.TaskInfo) error {
	rec := domain.NewRecord(info)
	if rec.Status == domain.StatusSuccess && rec.Path != "" {
		if mt, err := mimetype.DetectFile(rec.Path); err == nil {
			rec.ContentType = mt.String()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	query := `
	INSERT INTO downloads (ref, task_id, url, path, status, size, content_type, attempts, error, finished_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(ref) DO UPDATE SET
		task_id = excluded.task_id,
		url = excluded.url,
		path = excluded.path,
		status = excluded.status,
		size = excluded.size,
		content_type = excluded.content_type,
		attempts = excluded.attempts,
		error = excluded.error,
		finished_ms = excluded.finished_ms`
	_, err := c.db.ExecContext(ctx, query,
		rec.Ref, int64(rec.TaskID), rec.URL, rec.Path, string(rec.Status), rec.Size,
		rec.ContentType, rec.Attempts, rec.Error, rec.FinishedAt.UnixMilli())
	return err
}

// Get returns the row for ref, or nil if there is none.
func (c *Catalogue) Get(ctx context.Context, ref string) (*domain.Record, error) {
	query := `SELECT ref, task_id, url, path, status, size, content_type, attempts, error, finished_ms FROM downloads WHERE ref = ?`
	rec, err := scanRecord(c.db.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns the most recently finished rows, optionally filtered by status.
func (c *Catalogue) List(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ref, task_id, url, path, status, size, content_type, attempts, error, finished_ms
		FROM downloads WHERE (? = '' OR status = ?) ORDER BY finished_ms DESC, task_id DESC LIMIT ?`
	rows, err := c.db.QueryContext(ctx, query, string(status), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var (
		rec              domain.Record
		taskID, finished int64
		status           string
		path, ctype, msg sql.NullString
	)
	if err := s.Scan(&rec.Ref, &taskID, &rec.URL, &path, &status, &rec.Size, &ctype, &rec.Attempts, &msg, &finished); err != nil {
		return nil, err
	}
	rec.TaskID = uint64(taskID)
	rec.Status = domain.TaskStatus(status)
	rec.Path = path.String
	rec.ContentType = ctype.String
	rec.Error = msg.String
	if finished > 0 {
		rec.FinishedAt = time.UnixMilli(finished)
	}
	return &rec, nil
}
