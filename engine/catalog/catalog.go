// Package catalog keeps the authoritative list of media items in SQLite. It
// is the source for reindexing and for query-by-example lookups.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/repo"
)

const schema = `
CREATE TABLE IF NOT EXISTS media_items (
	id         TEXT PRIMARY KEY,
	ref        TEXT NOT NULL,
	building   TEXT NOT NULL,
	shot_date  TEXT NOT NULL,
	notes      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_items_order ON media_items(created_at, id);
`

// Catalog is a SQLite-backed item repository.
type Catalog struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ repo.Repository[domain.MediaItem, string] = (*Catalog)(nil)
	_ repo.Lister[domain.MediaItem]             = (*Catalog)(nil)
)

// Open opens (creating if needed) the catalog database at path. ":memory:"
// gives a private in-memory database.
func Open(ctx context.Context, path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.Configuration("catalog.path", "path is required")
	}
	memory := path == ":memory:"
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.Configuration("catalog.path", "open %s: %v", path, err)
	}
	if memory {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(2 * time.Hour)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, domain.Configuration("catalog.path", "create schema in %s: %v", path, err)
	}
	return &Catalog{db: db, now: time.Now}, nil
}

// Close releases the database.
func (c *Catalog) Close() error { return c.db.Close() }

// Create stores item, assigning an id and creation time when missing. An
// existing id is updated in place and keeps its original creation time.
func (c *Catalog) Create(ctx context.Context, item domain.MediaItem) (domain.MediaItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = c.now()
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.Building = strings.TrimSpace(item.Building)
	if err := domain.ValidateItem(item); err != nil {
		return domain.MediaItem{}, err
	}

	const q = `
INSERT INTO media_items (id, ref, building, shot_date, notes, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	ref = excluded.ref,
	building = excluded.building,
	shot_date = excluded.shot_date,
	notes = excluded.notes
RETURNING created_at`
	var created int64
	err := c.db.QueryRowContext(ctx, q,
		item.ID, item.Ref, item.Building, item.ShotDateString(), item.Notes, item.CreatedAt.UnixNano(),
	).Scan(&created)
	if err != nil {
		return domain.MediaItem{}, fmt.Errorf("catalog create %s: %w", item.ID, err)
	}
	item.CreatedAt = time.Unix(0, created).UTC()
	return item, nil
}

// Get returns one item or a NotFound error.
func (c *Catalog) Get(ctx context.Context, id string) (domain.MediaItem, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, ref, building, shot_date, notes, created_at FROM media_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MediaItem{}, domain.NotFound("get", "catalog", id)
	}
	if err != nil {
		return domain.MediaItem{}, fmt.Errorf("catalog get %s: %w", id, err)
	}
	return item, nil
}

// Delete removes an item. Deleting a missing id is not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM media_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("catalog delete %s: %w", id, err)
	}
	return nil
}

// Count returns the number of items.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog count: %w", err)
	}
	return n, nil
}

// ListAfter returns up to limit items strictly after the cursor in
// (created_at, id) order.
func (c *Catalog) ListAfter(ctx context.Context, after repo.Cursor, limit int) ([]domain.MediaItem, error) {
	if limit <= 0 {
		return nil, domain.NewValidationError("limit", fmt.Sprint(limit), domain.ErrInvalidInput)
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = c.db.QueryContext(ctx, `
SELECT id, ref, building, shot_date, notes, created_at FROM media_items
ORDER BY created_at, id LIMIT ?`, limit)
	} else {
		ts := after.CreatedAt.UnixNano()
		rows, err = c.db.QueryContext(ctx, `
SELECT id, ref, building, shot_date, notes, created_at FROM media_items
WHERE created_at > ? OR (created_at = ? AND id > ?)
ORDER BY created_at, id LIMIT ?`, ts, ts, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog list: %w", err)
	}
	defer rows.Close()

	items := make([]domain.MediaItem, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog list: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CursorOf returns the position of item in list order.
func CursorOf(item domain.MediaItem) repo.Cursor {
	return repo.Cursor{CreatedAt: item.CreatedAt, ID: item.ID}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (domain.MediaItem, error) {
	var (
		item    domain.MediaItem
		shot    string
		created int64
	)
	if err := s.Scan(&item.ID, &item.Ref, &item.Building, &shot, &item.Notes, &created); err != nil {
		return domain.MediaItem{}, err
	}
	t, err := domain.ParseDate(shot)
	if err != nil {
		return domain.MediaItem{}, fmt.Errorf("item %s: stored shot_date %q: %w", item.ID, shot, err)
	}
	item.ShotDate = t
	item.CreatedAt = time.Unix(0, created).UTC()
	return item, nil
}
