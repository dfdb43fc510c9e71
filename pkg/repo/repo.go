// Package repo defines the storage contracts for cataloged entities and the
// keyset cursor used to page through them.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Repository is a generic keyed store.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	Create(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
	Count(ctx context.Context) (int, error)
}

// Lister pages through entities in (created_at, id) order.
type Lister[T any] interface {
	ListAfter(ctx context.Context, after Cursor, limit int) ([]T, error)
}

// Cursor is a position in (created_at, id) order. The zero Cursor sorts
// before everything.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether c is the start position.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.ID == "" }

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// String encodes c as "<unix nanos>/<id>".
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "/" + c.ID
}

var ErrBadCursor = errors.New("malformed cursor")

// ParseCursor decodes the String form. The empty string is the zero Cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	nanos, id, ok := strings.Cut(s, "/")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: %q", ErrBadCursor, s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", ErrBadCursor, s)
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
