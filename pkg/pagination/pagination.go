package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// ErrFilterMismatch is returned when a cursor is replayed with a different
// status filter than the page that issued it.
var ErrFilterMismatch = errors.New("cursor was issued for a different filter")

// Params are the list inputs taken from the query string.
type Params struct {
	Limit  int
	Cursor string
	// Status optionally narrows the list to one canonical status.
	Status string
}

// Cursor is the keyset position of the last row on a page, ordered by
// created_at then id, both descending. Filter pins the status filter the
// cursor was issued under.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
	Filter    string
}

func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Trim cuts a page fetched with limit+1 rows. It reports whether another
// page exists and returns the row the next cursor should point at.
func Trim[T any](rows []T, limit int) (page []T, last *T, more bool) {
	limit = NormalizeLimit(limit)
	if len(rows) <= limit {
		return rows, nil, false
	}
	return rows[:limit], &rows[limit-1], true
}

// EncodeCursor renders a URL-safe cursor for next_cursor.
func EncodeCursor(cursor Cursor) string {
	payload := strings.Join([]string{
		cursor.CreatedAt.UTC().Format(time.RFC3339Nano),
		cursor.ID.String(),
		cursor.Filter,
	}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// ParseCursor decodes a cursor and checks it against the current filter.
// An empty value means the first page.
func ParseCursor(value, filter string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(decoded), "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor id: %w", err)
	}
	if parts[2] != filter {
		return nil, ErrFilterMismatch
	}
	return &Cursor{CreatedAt: t, ID: id, Filter: parts[2]}, nil
}
