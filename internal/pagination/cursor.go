// Package pagination provides keyset pagination over (createdAt, id) ordered
// listings.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor marks the last row of the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Params is a parsed page request.
type Params struct {
	Limit  int
	Cursor *Cursor
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// FromQuery reads ?limit= and ?cursor= from the request. Limits outside
// (0, MaxLimit] fall back to DefaultLimit or MaxLimit.
func FromQuery(c *gin.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			p.Limit = min(n, MaxLimit)
		}
	}
	cur, err := Decode(c.Query("cursor"))
	if err != nil {
		return p, err
	}
	p.Cursor = cur
	return p, nil
}

// After reports whether a row keyed (createdAt, id) sorts after the cursor in
// newest-first order, i.e. belongs on the next page.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// ComputePage takes items fetched with limit+1 and returns the trimmed page
// plus the cursor for the next one ("" when there is none).
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id)
}
