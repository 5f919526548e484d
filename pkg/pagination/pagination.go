// Package pagination reads limit/offset query parameters and wraps list
// responses.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext never fails: missing or malformed values fall back to the
// defaults and limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// Page is one slice of a listing. Items is never null in JSON.
type Page[T any] struct {
	Items      []T  `json:"items"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewPage[T any](items []T, total int, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	page := Page[T]{Items: items, Total: total, Limit: p.Limit, Offset: p.Offset}
	if next := p.Offset + len(items); next < total {
		page.NextOffset = &next
	}
	return page
}
