// Package archive keeps published situation reports. A published report is
// an immutable rendered document plus the parameters it was produced for.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("archived report not found")
	ErrTooLarge      = errors.New("report exceeds maximum archive size")
	ErrMissingPeriod = errors.New("report period is required")
)

// MaxReportSize bounds a single rendered report (20 MB).
const MaxReportSize = 20 * 1024 * 1024

// Report describes one archived document.
type Report struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	Period      string    `json:"period"`
	Year        int       `json:"year"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	PublishedAt time.Time `json:"published_at"`
	PublishedBy string    `json:"published_by,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Location string
	Year     int
	Limit    int
	Offset   int
}

// Store persists and retrieves archived reports.
type Store interface {
	Put(ctx context.Context, meta Report, content io.Reader) (*Report, error)
	Get(ctx context.Context, id string) (io.ReadCloser, *Report, error)
	List(ctx context.Context, f Filter) ([]*Report, int, error)
}

// prepare reads the body, stamps id, size, hash and time, and checks limits.
func prepare(meta Report, content io.Reader, now time.Time) (Report, []byte, error) {
	if strings.TrimSpace(meta.Period) == "" {
		return meta, nil, ErrMissingPeriod
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxReportSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("read report: %w", err)
	}
	if len(data) > MaxReportSize {
		return meta, nil, ErrTooLarge
	}
	sum := sha256.Sum256(data)

	meta.ID = uuid.NewString()
	meta.Size = int64(len(data))
	meta.Hash = hex.EncodeToString(sum[:])
	meta.PublishedAt = now.UTC()
	if meta.ContentType == "" {
		meta.ContentType = "text/html; charset=utf-8"
	}
	return meta, data, nil
}

func (f Filter) matches(r *Report) bool {
	if f.Location != "" && !strings.EqualFold(f.Location, r.Location) {
		return false
	}
	if f.Year != 0 && f.Year != r.Year {
		return false
	}
	return true
}

// page sorts newest first and slices out the requested window.
func page(items []*Report, limit, offset int) []*Report {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].PublishedAt.Equal(items[j].PublishedAt) {
			return items[i].PublishedAt.After(items[j].PublishedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit <= 0 {
		limit = 20
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
