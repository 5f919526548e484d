package archive

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

type stored struct {
	meta    Report
	content []byte
}

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	reports map[string]*stored
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{reports: make(map[string]*stored), now: time.Now}
}

func (m *Memory) Put(_ context.Context, meta Report, content io.Reader) (*Report, error) {
	meta, data, err := prepare(meta, content, m.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.reports[meta.ID] = &stored{meta: meta, content: data}
	m.mu.Unlock()

	out := meta
	return &out, nil
}

func (m *Memory) Get(_ context.Context, id string) (io.ReadCloser, *Report, error) {
	m.mu.RLock()
	s, ok := m.reports[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := s.meta
	return io.NopCloser(bytes.NewReader(s.content)), &meta, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*Report, int, error) {
	m.mu.RLock()
	var matched []*Report
	for _, s := range m.reports {
		if f.matches(&s.meta) {
			meta := s.meta
			matched = append(matched, &meta)
		}
	}
	m.mu.RUnlock()
	return page(matched, f.Limit, f.Offset), len(matched), nil
}
