package audit

import (
	"context"
	"sync"
)

// Memory is an in-process Logger.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemory returns an empty in-process logger.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	e = prepare(e)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return e, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := f.limit()
	out := make([]Entry, 0, min(limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.match(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
