package memory

import (
	"context"
	"slices"
	"sync"

	audit "piivault/pkg/platform/audit"
)

// InMemoryStore keeps audit entries in memory for tests and development.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.FieldsAccessed = slices.Clone(entry.FieldsAccessed)
	s.entries = append(s.entries, entry)
	return nil
}

// List returns matching entries newest first. Entries with equal timestamps
// keep reverse insertion order.
func (s *InMemoryStore) List(_ context.Context, filter audit.Filter) (*audit.Page, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if matches(s.entries[i], filter) {
			matched = append(matched, s.entries[i])
		}
	}
	slices.SortStableFunc(matched, func(a, b audit.Entry) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})

	page := &audit.Page{Total: len(matched), Limit: filter.Limit, Offset: filter.Offset, Entries: []audit.Entry{}}
	if filter.Offset < len(matched) {
		end := min(filter.Offset+filter.Limit, len(matched))
		page.Entries = matched[filter.Offset:end]
	}
	return page, nil
}

// All returns every entry in insertion order.
func (s *InMemoryStore) All() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

func matches(e audit.Entry, f audit.Filter) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.ProfileID != "" && e.ProfileID != f.ProfileID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}
