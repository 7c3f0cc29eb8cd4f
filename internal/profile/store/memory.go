package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"piivault/internal/keys/dek"
	"piivault/internal/profile/models"
	"piivault/pkg/domain"
	"piivault/pkg/platform/sentinel"
	"piivault/pkg/platform/tx"
)

type rowKey struct {
	tenant  domain.TenantID
	store   domain.ProfileStoreID
	profile domain.ProfileID
}

// VersionFunc reports a tenant's committed key version.
type VersionFunc func(tenantID domain.TenantID) int

// InMemoryStore keeps profile rows in memory for tests and development.
type InMemoryStore struct {
	mu      sync.RWMutex
	rows    map[rowKey]*models.Record
	version VersionFunc
	barrier *tx.Barrier
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithVersionGuard rejects writes sealed under a version older than the one
// version reports, holding barrier across the check and the write.
func WithVersionGuard(version VersionFunc, barrier *tx.Barrier) InMemoryOption {
	return func(s *InMemoryStore) {
		s.version = version
		s.barrier = barrier
	}
}

// NewInMemory constructs an empty profile store.
func NewInMemory(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{rows: make(map[rowKey]*models.Record)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func keyOf(scope models.Scope, id domain.ProfileID) rowKey {
	return rowKey{tenant: scope.TenantID, store: scope.StoreID, profile: id}
}

func (s *InMemoryStore) Create(_ context.Context, rec *models.Record) error {
	return s.guarded(rec, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := keyOf(rec.Scope(), rec.ProfileID)
		if _, ok := s.rows[k]; ok {
			return fmt.Errorf("profile exists: %w", sentinel.ErrAlreadyUsed)
		}
		s.rows[k] = rec.Clone()
		return nil
	})
}

func (s *InMemoryStore) Find(_ context.Context, scope models.Scope, id domain.ProfileID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[keyOf(scope, id)]
	if !ok {
		return nil, fmt.Errorf("profile not found: %w", sentinel.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) FindMany(_ context.Context, scope models.Scope, ids []domain.ProfileID) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.rows[keyOf(scope, id)]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, rec *models.Record) error {
	return s.guarded(rec, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		k := keyOf(rec.Scope(), rec.ProfileID)
		existing, ok := s.rows[k]
		if !ok {
			return fmt.Errorf("profile not found: %w", sentinel.ErrNotFound)
		}
		updated := rec.Clone()
		updated.CreatedAt = existing.CreatedAt
		s.rows[k] = updated
		return nil
	})
}

func (s *InMemoryStore) Delete(_ context.Context, scope models.Scope, id domain.ProfileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(scope, id)
	if _, ok := s.rows[k]; !ok {
		return fmt.Errorf("profile not found: %w", sentinel.ErrNotFound)
	}
	delete(s.rows, k)
	return nil
}

func (s *InMemoryStore) StaleRecords(_ context.Context, tenantID domain.TenantID, below int, after dek.Cursor, limit int) ([]dek.SealedRecord, error) {
	s.mu.RLock()
	var stale []*models.Record
	for _, rec := range s.rows {
		if rec.TenantID == tenantID && rec.KeyVersion < below && cursorAfter(rec, after) {
			stale = append(stale, rec)
		}
	}
	slices.SortFunc(stale, func(a, b *models.Record) int {
		return cmp.Or(cmp.Compare(a.StoreID, b.StoreID), cmp.Compare(a.ProfileID, b.ProfileID))
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	out := make([]dek.SealedRecord, 0, len(stale))
	for _, rec := range stale {
		out = append(out, rec.Clone().SealedRecord())
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *InMemoryStore) SaveResealed(_ context.Context, tenantID domain.TenantID, sealed dek.SealedRecord, fromVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[rowKey{tenant: tenantID, store: sealed.StoreID, profile: sealed.ProfileID}]
	if !ok || rec.KeyVersion != fromVersion {
		// Deleted or rewritten since it was read; nothing to re-encrypt.
		return nil
	}
	rec.Sealed = make(map[string][]byte, len(sealed.Fields))
	for name, ct := range sealed.Fields {
		if ct != nil {
			rec.Sealed[name] = ct
		}
	}
	rec.KeyVersion = sealed.KeyVersion
	return nil
}

func (s *InMemoryStore) CountStale(_ context.Context, tenantID domain.TenantID, below int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.rows {
		if rec.TenantID == tenantID && rec.KeyVersion < below {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) guarded(rec *models.Record, write func() error) error {
	if s.version == nil {
		return write()
	}
	check := func() error {
		if rec.KeyVersion < s.version(rec.TenantID) {
			return ErrStaleKeyVersion
		}
		return write()
	}
	if s.barrier == nil {
		return check()
	}
	return s.barrier.Shared(check)
}

func cursorAfter(rec *models.Record, c dek.Cursor) bool {
	if c.IsZero() {
		return true
	}
	if rec.StoreID != c.StoreID {
		return rec.StoreID > c.StoreID
	}
	return rec.ProfileID > c.ProfileID
}
