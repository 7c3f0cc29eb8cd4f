package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"piivault/internal/keys/dek"
	"piivault/pkg/domain"
	"piivault/pkg/platform/sentinel"
)

// InMemoryKeyStore keeps tenant keys in memory for tests and development.
type InMemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[domain.TenantID]*dek.TenantDataKey
}

// NewInMemoryKeyStore constructs an empty key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{keys: make(map[domain.TenantID]*dek.TenantDataKey)}
}

func (s *InMemoryKeyStore) Find(_ context.Context, tenantID domain.TenantID) (*dek.TenantDataKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant key not found: %w", sentinel.ErrNotFound)
	}
	return cloneKey(key), nil
}

func (s *InMemoryKeyStore) Create(_ context.Context, key *dek.TenantDataKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.TenantID]; ok {
		return fmt.Errorf("tenant key exists: %w", sentinel.ErrAlreadyUsed)
	}
	s.keys[key.TenantID] = cloneKey(key)
	return nil
}

// LockForUpdate is Find; the in-memory store has no transactions.
func (s *InMemoryKeyStore) LockForUpdate(ctx context.Context, tenantID domain.TenantID) (*dek.TenantDataKey, error) {
	return s.Find(ctx, tenantID)
}

func (s *InMemoryKeyStore) Advance(_ context.Context, tenantID domain.TenantID, fromVersion int, wrapped []byte, toVersion int, rotatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[tenantID]
	if !ok {
		return fmt.Errorf("tenant key not found: %w", sentinel.ErrNotFound)
	}
	if key.Version != fromVersion {
		return fmt.Errorf("tenant key at version %d, expected %d: %w", key.Version, fromVersion, sentinel.ErrConflict)
	}
	key.WrappedKey = append([]byte(nil), wrapped...)
	key.Version = toVersion
	key.RotatedAt = &rotatedAt
	return nil
}

// CurrentVersion reports the tenant's key version, or 0 before the first
// write. Profile stores use it to refuse writes under a superseded key.
func (s *InMemoryKeyStore) CurrentVersion(tenantID domain.TenantID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[tenantID]; ok {
		return key.Version
	}
	return 0
}

func cloneKey(k *dek.TenantDataKey) *dek.TenantDataKey {
	out := *k
	out.WrappedKey = append([]byte(nil), k.WrappedKey...)
	if k.RotatedAt != nil {
		t := *k.RotatedAt
		out.RotatedAt = &t
	}
	return &out
}

// InMemoryRotationStore keeps rotation checkpoints in memory.
type InMemoryRotationStore struct {
	mu        sync.Mutex
	rotations map[domain.TenantID][]*dek.KeyRotation
}

// NewInMemoryRotationStore constructs an empty rotation store.
func NewInMemoryRotationStore() *InMemoryRotationStore {
	return &InMemoryRotationStore{rotations: make(map[domain.TenantID][]*dek.KeyRotation)}
}

func (s *InMemoryRotationStore) FindRunning(_ context.Context, tenantID domain.TenantID) (*dek.KeyRotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.running(tenantID); r != nil {
		return cloneRotation(r), nil
	}
	return nil, fmt.Errorf("no running rotation: %w", sentinel.ErrNotFound)
}

func (s *InMemoryRotationStore) Create(_ context.Context, rotation *dek.KeyRotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running(rotation.TenantID) != nil {
		return fmt.Errorf("rotation already running: %w", sentinel.ErrAlreadyUsed)
	}
	s.rotations[rotation.TenantID] = append(s.rotations[rotation.TenantID], cloneRotation(rotation))
	return nil
}

func (s *InMemoryRotationStore) SaveProgress(_ context.Context, tenantID domain.TenantID, toVersion int, cursor dek.Cursor, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.running(tenantID)
	if r == nil || r.ToVersion != toVersion {
		return fmt.Errorf("no running rotation to version %d: %w", toVersion, sentinel.ErrNotFound)
	}
	r.Cursor = cursor
	r.Processed = processed
	return nil
}

func (s *InMemoryRotationStore) Complete(_ context.Context, tenantID domain.TenantID, toVersion int, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.running(tenantID)
	if r == nil || r.ToVersion != toVersion {
		return fmt.Errorf("no running rotation to version %d: %w", toVersion, sentinel.ErrNotFound)
	}
	r.Status = dek.RotationCompleted
	r.CompletedAt = &completedAt
	r.WrappedKey = nil
	return nil
}

// History returns every checkpoint recorded for the tenant, oldest first.
func (s *InMemoryRotationStore) History(tenantID domain.TenantID) []*dek.KeyRotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*dek.KeyRotation, 0, len(s.rotations[tenantID]))
	for _, r := range s.rotations[tenantID] {
		out = append(out, cloneRotation(r))
	}
	return out
}

func (s *InMemoryRotationStore) running(tenantID domain.TenantID) *dek.KeyRotation {
	for _, r := range s.rotations[tenantID] {
		if r.Status == dek.RotationRunning {
			return r
		}
	}
	return nil
}

func cloneRotation(r *dek.KeyRotation) *dek.KeyRotation {
	out := *r
	out.WrappedKey = append([]byte(nil), r.WrappedKey...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
