// Package dek manages per-tenant data encryption keys: lazy provisioning,
// a TTL cache of unwrapped keys, and serialized, resumable rotation.
package dek

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"piivault/internal/crypto/envelope"
	"piivault/internal/keys/metrics"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	"piivault/pkg/platform/sentinel"
	"piivault/pkg/requestcontext"
)

const (
	// DefaultBatchSize is how many profile rows rotation re-encrypts per
	// checkpoint.
	DefaultBatchSize = 100
	// DefaultLockTTL bounds how long a crashed rotation blocks the next one.
	DefaultLockTTL = 15 * time.Minute
)

var tracer = otel.Tracer("piivault/internal/keys/dek")

// Wrapper seals DEKs under the master key.
type Wrapper interface {
	Wrap(dek []byte) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
}

// KeyStore persists TenantDataKey rows. Create returns sentinel.ErrAlreadyUsed
// when the tenant already has a row.
type KeyStore interface {
	Find(ctx context.Context, tenantID domain.TenantID) (*TenantDataKey, error)
	Create(ctx context.Context, key *TenantDataKey) error
	// LockForUpdate loads the row and, inside a transaction, blocks writers
	// that guard on the key version until the transaction ends.
	LockForUpdate(ctx context.Context, tenantID domain.TenantID) (*TenantDataKey, error)
	// Advance replaces the wrapped key if the stored version still equals
	// fromVersion; otherwise it returns sentinel.ErrConflict.
	Advance(ctx context.Context, tenantID domain.TenantID, fromVersion int, wrapped []byte, toVersion int, rotatedAt time.Time) error
}

// RotationStore persists rotation checkpoints.
type RotationStore interface {
	FindRunning(ctx context.Context, tenantID domain.TenantID) (*KeyRotation, error)
	Create(ctx context.Context, rotation *KeyRotation) error
	SaveProgress(ctx context.Context, tenantID domain.TenantID, toVersion int, cursor Cursor, processed int) error
	Complete(ctx context.Context, tenantID domain.TenantID, toVersion int, completedAt time.Time) error
}

// RecordStore exposes profile rows to rotation without the key manager
// knowing the profile schema.
type RecordStore interface {
	// StaleRecords returns up to limit rows sealed under a version below
	// `below`, ordered by cursor and strictly after `after`.
	StaleRecords(ctx context.Context, tenantID domain.TenantID, below int, after Cursor, limit int) ([]SealedRecord, error)
	// SaveResealed stores re-encrypted fields if the row is still sealed under
	// fromVersion. A row changed concurrently is left alone.
	SaveResealed(ctx context.Context, tenantID domain.TenantID, rec SealedRecord, fromVersion int) error
	CountStale(ctx context.Context, tenantID domain.TenantID, below int) (int, error)
}

// Locker serializes rotations per tenant. Acquire returns sentinel.ErrConflict
// when another holder owns key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Transactor runs fn atomically across the key and record stores.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Manager issues, caches and rotates tenant DEKs.
type Manager struct {
	wrapper   Wrapper
	keys      KeyStore
	rotations RotationStore
	records   RecordStore
	cache     Cache
	locker    Locker
	tx        Transactor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	batchSize int
	lockTTL   time.Duration
	group     singleflight.Group
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithCache(c Cache) Option {
	return func(m *Manager) {
		if c != nil {
			m.cache = c
		}
	}
}

func WithLocker(l Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

func WithTransactor(t Transactor) Option {
	return func(m *Manager) {
		if t != nil {
			m.tx = t
		}
	}
}

func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// New constructs a Manager. Without options it uses an in-process cache,
// an in-process lock and no transaction boundary.
func New(wrapper Wrapper, keys KeyStore, rotations RotationStore, records RecordStore, opts ...Option) *Manager {
	m := &Manager{
		wrapper:   wrapper,
		keys:      keys,
		rotations: rotations,
		records:   records,
		cache:     NewLRUCache(DefaultCacheSize, DefaultCacheTTL),
		locker:    newProcessLocker(),
		tx:        noTx{},
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
		lockTTL:   DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActiveKey returns the key new ciphertexts for the tenant must be sealed
// under, provisioning a version-1 key on first use.
func (m *Manager) ActiveKey(ctx context.Context, tenantID domain.TenantID) (Key, error) {
	entry, err := m.entry(ctx, tenantID)
	if err != nil {
		return Key{}, err
	}
	return entry.WriteKey(), nil
}

// KeyForVersion returns the key a row sealed under version decrypts with.
// A miss on a cached entry reloads once, since another instance may have
// rotated the tenant since the entry was cached.
func (m *Manager) KeyForVersion(ctx context.Context, tenantID domain.TenantID, version int) (Key, error) {
	entry, err := m.entry(ctx, tenantID)
	if err != nil {
		return Key{}, err
	}
	if key, ok := entry.ForVersion(version); ok {
		return key, nil
	}

	m.cache.Delete(tenantID)
	entry, err = m.entry(ctx, tenantID)
	if err != nil {
		return Key{}, err
	}
	if key, ok := entry.ForVersion(version); ok {
		return key, nil
	}
	m.logger.ErrorContext(ctx, "no tenant key for stored key version",
		"tenant_id", tenantID,
		"key_version", version,
		"active_version", entry.Active.Version,
	)
	return Key{}, dErrors.New(dErrors.CodeIntegrity, "no key for stored key version")
}

// Invalidate evicts the tenant's cached keys.
func (m *Manager) Invalidate(tenantID domain.TenantID) {
	m.cache.Delete(tenantID)
}

// Describe returns the tenant's key metadata without unwrapping it.
func (m *Manager) Describe(ctx context.Context, tenantID domain.TenantID) (*TenantDataKey, error) {
	row, err := m.keys.Find(ctx, tenantID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "tenant key not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant key")
	}
	return &TenantDataKey{
		TenantID:  row.TenantID,
		Version:   row.Version,
		Algorithm: row.Algorithm,
		RotatedAt: row.RotatedAt,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (m *Manager) entry(ctx context.Context, tenantID domain.TenantID) (*Entry, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant ID required")
	}
	if entry, ok := m.cache.Get(tenantID); ok {
		m.metrics.IncCacheHit()
		return entry, nil
	}
	m.metrics.IncCacheMiss()

	v, err, _ := m.group.Do(string(tenantID), func() (any, error) {
		return m.load(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (m *Manager) load(ctx context.Context, tenantID domain.TenantID) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "dek.load")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", string(tenantID)))

	row, err := m.keys.Find(ctx, tenantID)
	if errors.Is(err, sentinel.ErrNotFound) {
		row, err = m.provision(ctx, tenantID)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant key")
	}

	raw, err := m.wrapper.Unwrap(row.WrappedKey)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to unwrap tenant key",
			"tenant_id", tenantID,
			"key_version", row.Version,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeIntegrity, "failed to unwrap tenant key")
	}
	entry := &Entry{Active: Key{Version: row.Version, Raw: raw}}

	rotation, err := m.rotations.FindRunning(ctx, tenantID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load key rotation")
	case rotation.FromVersion == row.Version:
		pendingRaw, err := m.wrapper.Unwrap(rotation.WrappedKey)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeIntegrity, "failed to unwrap pending tenant key")
		}
		entry.Pending = &Key{Version: rotation.ToVersion, Raw: pendingRaw}
	}

	m.cache.Set(tenantID, entry)
	return entry, nil
}

// provision creates the tenant's first key. Losing a race against another
// writer is a cache miss: the winner's row is loaded instead.
func (m *Manager) provision(ctx context.Context, tenantID domain.TenantID) (*TenantDataKey, error) {
	raw, err := envelope.NewKey()
	if err != nil {
		return nil, err
	}
	defer envelope.Zero(raw)

	wrapped, err := m.wrapper.Wrap(raw)
	if err != nil {
		return nil, fmt.Errorf("wrap new tenant key: %w", err)
	}
	row := &TenantDataKey{
		TenantID:   tenantID,
		WrappedKey: wrapped,
		Version:    1,
		Algorithm:  AlgorithmAES256GCM,
		CreatedAt:  requestcontext.Now(ctx),
	}
	if err := m.keys.Create(ctx, row); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			m.metrics.IncProvisionRace()
			return m.keys.Find(ctx, tenantID)
		}
		return nil, fmt.Errorf("create tenant key: %w", err)
	}
	m.metrics.IncProvisioned()
	m.logger.InfoContext(ctx, "tenant key provisioned",
		"tenant_id", tenantID,
		"key_version", row.Version,
	)
	return row, nil
}

// noTx runs fn without a transaction boundary (in-memory deployments).
type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// processLocker is the single-instance Locker used when no distributed lock
// is configured.
type processLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newProcessLocker() *processLocker {
	return &processLocker{held: make(map[string]struct{})}
}

func (l *processLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, sentinel.ErrConflict
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
