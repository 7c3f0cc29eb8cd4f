package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"piivault/internal/keys/dek"
	"piivault/pkg/domain"
	"piivault/pkg/platform/sentinel"
	"piivault/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresKeyStore persists tenant keys in the tenant_data_keys table.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore constructs a PostgreSQL-backed key store.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) Find(ctx context.Context, tenantID domain.TenantID) (*dek.TenantDataKey, error) {
	query := `
		SELECT tenant_id, wrapped_key, version, algorithm, rotated_at, created_at
		FROM tenant_data_keys
		WHERE tenant_id = $1
	`
	return s.scan(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, tenantID))
}

func (s *PostgresKeyStore) Create(ctx context.Context, key *dek.TenantDataKey) error {
	query := `
		INSERT INTO tenant_data_keys (tenant_id, wrapped_key, version, algorithm, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		key.TenantID, key.WrappedKey, key.Version, key.Algorithm, key.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tenant key exists: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create tenant key: %w", err)
	}
	return nil
}

// LockForUpdate takes a row lock held until the surrounding transaction ends.
// Outside a transaction the lock is released immediately.
func (s *PostgresKeyStore) LockForUpdate(ctx context.Context, tenantID domain.TenantID) (*dek.TenantDataKey, error) {
	query := `
		SELECT tenant_id, wrapped_key, version, algorithm, rotated_at, created_at
		FROM tenant_data_keys
		WHERE tenant_id = $1
		FOR UPDATE
	`
	return s.scan(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, tenantID))
}

func (s *PostgresKeyStore) Advance(ctx context.Context, tenantID domain.TenantID, fromVersion int, wrapped []byte, toVersion int, rotatedAt time.Time) error {
	query := `
		UPDATE tenant_data_keys
		SET wrapped_key = $3, version = $4, rotated_at = $5
		WHERE tenant_id = $1 AND version = $2
	`
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, query, tenantID, fromVersion, wrapped, toVersion, rotatedAt)
	if err != nil {
		return fmt.Errorf("advance tenant key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance tenant key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tenant key no longer at version %d: %w", fromVersion, sentinel.ErrConflict)
	}
	return nil
}

func (s *PostgresKeyStore) scan(row *sql.Row) (*dek.TenantDataKey, error) {
	var (
		key       dek.TenantDataKey
		rotatedAt sql.NullTime
	)
	err := row.Scan(&key.TenantID, &key.WrappedKey, &key.Version, &key.Algorithm, &rotatedAt, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant key not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find tenant key: %w", err)
	}
	if rotatedAt.Valid {
		t := rotatedAt.Time
		key.RotatedAt = &t
	}
	return &key, nil
}

// PostgresRotationStore persists rotation checkpoints in key_rotations.
// A partial unique index allows one running rotation per tenant.
type PostgresRotationStore struct {
	db *sql.DB
}

// NewPostgresRotationStore constructs a PostgreSQL-backed rotation store.
func NewPostgresRotationStore(db *sql.DB) *PostgresRotationStore {
	return &PostgresRotationStore{db: db}
}

func (s *PostgresRotationStore) FindRunning(ctx context.Context, tenantID domain.TenantID) (*dek.KeyRotation, error) {
	query := `
		SELECT tenant_id, from_version, to_version, wrapped_key,
			cursor_store_id, cursor_profile_id, processed, status, started_at, completed_at
		FROM key_rotations
		WHERE tenant_id = $1 AND status = $2
	`
	var (
		r           dek.KeyRotation
		completedAt sql.NullTime
	)
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, query, tenantID, dek.RotationRunning).Scan(
		&r.TenantID, &r.FromVersion, &r.ToVersion, &r.WrappedKey,
		&r.Cursor.StoreID, &r.Cursor.ProfileID, &r.Processed, &r.Status, &r.StartedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no running rotation: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find running rotation: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *PostgresRotationStore) Create(ctx context.Context, r *dek.KeyRotation) error {
	query := `
		INSERT INTO key_rotations (tenant_id, from_version, to_version, wrapped_key,
			cursor_store_id, cursor_profile_id, processed, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, query,
		r.TenantID, r.FromVersion, r.ToVersion, r.WrappedKey,
		r.Cursor.StoreID, r.Cursor.ProfileID, r.Processed, r.Status, r.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rotation already running: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create rotation: %w", err)
	}
	return nil
}

func (s *PostgresRotationStore) SaveProgress(ctx context.Context, tenantID domain.TenantID, toVersion int, cursor dek.Cursor, processed int) error {
	query := `
		UPDATE key_rotations
		SET cursor_store_id = $3, cursor_profile_id = $4, processed = $5
		WHERE tenant_id = $1 AND to_version = $2 AND status = 'running'
	`
	return s.update(ctx, "save rotation progress", query, tenantID, toVersion, cursor.StoreID, cursor.ProfileID, processed)
}

func (s *PostgresRotationStore) Complete(ctx context.Context, tenantID domain.TenantID, toVersion int, completedAt time.Time) error {
	query := `
		UPDATE key_rotations
		SET status = 'completed', completed_at = $3, wrapped_key = NULL
		WHERE tenant_id = $1 AND to_version = $2 AND status = 'running'
	`
	return s.update(ctx, "complete rotation", query, tenantID, toVersion, completedAt)
}

func (s *PostgresRotationStore) update(ctx context.Context, op, query string, args ...any) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: no running rotation: %w", op, sentinel.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
