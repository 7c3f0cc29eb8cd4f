package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"piivault/internal/keys/dek"
	"piivault/internal/profile/models"
	"piivault/pkg/domain"
	"piivault/pkg/platform/sentinel"
	"piivault/pkg/platform/tx"
)

// columns maps sensitive field names to their bytea columns, in the order
// they appear in every SELECT and INSERT below.
var columns = []struct {
	field  string
	column string
}{
	{models.FieldGivenName, "given_name"},
	{models.FieldFamilyName, "family_name"},
	{models.FieldBirthDate, "birth_date"},
	{models.FieldPhoneNumbers, "phone_numbers"},
	{models.FieldEmails, "emails"},
	{models.FieldAddresses, "addresses"},
}

const selectColumns = `tenant_id, profile_store_id, profile_id, key_version,
	given_name, family_name, birth_date, phone_numbers, emails, addresses,
	gender, data_hash, created_at, updated_at`

// PostgresStore persists profiles in pii_profiles. Writes take a share lock
// on the tenant's key row, so they serialize against the rotation commit and
// never land under a key version it has retired.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed profile store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.Record) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		if err := s.checkKeyVersion(ctx, rec); err != nil {
			return err
		}
		query := `
			INSERT INTO pii_profiles (tenant_id, profile_store_id, profile_id, key_version,
				given_name, family_name, birth_date, phone_numbers, emails, addresses,
				gender, data_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`
		args := []any{rec.TenantID, rec.StoreID, rec.ProfileID, rec.KeyVersion}
		args = append(args, sealedArgs(rec.Sealed)...)
		args = append(args, rec.Gender, rec.DataHash, rec.CreatedAt, rec.UpdatedAt)
		if _, err := tx.Exec(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("profile exists: %w", sentinel.ErrAlreadyUsed)
			}
			return fmt.Errorf("create profile: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Find(ctx context.Context, scope models.Scope, id domain.ProfileID) (*models.Record, error) {
	query := `SELECT ` + selectColumns + `
		FROM pii_profiles
		WHERE tenant_id = $1 AND profile_store_id = $2 AND profile_id = $3`
	rec, err := scanRecord(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, scope.TenantID, scope.StoreID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindMany(ctx context.Context, scope models.Scope, ids []domain.ProfileID) ([]*models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	query := `SELECT ` + selectColumns + `
		FROM pii_profiles
		WHERE tenant_id = $1 AND profile_store_id = $2 AND profile_id = ANY($3)`
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, scope.TenantID, scope.StoreID, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("find profiles: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// Update replaces every column of an existing row.
func (s *PostgresStore) Update(ctx context.Context, rec *models.Record) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		if err := s.checkKeyVersion(ctx, rec); err != nil {
			return err
		}
		query := `
			UPDATE pii_profiles
			SET key_version = $4,
				given_name = $5, family_name = $6, birth_date = $7,
				phone_numbers = $8, emails = $9, addresses = $10,
				gender = $11, data_hash = $12, updated_at = $13
			WHERE tenant_id = $1 AND profile_store_id = $2 AND profile_id = $3
		`
		args := []any{rec.TenantID, rec.StoreID, rec.ProfileID, rec.KeyVersion}
		args = append(args, sealedArgs(rec.Sealed)...)
		args = append(args, rec.Gender, rec.DataHash, rec.UpdatedAt)
		res, err := tx.Exec(ctx, s.db).ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		return expectOne(res, "update profile")
	})
}

func (s *PostgresStore) Delete(ctx context.Context, scope models.Scope, id domain.ProfileID) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx,
		`DELETE FROM pii_profiles WHERE tenant_id = $1 AND profile_store_id = $2 AND profile_id = $3`,
		scope.TenantID, scope.StoreID, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return expectOne(res, "delete profile")
}

func (s *PostgresStore) StaleRecords(ctx context.Context, tenantID domain.TenantID, below int, after dek.Cursor, limit int) ([]dek.SealedRecord, error) {
	query := `SELECT ` + selectColumns + `
		FROM pii_profiles
		WHERE tenant_id = $1 AND key_version < $2
			AND (profile_store_id, profile_id) > ($3, $4)
		ORDER BY profile_store_id, profile_id
		LIMIT $5`
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, tenantID, below, after.StoreID, after.ProfileID, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale profiles: %w", err)
	}
	defer rows.Close()

	var out []dek.SealedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, rec.SealedRecord())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale profiles: %w", err)
	}
	return out, nil
}

// SaveResealed leaves rows rewritten or deleted since they were read alone.
func (s *PostgresStore) SaveResealed(ctx context.Context, tenantID domain.TenantID, rec dek.SealedRecord, fromVersion int) error {
	query := `
		UPDATE pii_profiles
		SET key_version = $5,
			given_name = $6, family_name = $7, birth_date = $8,
			phone_numbers = $9, emails = $10, addresses = $11
		WHERE tenant_id = $1 AND profile_store_id = $2 AND profile_id = $3 AND key_version = $4
	`
	args := []any{tenantID, rec.StoreID, rec.ProfileID, fromVersion, rec.KeyVersion}
	args = append(args, sealedArgs(rec.Fields)...)
	if _, err := tx.Exec(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save re-encrypted profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountStale(ctx context.Context, tenantID domain.TenantID, below int) (int, error) {
	var n int
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT count(*) FROM pii_profiles WHERE tenant_id = $1 AND key_version < $2`,
		tenantID, below).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale profiles: %w", err)
	}
	return n, nil
}

// checkKeyVersion must run inside the write's transaction; the share lock is
// held until it commits.
func (s *PostgresStore) checkKeyVersion(ctx context.Context, rec *models.Record) error {
	var current int
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT version FROM tenant_data_keys WHERE tenant_id = $1 FOR SHARE`,
		rec.TenantID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("tenant key not found: %w", sentinel.ErrNotFound)
		}
		return fmt.Errorf("check key version: %w", err)
	}
	if rec.KeyVersion < current {
		return ErrStaleKeyVersion
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var (
		rec    models.Record
		sealed = make([][]byte, len(columns))
		gender sql.NullString
	)
	dest := []any{&rec.TenantID, &rec.StoreID, &rec.ProfileID, &rec.KeyVersion}
	for i := range sealed {
		dest = append(dest, &sealed[i])
	}
	dest = append(dest, &gender, &rec.DataHash, &rec.CreatedAt, &rec.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec.Sealed = make(map[string][]byte, len(columns))
	for i, c := range columns {
		if sealed[i] != nil {
			rec.Sealed[c.field] = sealed[i]
		}
	}
	if gender.Valid {
		g := gender.String
		rec.Gender = &g
	}
	return &rec, nil
}

func sealedArgs(fields map[string][]byte) []any {
	args := make([]any, len(columns))
	for i, c := range columns {
		if ct, ok := fields[c.field]; ok && ct != nil {
			args[i] = ct
		}
	}
	return args
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: profile not found: %w", op, sentinel.ErrNotFound)
	}
	return nil
}
