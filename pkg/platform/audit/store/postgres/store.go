package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"piivault/pkg/domain"
	audit "piivault/pkg/platform/audit"
)

// Store persists audit entries in pii_audit_log over a pgx pool. The audit
// database may be separate from the profile database.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL audit store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append inserts one entry. The ID is generated when unset.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	fields := entry.FieldsAccessed
	if fields == nil {
		fields = []string{}
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	query := `
		INSERT INTO pii_audit_log (
			id, tenant_id, profile_id, operator_id, action, fields_accessed,
			ip_address, user_agent, jwt_jti, metadata, occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		entry.ID,
		string(entry.TenantID),
		entry.ProfileID,
		entry.OperatorID,
		string(entry.Action),
		fields,
		entry.IPAddress,
		entry.UserAgent,
		entry.JWTJTI,
		metadata,
		entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type entryRow struct {
	ID             uuid.UUID      `db:"id"`
	TenantID       string         `db:"tenant_id"`
	ProfileID      string         `db:"profile_id"`
	OperatorID     string         `db:"operator_id"`
	Action         string         `db:"action"`
	FieldsAccessed []string       `db:"fields_accessed"`
	IPAddress      *string        `db:"ip_address"`
	UserAgent      *string        `db:"user_agent"`
	JWTJTI         *string        `db:"jwt_jti"`
	Metadata       map[string]any `db:"metadata"`
	OccurredAt     time.Time      `db:"occurred_at"`
	Total          int            `db:"total"`
}

// List returns matching entries newest first with the total match count.
func (s *Store) List(ctx context.Context, filter audit.Filter) (*audit.Page, error) {
	filter = filter.Normalize()

	where := []string{"tenant_id = $1"}
	args := []any{string(filter.TenantID)}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProfileID != "" {
		add("profile_id = $%d", filter.ProfileID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To)
	}
	args = append(args, filter.Limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT id, tenant_id, profile_id, operator_id, action, fields_accessed,
			ip_address, user_agent, jwt_jti, metadata, occurred_at,
			count(*) OVER () AS total
		FROM pii_audit_log
		WHERE %s
		ORDER BY occurred_at DESC, id
		LIMIT $%d OFFSET $%d
	`, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	scanned, err := pgx.CollectRows(rows, pgx.RowToStructByName[entryRow])
	if err != nil {
		return nil, fmt.Errorf("scan audit entries: %w", err)
	}

	page := &audit.Page{Limit: filter.Limit, Offset: filter.Offset, Entries: make([]audit.Entry, 0, len(scanned))}
	for _, r := range scanned {
		page.Total = r.Total
		page.Entries = append(page.Entries, audit.Entry{
			ID:             r.ID,
			TenantID:       domain.TenantID(r.TenantID),
			ProfileID:      r.ProfileID,
			OperatorID:     r.OperatorID,
			Action:         audit.Action(r.Action),
			FieldsAccessed: r.FieldsAccessed,
			IPAddress:      deref(r.IPAddress),
			UserAgent:      deref(r.UserAgent),
			JWTJTI:         deref(r.JWTJTI),
			Metadata:       r.Metadata,
			OccurredAt:     r.OccurredAt,
		})
	}
	if len(scanned) == 0 && filter.Offset > 0 {
		total, err := s.count(ctx, where, args[:len(args)-2])
		if err != nil {
			return nil, err
		}
		page.Total = total
	}
	return page, nil
}

func (s *Store) count(ctx context.Context, where []string, args []any) (int, error) {
	var n int
	query := "SELECT count(*) FROM pii_audit_log WHERE " + strings.Join(where, " AND ")
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Ping checks connectivity for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
