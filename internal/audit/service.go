// Package audit is the audit trail of PII access: synchronous best-effort
// append, optional streaming, and the operator query surface.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/requestcontext"
)

var tracer = otel.Tracer("piivault/internal/audit")

// Service appends and queries audit entries.
type Service struct {
	store     audit.Store
	publisher audit.Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithPublisher streams every appended entry to p after it is stored.
func WithPublisher(p audit.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// New constructs the audit service.
func New(store audit.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log appends entry before returning. Failures are logged and counted but
// never returned: an audit outage must not change the outcome of the access
// being audited. Missing ID, timestamp, client IP and user agent are filled
// from ctx.
func (s *Service) Log(ctx context.Context, entry audit.Entry) {
	ctx, span := tracer.Start(ctx, "audit.log")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = requestcontext.Now(ctx)
	}
	if entry.IPAddress == "" {
		entry.IPAddress = requestcontext.ClientIP(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = requestcontext.UserAgent(ctx)
	}
	if entry.FieldsAccessed == nil {
		entry.FieldsAccessed = []string{}
	}

	if err := s.store.Append(ctx, entry); err != nil {
		s.metrics.IncAppendFailure(entry.Action)
		s.logger.ErrorContext(ctx, "failed to append audit entry",
			"audit_id", entry.ID,
			"tenant_id", entry.TenantID,
			"profile_id", entry.ProfileID,
			"action", entry.Action,
			"error", err,
		)
		return
	}
	s.metrics.IncAppended(entry.Action)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, entry); err != nil {
		s.metrics.IncPublishFailure()
		s.logger.WarnContext(ctx, "failed to stream audit entry",
			"audit_id", entry.ID,
			"tenant_id", entry.TenantID,
			"error", err,
		)
	}
}

// ByProfile returns the audit history of one profile, newest first.
func (s *Service) ByProfile(ctx context.Context, tenantID domain.TenantID, profileID domain.ProfileID, limit, offset int) (*audit.Page, error) {
	return s.ByTenant(ctx, audit.Filter{
		TenantID:  tenantID,
		ProfileID: string(profileID),
		Limit:     limit,
		Offset:    offset,
	})
}

// ByTenant returns the tenant's entries matching filter, newest first.
func (s *Service) ByTenant(ctx context.Context, filter audit.Filter) (*audit.Page, error) {
	if filter.TenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant ID required")
	}
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown audit action")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, dErrors.New(dErrors.CodeValidation, "from must be before to")
	}
	page, err := s.store.List(ctx, filter.Normalize())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit log")
	}
	return page, nil
}
