// Package service is the profile access façade: it checks the caller's
// capability token against the requested operation and resource, seals and
// opens fields through the crypto engine, and audits every decision.
package service

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"piivault/internal/fieldcrypt"
	"piivault/internal/profile/metrics"
	"piivault/internal/profile/models"
	"piivault/internal/profile/store"
	"piivault/internal/token"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/sentinel"
	"piivault/pkg/requestcontext"
)

var tracer = otel.Tracer("piivault/internal/profile/service")

// Store persists sealed profile rows. Every lookup is confined to a scope.
type Store interface {
	Create(ctx context.Context, rec *models.Record) error
	Find(ctx context.Context, scope models.Scope, id domain.ProfileID) (*models.Record, error)
	FindMany(ctx context.Context, scope models.Scope, ids []domain.ProfileID) ([]*models.Record, error)
	Update(ctx context.Context, rec *models.Record) error
	Delete(ctx context.Context, scope models.Scope, id domain.ProfileID) error
}

// Crypto hands out per-row sealers and openers. *fieldcrypt.Engine
// satisfies it.
type Crypto interface {
	Sealer(ctx context.Context, tenantID domain.TenantID) (*fieldcrypt.Sealer, error)
	Opener(ctx context.Context, tenantID domain.TenantID, version int) (*fieldcrypt.Opener, error)
}

// KeyInvalidator drops a tenant's cached keys. *dek.Manager satisfies it.
type KeyInvalidator interface {
	Invalidate(tenantID domain.TenantID)
}

// Auditor records access decisions. It never fails the caller.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry)
}

type Service struct {
	store    Store
	crypto   Crypto
	digester *Digester
	keys     KeyInvalidator
	auditor  Auditor
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithKeyInvalidator(k KeyInvalidator) Option {
	return func(s *Service) {
		s.keys = k
	}
}

func New(st Store, crypto Crypto, digester *Digester, auditor Auditor, opts ...Option) *Service {
	s := &Service{
		store:    st,
		crypto:   crypto,
		digester: digester,
		auditor:  auditor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const (
	opCreate    = "create"
	opRead      = "read"
	opUpdate    = "update"
	opDelete    = "delete"
	opBatchRead = "batch_read"
)

// Create seals and stores a new profile. Only user tokens holding write and
// bound to the new profile's id may create it.
func (s *Service) Create(ctx context.Context, access token.AccessContext, req *models.CreateRequest) (resp *models.CreateResponse, err error) {
	ctx, span := s.start(ctx, opCreate, access)
	defer func() { s.finish(span, opCreate, err) }()

	user, err := s.requireUser(ctx, access, opCreate, audit.ActionCreate, token.ActionWrite, req.ID)
	if err != nil {
		return nil, err
	}
	id, err := req.Validate()
	if err != nil {
		return nil, err
	}
	if err := s.requireBinding(ctx, user, id, opCreate, audit.ActionCreate); err != nil {
		return nil, err
	}

	scope := scopeOf(access)
	now := requestcontext.Now(ctx)
	digest, err := s.digester.Sum(&req.Data)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "profile is not serializable")
	}

	err = s.withFreshKey(ctx, scope.TenantID, func() error {
		sealer, err := s.crypto.Sealer(ctx, scope.TenantID)
		if err != nil {
			return err
		}
		sealed, err := sealFields(sealer, &req.Data, models.SensitiveFields)
		if err != nil {
			return err
		}
		return s.store.Create(ctx, &models.Record{
			TenantID:   scope.TenantID,
			StoreID:    scope.StoreID,
			ProfileID:  id,
			KeyVersion: sealer.Version(),
			Sealed:     sealed,
			Gender:     req.Gender,
			DataHash:   digest,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "profile already exists")
		}
		return nil, s.storeError(ctx, err, "failed to create profile")
	}

	s.record(ctx, access, string(id), audit.ActionCreate, req.Present(), nil)
	return &models.CreateResponse{ID: id, CreatedAt: now}, nil
}

// FindByID returns the decrypted profile a user token is bound to.
func (s *Service) FindByID(ctx context.Context, access token.AccessContext, rawID string) (profile *models.Profile, err error) {
	ctx, span := s.start(ctx, opRead, access)
	defer func() { s.finish(span, opRead, err) }()

	user, err := s.requireUser(ctx, access, opRead, audit.ActionRead, token.ActionRead, rawID)
	if err != nil {
		return nil, err
	}
	id, err := domain.ParseProfileID(rawID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBinding(ctx, user, id, opRead, audit.ActionRead); err != nil {
		return nil, err
	}

	rec, err := s.find(ctx, scopeOf(access), id)
	if err != nil {
		return nil, err
	}
	data, err := s.openRecord(ctx, rec, models.AllFields)
	if err != nil {
		return nil, err
	}
	s.verifyDigest(ctx, rec, data)

	s.record(ctx, access, string(id), audit.ActionRead, models.AllFields, nil)
	return &models.Profile{ID: id, Data: *data, UpdatedAt: rec.UpdatedAt}, nil
}

// Update overwrites the fields present in req. A row sealed under an older
// key version is re-sealed entirely so it never mixes versions.
func (s *Service) Update(ctx context.Context, access token.AccessContext, rawID string, req *models.UpdateRequest) (resp *models.UpdateResponse, err error) {
	ctx, span := s.start(ctx, opUpdate, access)
	defer func() { s.finish(span, opUpdate, err) }()

	user, err := s.requireUser(ctx, access, opUpdate, audit.ActionUpdate, token.ActionWrite, rawID)
	if err != nil {
		return nil, err
	}
	id, err := domain.ParseProfileID(rawID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBinding(ctx, user, id, opUpdate, audit.ActionUpdate); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	scope := scopeOf(access)
	now := requestcontext.Now(ctx)
	err = s.withFreshKey(ctx, scope.TenantID, func() error {
		rec, err := s.find(ctx, scope, id)
		if err != nil {
			return err
		}
		merged, err := s.openRecord(ctx, rec, models.AllFields)
		if err != nil {
			return err
		}
		merged.Merge(&req.Data)

		sealer, err := s.crypto.Sealer(ctx, scope.TenantID)
		if err != nil {
			return err
		}
		fields := req.Present()
		if sealer.Version() != rec.KeyVersion {
			fields = models.SensitiveFields
		}
		sealed, err := sealFields(sealer, merged, fields)
		if err != nil {
			return err
		}
		if rec.Sealed == nil {
			rec.Sealed = make(map[string][]byte, len(sealed))
		}
		for name, ct := range sealed {
			rec.Sealed[name] = ct
		}
		digest, err := s.digester.Sum(merged)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeBadRequest, "profile is not serializable")
		}

		rec.KeyVersion = sealer.Version()
		rec.Gender = merged.Gender
		rec.DataHash = digest
		rec.UpdatedAt = now
		return s.store.Update(ctx, rec)
	})
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to update profile")
	}

	s.record(ctx, access, string(id), audit.ActionUpdate, req.Present(), nil)
	return &models.UpdateResponse{ID: id, UpdatedAt: now}, nil
}

// Delete removes the profile a user token is bound to.
func (s *Service) Delete(ctx context.Context, access token.AccessContext, rawID string) (err error) {
	ctx, span := s.start(ctx, opDelete, access)
	defer func() { s.finish(span, opDelete, err) }()

	user, err := s.requireUser(ctx, access, opDelete, audit.ActionDelete, token.ActionWrite, rawID)
	if err != nil {
		return err
	}
	id, err := domain.ParseProfileID(rawID)
	if err != nil {
		return err
	}
	if err := s.requireBinding(ctx, user, id, opDelete, audit.ActionDelete); err != nil {
		return err
	}

	if err := s.store.Delete(ctx, scopeOf(access), id); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "profile not found")
		}
		return s.storeError(ctx, err, "failed to delete profile")
	}

	s.record(ctx, access, string(id), audit.ActionDelete, []string{}, nil)
	return nil
}

// BatchGet decrypts the requested fields of every found profile for a
// service token. Missing ids are reported per id, not as a failure.
func (s *Service) BatchGet(ctx context.Context, access token.AccessContext, req *models.BatchRequest) (resp *models.BatchResponse, err error) {
	ctx, span := s.start(ctx, opBatchRead, access)
	defer func() { s.finish(span, opBatchRead, err) }()

	svc, err := s.requireService(ctx, access)
	if err != nil {
		return nil, err
	}
	ids, fields, err := req.Validate()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("batch.size", len(ids)))

	records, err := s.store.FindMany(ctx, scopeOf(access), ids)
	if err != nil {
		return nil, s.storeError(ctx, err, "failed to load profiles")
	}

	resp = &models.BatchResponse{
		Data:   make(map[domain.ProfileID]*models.Profile, len(records)),
		Errors: make(map[domain.ProfileID]models.BatchError),
	}
	for _, rec := range records {
		data, err := s.openRecord(ctx, rec, fields)
		if err != nil {
			return nil, err
		}
		resp.Data[rec.ProfileID] = &models.Profile{ID: rec.ProfileID, Data: *data, UpdatedAt: rec.UpdatedAt}
	}
	for _, id := range ids {
		if _, ok := resp.Data[id]; !ok {
			resp.Errors[id] = models.BatchError{Code: models.BatchErrorNotFound}
		}
	}
	s.metrics.ObserveBatchFound(len(resp.Data))

	s.record(ctx, access, audit.ProfileBatch, audit.ActionBatchRead, fields, map[string]any{
		"service":        string(svc.Service),
		"jobId":          string(svc.JobID),
		"originalUserId": string(svc.OriginalUserID),
		"batchSize":      len(ids),
		"foundCount":     len(resp.Data),
	})
	return resp, nil
}

func (s *Service) find(ctx context.Context, scope models.Scope, id domain.ProfileID) (*models.Record, error) {
	rec, err := s.store.Find(ctx, scope, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "profile not found")
		}
		return nil, s.storeError(ctx, err, "failed to load profile")
	}
	return rec, nil
}

// withFreshKey runs write once more after evicting the tenant's cached keys
// if the store rejected it for carrying a superseded key version.
func (s *Service) withFreshKey(ctx context.Context, tenantID domain.TenantID, write func() error) error {
	err := write()
	if !store.IsStaleKeyVersion(err) || s.keys == nil {
		return err
	}
	s.metrics.IncStaleKeyRetry()
	s.logger.InfoContext(ctx, "tenant key rotated during write; retrying with fresh key",
		"tenant_id", tenantID,
		"request_id", requestcontext.RequestID(ctx),
	)
	s.keys.Invalidate(tenantID)
	return write()
}

// storeError passes coded errors through and hides everything else behind
// an internal error.
func (s *Service) storeError(ctx context.Context, err error, msg string) error {
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	if store.IsStaleKeyVersion(err) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "tenant key changed during write, retry")
	}
	s.logger.ErrorContext(ctx, msg,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

func (s *Service) record(ctx context.Context, access token.AccessContext, profileID string, action audit.Action, fields []string, metadata map[string]any) {
	s.auditor.Log(ctx, audit.Entry{
		TenantID:       access.Tenant(),
		ProfileID:      profileID,
		OperatorID:     access.Operator(),
		Action:         action,
		FieldsAccessed: append([]string{}, fields...),
		JWTJTI:         access.TokenID(),
		Metadata:       metadata,
	})
}

func (s *Service) start(ctx context.Context, op string, access token.AccessContext) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "profile."+op)
	if access != nil {
		span.SetAttributes(
			attribute.String("tenant_id", string(access.Tenant())),
			attribute.String("profile_store_id", string(access.ProfileStore())),
		)
	}
	return ctx, span
}

func (s *Service) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		s.metrics.IncOperation(op, "ok")
		return
	}
	s.metrics.IncOperation(op, string(dErrors.CodeOf(err)))
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
}

func scopeOf(access token.AccessContext) models.Scope {
	return models.Scope{TenantID: access.Tenant(), StoreID: access.ProfileStore()}
}
