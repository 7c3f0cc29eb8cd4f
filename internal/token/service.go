// Package token mints and verifies capability tokens: short-lived HS256 JWTs
// that authorize one kind of operation on one profile or one batch job.
package token

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/requestcontext"
)

const (
	DefaultUserTTL    = 300 * time.Second
	DefaultServiceTTL = 1800 * time.Second
	// MinSecretLength is the shortest signing secret accepted in production.
	MinSecretLength = 32
)

// errInvalidToken is the only verification error callers see.
var errInvalidToken = dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")

// Auditor records issuance. *audit.Service satisfies it.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry)
}

// Service issues and verifies capability tokens.
type Service struct {
	secret     []byte
	userTTL    time.Duration
	serviceTTL time.Duration
	auditor    Auditor
	logger     *slog.Logger
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

// WithTTLs overrides the default lifetimes. Non-positive values are ignored.
func WithTTLs(user, service time.Duration) Option {
	return func(s *Service) {
		if user > 0 {
			s.userTTL = user
		}
		if service > 0 {
			s.serviceTTL = service
		}
	}
}

// WithAuditor records a token_issued entry for every issued token.
func WithAuditor(a Auditor) Option {
	return func(s *Service) {
		s.auditor = a
	}
}

// NewService constructs a token service signing with secret.
func NewService(secret []byte, opts ...Option) *Service {
	s := &Service{
		secret:     slices.Clone(secret),
		userTTL:    DefaultUserTTL,
		serviceTTL: DefaultServiceTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserTokenRequest asks for a token bound to one profile.
type UserTokenRequest struct {
	UserID         string   `json:"userId"`
	TenantID       string   `json:"tenantId"`
	TenantSchema   string   `json:"tenantSchema"`
	ProfileID      string   `json:"profileId"`
	ProfileStoreID string   `json:"profileStoreId"`
	Actions        []Action `json:"actions"`
}

// ServiceTokenRequest asks for a batch token for one job.
type ServiceTokenRequest struct {
	ServiceName    string   `json:"serviceName"`
	TenantID       string   `json:"tenantId"`
	TenantSchema   string   `json:"tenantSchema,omitempty"`
	ProfileStoreID string   `json:"profileStoreId"`
	JobID          string   `json:"jobId"`
	OriginalUserID string   `json:"originalUserId"`
	Actions        []Action `json:"actions"`
}

// IssuedToken is returned to the issuing caller.
type IssuedToken struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
	JTI       string `json:"jti"`
}

// IssueUserAccessToken mints a pii_access token.
func (s *Service) IssueUserAccessToken(ctx context.Context, req UserTokenRequest) (*IssuedToken, error) {
	userID, err := domain.ParseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	tenantID, err := domain.ParseTenantID(req.TenantID)
	if err != nil {
		return nil, err
	}
	profileID, err := domain.ParseProfileID(req.ProfileID)
	if err != nil {
		return nil, err
	}
	storeID, err := domain.ParseProfileStoreID(req.ProfileStoreID)
	if err != nil {
		return nil, err
	}
	actions, err := validateActions(TypeUserAccess, req.Actions)
	if err != nil {
		return nil, err
	}

	claims := Claims{
		TenantID:       string(tenantID),
		TenantSchema:   req.TenantSchema,
		ProfileID:      string(profileID),
		ProfileStoreID: string(storeID),
		Type:           TypeUserAccess,
		Actions:        actions,
	}
	issued, err := s.sign(ctx, string(userID), claims, s.userTTL)
	if err != nil {
		return nil, err
	}
	s.recordIssued(ctx, tenantID, string(profileID), string(userID), issued, map[string]any{
		"tokenType":      string(TypeUserAccess),
		"profileStoreId": string(storeID),
		"actions":        actionStrings(actions),
		"expiresIn":      issued.ExpiresIn,
	})
	return issued, nil
}

// IssueServiceToken mints a report_service token.
func (s *Service) IssueServiceToken(ctx context.Context, req ServiceTokenRequest) (*IssuedToken, error) {
	service, err := domain.ParseServiceName(req.ServiceName)
	if err != nil {
		return nil, err
	}
	tenantID, err := domain.ParseTenantID(req.TenantID)
	if err != nil {
		return nil, err
	}
	storeID, err := domain.ParseProfileStoreID(req.ProfileStoreID)
	if err != nil {
		return nil, err
	}
	jobID, err := domain.ParseJobID(req.JobID)
	if err != nil {
		return nil, err
	}
	originalUser, err := domain.ParseUserID(req.OriginalUserID)
	if err != nil {
		return nil, err
	}
	actions, err := validateActions(TypeServiceBatch, req.Actions)
	if err != nil {
		return nil, err
	}

	claims := Claims{
		TenantID:       string(tenantID),
		TenantSchema:   req.TenantSchema,
		ProfileStoreID: string(storeID),
		Type:           TypeServiceBatch,
		JobID:          string(jobID),
		OriginalUserID: string(originalUser),
		Actions:        actions,
	}
	issued, err := s.sign(ctx, string(service), claims, s.serviceTTL)
	if err != nil {
		return nil, err
	}
	s.recordIssued(ctx, tenantID, audit.ProfileBatch, string(service), issued, map[string]any{
		"tokenType":      string(TypeServiceBatch),
		"profileStoreId": string(storeID),
		"jobId":          string(jobID),
		"originalUserId": string(originalUser),
		"actions":        actionStrings(actions),
		"expiresIn":      issued.ExpiresIn,
	})
	return issued, nil
}

// Verify checks signature, algorithm and expiry, then decodes the claims.
// Every failure yields the same Unauthorized error; the reason is logged.
func (s *Service) Verify(ctx context.Context, raw string) (AccessContext, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }),
	)
	if err != nil || !parsed.Valid {
		s.logger.DebugContext(ctx, "token verification failed", "error", err)
		return nil, errInvalidToken
	}

	access, err := claims.toAccess()
	if err != nil {
		s.logger.WarnContext(ctx, "token with invalid claims presented",
			"jti", claims.ID,
			"type", claims.Type,
			"error", err,
		)
		return nil, errInvalidToken
	}
	return access, nil
}

func (s *Service) sign(ctx context.Context, subject string, claims Claims, ttl time.Duration) (*IssuedToken, error) {
	now := requestcontext.Now(ctx)
	jti := uuid.NewString()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        jti,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}
	return &IssuedToken{Token: signed, ExpiresIn: int(ttl / time.Second), JTI: jti}, nil
}

func (s *Service) recordIssued(ctx context.Context, tenantID domain.TenantID, profileID, operator string, issued *IssuedToken, metadata map[string]any) {
	if caller := requestcontext.Caller(ctx); caller != "" {
		metadata["issuedTo"] = caller
	}
	s.logger.InfoContext(ctx, "capability token issued",
		"tenant_id", tenantID,
		"profile_id", profileID,
		"operator_id", operator,
		"jti", issued.JTI,
		"token_type", metadata["tokenType"],
	)
	if s.auditor == nil {
		return
	}
	s.auditor.Log(ctx, audit.Entry{
		TenantID:       tenantID,
		ProfileID:      profileID,
		OperatorID:     operator,
		Action:         audit.ActionTokenIssued,
		FieldsAccessed: []string{},
		JWTJTI:         issued.JTI,
		Metadata:       metadata,
	})
}

func validateActions(t Type, requested []Action) ([]Action, error) {
	if len(requested) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "actions must not be empty")
	}
	allowed := AllowedActions(t)
	out := make([]Action, 0, len(requested))
	for _, a := range requested {
		if !slices.Contains(allowed, a) {
			return nil, dErrors.New(dErrors.CodeValidation, "action not allowed for token type: "+string(a))
		}
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func actionStrings(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
