package token

import (
	"context"
	"slices"
	"time"

	"piivault/pkg/domain"
)

// Action is a capability a token grants.
type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionBatchRead Action = "batch_read"
)

// Type discriminates the two token variants on the wire.
type Type string

const (
	TypeUserAccess   Type = "pii_access"
	TypeServiceBatch Type = "report_service"
)

var (
	userActions    = []Action{ActionRead, ActionWrite}
	serviceActions = []Action{ActionBatchRead}
)

// AllowedActions returns the actions a token type may carry.
func AllowedActions(t Type) []Action {
	switch t {
	case TypeUserAccess:
		return slices.Clone(userActions)
	case TypeServiceBatch:
		return slices.Clone(serviceActions)
	}
	return nil
}

// AccessContext is a verified capability. Its only implementations are
// *UserAccess and *ServiceAccess; consumers switch on the concrete type.
type AccessContext interface {
	Tenant() domain.TenantID
	ProfileStore() domain.ProfileStoreID
	// Operator is the identity recorded as the actor in audit entries.
	Operator() string
	TokenID() string
	Can(action Action) bool
	accessContext()
}

// UserAccess authorizes read or write on exactly one profile.
type UserAccess struct {
	UserID         domain.UserID
	TenantID       domain.TenantID
	TenantSchema   string
	ProfileID      domain.ProfileID
	ProfileStoreID domain.ProfileStoreID
	Actions        []Action
	IssuedAt       time.Time
	ExpiresAt      time.Time
	JTI            string
}

func (u *UserAccess) Tenant() domain.TenantID             { return u.TenantID }
func (u *UserAccess) ProfileStore() domain.ProfileStoreID { return u.ProfileStoreID }
func (u *UserAccess) Operator() string                    { return string(u.UserID) }
func (u *UserAccess) TokenID() string                     { return u.JTI }
func (u *UserAccess) Can(a Action) bool                   { return slices.Contains(u.Actions, a) }
func (*UserAccess) accessContext()                        {}

// ServiceAccess authorizes batch reads within one profile store for one job.
type ServiceAccess struct {
	Service        domain.ServiceName
	TenantID       domain.TenantID
	TenantSchema   string
	ProfileStoreID domain.ProfileStoreID
	JobID          domain.JobID
	OriginalUserID domain.UserID
	Actions        []Action
	IssuedAt       time.Time
	ExpiresAt      time.Time
	JTI            string
}

func (s *ServiceAccess) Tenant() domain.TenantID             { return s.TenantID }
func (s *ServiceAccess) ProfileStore() domain.ProfileStoreID { return s.ProfileStoreID }
func (s *ServiceAccess) Operator() string                    { return string(s.Service) }
func (s *ServiceAccess) TokenID() string                     { return s.JTI }
func (s *ServiceAccess) Can(a Action) bool                   { return slices.Contains(s.Actions, a) }
func (*ServiceAccess) accessContext()                        {}

type contextKeyAccess struct{}

// WithAccess stores a verified access context.
func WithAccess(ctx context.Context, access AccessContext) context.Context {
	return context.WithValue(ctx, contextKeyAccess{}, access)
}

// AccessFromContext returns the verified access context, if any.
func AccessFromContext(ctx context.Context) (AccessContext, bool) {
	access, ok := ctx.Value(contextKeyAccess{}).(AccessContext)
	return access, ok && access != nil
}
