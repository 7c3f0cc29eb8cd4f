package token

import (
	"errors"
	"slices"

	"github.com/golang-jwt/jwt/v5"

	"piivault/pkg/domain"
)

// Claims is the wire form of both token variants. Field names are stable.
type Claims struct {
	TenantID       string   `json:"tenantId"`
	TenantSchema   string   `json:"tenantSchema,omitempty"`
	ProfileID      string   `json:"profileId,omitempty"`
	ProfileStoreID string   `json:"profileStoreId"`
	Type           Type     `json:"type"`
	JobID          string   `json:"jobId,omitempty"`
	OriginalUserID string   `json:"originalUserId,omitempty"`
	Actions        []Action `json:"actions"`
	jwt.RegisteredClaims
}

var (
	errUnknownType     = errors.New("unknown token type")
	errMissingClaim    = errors.New("required claim missing")
	errActionForbidden = errors.New("action not allowed for token type")
)

// toAccess decodes verified claims into the matching access variant.
func (c *Claims) toAccess() (AccessContext, error) {
	if c.Subject == "" || c.TenantID == "" || c.ProfileStoreID == "" || c.ID == "" || c.IssuedAt == nil {
		return nil, errMissingClaim
	}
	allowed := AllowedActions(c.Type)
	if allowed == nil {
		return nil, errUnknownType
	}
	if len(c.Actions) == 0 {
		return nil, errMissingClaim
	}
	for _, a := range c.Actions {
		if !slices.Contains(allowed, a) {
			return nil, errActionForbidden
		}
	}

	switch c.Type {
	case TypeUserAccess:
		if c.ProfileID == "" {
			return nil, errMissingClaim
		}
		return &UserAccess{
			UserID:         domain.UserID(c.Subject),
			TenantID:       domain.TenantID(c.TenantID),
			TenantSchema:   c.TenantSchema,
			ProfileID:      domain.ProfileID(c.ProfileID),
			ProfileStoreID: domain.ProfileStoreID(c.ProfileStoreID),
			Actions:        slices.Clone(c.Actions),
			IssuedAt:       c.IssuedAt.Time,
			ExpiresAt:      c.ExpiresAt.Time,
			JTI:            c.ID,
		}, nil
	case TypeServiceBatch:
		if c.JobID == "" {
			return nil, errMissingClaim
		}
		return &ServiceAccess{
			Service:        domain.ServiceName(c.Subject),
			TenantID:       domain.TenantID(c.TenantID),
			TenantSchema:   c.TenantSchema,
			ProfileStoreID: domain.ProfileStoreID(c.ProfileStoreID),
			JobID:          domain.JobID(c.JobID),
			OriginalUserID: domain.UserID(c.OriginalUserID),
			Actions:        slices.Clone(c.Actions),
			IssuedAt:       c.IssuedAt.Time,
			ExpiresAt:      c.ExpiresAt.Time,
			JTI:            c.ID,
		}, nil
	}
	return nil, errUnknownType
}
