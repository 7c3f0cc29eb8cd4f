package service

import (
	"context"

	"piivault/internal/token"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/requestcontext"
)

var (
	errNoAccess  = dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")
	errForbidden = dErrors.New(dErrors.CodeForbidden, "access denied")
)

// requireUser is the token-type and action check for single-profile
// operations. It runs before the id is even parsed so a wrongly scoped token
// learns nothing about the resource.
func (s *Service) requireUser(ctx context.Context, access token.AccessContext, op string, action audit.Action, need token.Action, rawID string) (*token.UserAccess, error) {
	switch a := access.(type) {
	case *token.UserAccess:
		if !a.Can(need) {
			return nil, s.deny(ctx, a, op, action, rawID, "token lacks "+string(need))
		}
		return a, nil
	case *token.ServiceAccess:
		return nil, s.deny(ctx, a, op, action, rawID, "service token used for single-profile operation")
	case nil:
		return nil, errNoAccess
	default:
		return nil, s.deny(ctx, a, op, action, rawID, "unknown access context")
	}
}

// requireBinding is the resource-binding check: a user token only ever
// reaches the profile it was issued for.
func (s *Service) requireBinding(ctx context.Context, user *token.UserAccess, id domain.ProfileID, op string, action audit.Action) error {
	if user.ProfileID != id {
		return s.deny(ctx, user, op, action, string(id), "token bound to a different profile")
	}
	return nil
}

// requireService is the token-type and action check for batch reads. A
// user token is refused regardless of its other claims.
func (s *Service) requireService(ctx context.Context, access token.AccessContext) (*token.ServiceAccess, error) {
	switch a := access.(type) {
	case *token.ServiceAccess:
		if !a.Can(token.ActionBatchRead) {
			return nil, s.deny(ctx, a, opBatchRead, audit.ActionBatchRead, audit.ProfileBatch, "token lacks batch_read")
		}
		return a, nil
	case *token.UserAccess:
		return nil, s.deny(ctx, a, opBatchRead, audit.ActionBatchRead, audit.ProfileBatch, "user token used for batch read")
	case nil:
		return nil, errNoAccess
	default:
		return nil, s.deny(ctx, a, opBatchRead, audit.ActionBatchRead, audit.ProfileBatch, "unknown access context")
	}
}

func (s *Service) deny(ctx context.Context, access token.AccessContext, op string, action audit.Action, profileID, reason string) error {
	s.metrics.IncDenied(op)
	s.logger.WarnContext(ctx, "profile access denied",
		"operation", op,
		"tenant_id", access.Tenant(),
		"operator_id", access.Operator(),
		"profile_id", profileID,
		"jti", access.TokenID(),
		"reason", reason,
		"request_id", requestcontext.RequestID(ctx),
	)
	s.record(ctx, access, profileID, action, []string{}, map[string]any{
		audit.MetadataOutcome: audit.OutcomeForbidden,
		"reason":              reason,
	})
	return errForbidden
}
