// Package admin serves the operator surface: tenant key rotation and
// inspection, and audit log queries. Routes are expected to sit behind the
// mTLS gate and the admin token middleware.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"piivault/internal/keys/dek"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/httputil"
	"piivault/pkg/requestcontext"
)

// KeyService rotates and describes tenant keys.
type KeyService interface {
	Rotate(ctx context.Context, tenantID domain.TenantID) (*dek.RotationResult, error)
	Describe(ctx context.Context, tenantID domain.TenantID) (*dek.TenantDataKey, error)
}

// AuditQuery reads the audit log.
type AuditQuery interface {
	ByTenant(ctx context.Context, filter audit.Filter) (*audit.Page, error)
	ByProfile(ctx context.Context, tenantID domain.TenantID, profileID domain.ProfileID, limit, offset int) (*audit.Page, error)
}

// Handler serves the admin routes.
type Handler struct {
	keys   KeyService
	audit  AuditQuery
	logger *slog.Logger
}

// New constructs an admin handler.
func New(keys KeyService, auditQuery AuditQuery, logger *slog.Logger) *Handler {
	return &Handler{
		keys:   keys,
		audit:  auditQuery,
		logger: logger,
	}
}

// Register mounts admin endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/admin/tenants/{tenantID}/keys/rotate", h.HandleRotateKey)
	r.Get("/admin/tenants/{tenantID}/keys", h.HandleDescribeKey)
	r.Get("/admin/audit/tenants/{tenantID}", h.HandleTenantAudit)
	r.Get("/admin/audit/tenants/{tenantID}/profiles/{profileID}", h.HandleProfileAudit)
}

// HandleRotateKey handles POST /admin/tenants/{tenantID}/keys/rotate.
func (h *Handler) HandleRotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	tenantID, err := domain.ParseTenantID(chi.URLParam(r, "tenantID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.keys.Rotate(ctx, tenantID)
	if err != nil {
		h.logger.ErrorContext(ctx, "tenant key rotation request failed",
			"request_id", requestID,
			"tenant_id", tenantID,
			"operator", requestcontext.Caller(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "tenant key rotation requested",
		"request_id", requestID,
		"tenant_id", tenantID,
		"operator", requestcontext.Caller(ctx),
		"to_version", result.ToVersion,
	)
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleDescribeKey handles GET /admin/tenants/{tenantID}/keys.
func (h *Handler) HandleDescribeKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := domain.ParseTenantID(chi.URLParam(r, "tenantID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	key, err := h.keys.Describe(ctx, tenantID)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to describe tenant key",
			"request_id", requestcontext.RequestID(ctx),
			"tenant_id", tenantID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toKeyResponse(key))
}

// HandleTenantAudit handles GET /admin/audit/tenants/{tenantID}.
func (h *Handler) HandleTenantAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := domain.ParseTenantID(chi.URLParam(r, "tenantID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter.TenantID = tenantID

	page, err := h.audit.ByTenant(ctx, filter)
	if err != nil {
		h.logger.WarnContext(ctx, "audit query failed",
			"request_id", requestcontext.RequestID(ctx),
			"tenant_id", tenantID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

// HandleProfileAudit handles GET /admin/audit/tenants/{tenantID}/profiles/{profileID}.
func (h *Handler) HandleProfileAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := domain.ParseTenantID(chi.URLParam(r, "tenantID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	profileID, err := domain.ParseProfileID(chi.URLParam(r, "profileID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	offset, err := intParam(q, "offset")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	page, err := h.audit.ByProfile(ctx, tenantID, profileID, limit, offset)
	if err != nil {
		h.logger.WarnContext(ctx, "audit query failed",
			"request_id", requestcontext.RequestID(ctx),
			"tenant_id", tenantID,
			"profile_id", profileID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func parseFilter(q url.Values) (audit.Filter, error) {
	var f audit.Filter
	var err error
	f.Action = audit.Action(q.Get("action"))
	if f.From, err = timeParam(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(q, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func timeParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeBadRequest, name+" must be an RFC 3339 timestamp")
	}
	return t, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
