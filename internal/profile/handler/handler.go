package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"piivault/internal/profile/models"
	"piivault/internal/token"
	"piivault/pkg/domain"
	dErrors "piivault/pkg/domain-errors"
	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/httputil"
	"piivault/pkg/platform/middleware/auth"
	"piivault/pkg/requestcontext"
)

// TenantHeader names the tenant the caller believes it is acting for. It
// must agree with the token.
const TenantHeader = "X-Tenant-ID"

// Service defines the profile operations exposed over HTTP.
type Service interface {
	Create(ctx context.Context, access token.AccessContext, req *models.CreateRequest) (*models.CreateResponse, error)
	FindByID(ctx context.Context, access token.AccessContext, id string) (*models.Profile, error)
	Update(ctx context.Context, access token.AccessContext, id string, req *models.UpdateRequest) (*models.UpdateResponse, error)
	BatchGet(ctx context.Context, access token.AccessContext, req *models.BatchRequest) (*models.BatchResponse, error)
	Delete(ctx context.Context, access token.AccessContext, id string) error
}

// Verifier decodes capability tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (token.AccessContext, error)
}

// Auditor records rejected requests.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry)
}

// Handler serves the profile API.
type Handler struct {
	logger   *slog.Logger
	service  Service
	verifier Verifier
	auditor  Auditor
}

// New creates a profile Handler.
func New(service Service, verifier Verifier, auditor Auditor, logger *slog.Logger) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		verifier: verifier,
		auditor:  auditor,
	}
}

// Register registers the profile routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireBearer[token.AccessContext](h.verifier, token.WithAccess, h.auditUnauthenticated, h.logger))
		r.Use(h.requireTenant)
		r.Post("/profiles", h.handleCreate)
		r.Post("/profiles/batch", h.handleBatchGet)
		r.Get("/profiles/{id}", h.handleGet)
		r.Patch("/profiles/{id}", h.handleUpdate)
		r.Delete("/profiles/{id}", h.handleDelete)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	access := h.access(ctx)

	req, err := httputil.DecodeJSON[models.CreateRequest](w, r)
	if err != nil {
		h.writeError(ctx, w, err, "invalid create profile request")
		return
	}
	res, err := h.service.Create(ctx, access, req)
	if err != nil {
		h.writeError(ctx, w, err, "failed to create profile")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profile, err := h.service.FindByID(ctx, h.access(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(ctx, w, err, "failed to read profile")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	access := h.access(ctx)

	req, err := httputil.DecodeJSON[models.UpdateRequest](w, r)
	if err != nil {
		h.writeError(ctx, w, err, "invalid update profile request")
		return
	}
	res, err := h.service.Update(ctx, access, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(ctx, w, err, "failed to update profile")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.Delete(ctx, h.access(ctx), chi.URLParam(r, "id")); err != nil {
		h.writeError(ctx, w, err, "failed to delete profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	access := h.access(ctx)

	req, err := httputil.DecodeJSON[models.BatchRequest](w, r)
	if err != nil {
		h.writeError(ctx, w, err, "invalid batch request")
		return
	}
	res, err := h.service.BatchGet(ctx, access, req)
	if err != nil {
		h.writeError(ctx, w, err, "failed to read profile batch")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// access returns the verified token. RequireBearer guarantees its presence.
func (h *Handler) access(ctx context.Context) token.AccessContext {
	access, _ := token.AccessFromContext(ctx)
	return access
}

// requireTenant checks the tenant header against the token's tenant.
func (h *Handler) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		raw := r.Header.Get(TenantHeader)
		if strings.TrimSpace(raw) == "" {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, TenantHeader+" header required"))
			return
		}
		tenantID, err := domain.ParseTenantID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		access, ok := token.AccessFromContext(ctx)
		if !ok {
			h.logger.ErrorContext(ctx, "access context missing despite auth middleware",
				"request_id", requestcontext.RequestID(ctx),
			)
			httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
			return
		}
		if access.Tenant() != tenantID {
			h.logger.WarnContext(ctx, "tenant header does not match token",
				"header_tenant_id", tenantID,
				"token_tenant_id", access.Tenant(),
				"request_id", requestcontext.RequestID(ctx),
			)
			h.auditor.Log(ctx, audit.Entry{
				TenantID:       access.Tenant(),
				ProfileID:      profileIDOf(r),
				OperatorID:     access.Operator(),
				Action:         actionOf(r),
				FieldsAccessed: []string{},
				JWTJTI:         access.TokenID(),
				Metadata: map[string]any{
					audit.MetadataOutcome: audit.OutcomeForbidden,
					"reason":              "tenant header mismatch",
					"headerTenantId":      string(tenantID),
				},
			})
			httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "access denied"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditUnauthenticated records a request rejected for a missing or invalid
// token. Nothing about the caller is verified, so only transport facts and
// the claimed tenant are kept.
func (h *Handler) auditUnauthenticated(ctx context.Context, r *http.Request, reason string) {
	tenantID, _ := domain.ParseTenantID(r.Header.Get(TenantHeader))
	operator := requestcontext.Caller(ctx)
	if operator == "" {
		operator = "anonymous"
	}
	h.auditor.Log(ctx, audit.Entry{
		TenantID:       tenantID,
		ProfileID:      profileIDOf(r),
		OperatorID:     operator,
		Action:         actionOf(r),
		FieldsAccessed: []string{},
		Metadata: map[string]any{
			audit.MetadataOutcome: audit.OutcomeUnauthenticated,
			"reason":              reason,
		},
	})
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeIntegrity, dErrors.CodeUnavailable:
		h.logger.ErrorContext(ctx, msg,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	default:
		h.logger.WarnContext(ctx, msg,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteError(w, err)
}

func profileIDOf(r *http.Request) string {
	if id := chi.URLParam(r, "id"); id != "" {
		return id
	}
	if strings.HasSuffix(r.URL.Path, "/batch") {
		return audit.ProfileBatch
	}
	return ""
}

func actionOf(r *http.Request) audit.Action {
	switch {
	case strings.HasSuffix(r.URL.Path, "/batch"):
		return audit.ActionBatchRead
	case r.Method == http.MethodPost:
		return audit.ActionCreate
	case r.Method == http.MethodPatch:
		return audit.ActionUpdate
	case r.Method == http.MethodDelete:
		return audit.ActionDelete
	default:
		return audit.ActionRead
	}
}
