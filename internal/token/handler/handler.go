package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"piivault/internal/token"
	"piivault/pkg/platform/httputil"
	"piivault/pkg/requestcontext"
)

// Issuer mints capability tokens.
type Issuer interface {
	IssueUserAccessToken(ctx context.Context, req token.UserTokenRequest) (*token.IssuedToken, error)
	IssueServiceToken(ctx context.Context, req token.ServiceTokenRequest) (*token.IssuedToken, error)
}

// Handler serves internal token issuance for trusted backends.
type Handler struct {
	issuer Issuer
	logger *slog.Logger
}

func New(issuer Issuer, logger *slog.Logger) *Handler {
	return &Handler{issuer: issuer, logger: logger}
}

// Register mounts issuance endpoints. Callers must already be restricted to
// trusted identities by the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/internal/tokens/access", h.HandleIssueAccess)
	r.Post("/internal/tokens/service", h.HandleIssueService)
}

// HandleIssueAccess handles POST /internal/tokens/access.
func (h *Handler) HandleIssueAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[token.UserTokenRequest](w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	issued, err := h.issuer.IssueUserAccessToken(ctx, *req)
	if err != nil {
		h.logger.WarnContext(ctx, "user access token refused",
			"request_id", requestcontext.RequestID(ctx),
			"caller", requestcontext.Caller(ctx),
			"tenant_id", req.TenantID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "user access token issued",
		"request_id", requestcontext.RequestID(ctx),
		"caller", requestcontext.Caller(ctx),
		"tenant_id", req.TenantID,
		"jti", issued.JTI,
	)
	httputil.WriteJSON(w, http.StatusCreated, issued)
}

// HandleIssueService handles POST /internal/tokens/service.
func (h *Handler) HandleIssueService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[token.ServiceTokenRequest](w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	issued, err := h.issuer.IssueServiceToken(ctx, *req)
	if err != nil {
		h.logger.WarnContext(ctx, "service token refused",
			"request_id", requestcontext.RequestID(ctx),
			"caller", requestcontext.Caller(ctx),
			"tenant_id", req.TenantID,
			"job_id", req.JobID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "service token issued",
		"request_id", requestcontext.RequestID(ctx),
		"caller", requestcontext.Caller(ctx),
		"tenant_id", req.TenantID,
		"job_id", req.JobID,
		"jti", issued.JTI,
	)
	httputil.WriteJSON(w, http.StatusCreated, issued)
}
