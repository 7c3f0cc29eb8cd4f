// Package auth provides bearer-token middleware independent of the token
// format. The verifier decides validity; the middleware only extracts the
// credential, rejects uniformly and attaches the result to the context.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "piivault/pkg/domain-errors"
	"piivault/pkg/platform/httputil"
	"piivault/pkg/requestcontext"
)

// Verifier validates a raw bearer credential.
type Verifier[A any] interface {
	Verify(ctx context.Context, raw string) (A, error)
}

// AttachFunc stores verified access in the request context.
type AttachFunc[A any] func(ctx context.Context, access A) context.Context

// RejectFunc observes a rejected request, e.g. to audit it. reason is for
// internal use only and never reaches the client.
type RejectFunc func(ctx context.Context, r *http.Request, reason string)

var errUnauthenticated = dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")

// RequireBearer rejects requests without a valid "Authorization: Bearer"
// credential. Missing, malformed and invalid credentials get the same 401.
func RequireBearer[A any](verifier Verifier[A], attach AttachFunc[A], onReject RejectFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				reject(w, r, onReject, logger, "missing or malformed authorization header")
				return
			}

			access, err := verifier.Verify(ctx, raw)
			if err != nil {
				reject(w, r, onReject, logger, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(attach(ctx, access)))
		})
	}
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func reject(w http.ResponseWriter, r *http.Request, onReject RejectFunc, logger *slog.Logger, reason string) {
	ctx := r.Context()
	logger.WarnContext(ctx, "unauthorized access",
		"reason", reason,
		"path", r.URL.Path,
		"request_id", requestcontext.RequestID(ctx),
	)
	if onReject != nil {
		onReject(ctx, r, reason)
	}
	httputil.WriteError(w, errUnauthenticated)
}
