package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "piivault/pkg/domain-errors"
	"piivault/pkg/platform/httputil"
	"piivault/pkg/requestcontext"
)

// RequireAdminToken guards operator endpoints with a shared X-Admin-Token.
// An empty expected token disables the surface entirely.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"caller", requestcontext.Caller(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
