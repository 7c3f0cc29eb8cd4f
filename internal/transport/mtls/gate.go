package mtls

import (
	"log/slog"
	"net/http"
	"strings"

	dErrors "piivault/pkg/domain-errors"
	"piivault/pkg/platform/httputil"
	"piivault/pkg/requestcontext"
)

// DefaultExemptPrefix keeps orchestration probes reachable without a client
// certificate.
const DefaultExemptPrefix = "/health/"

// Gate enforces the caller allow-list on every request except exempt paths.
type Gate struct {
	allowed AllowList
	exempt  []string
	logger  *slog.Logger
	metrics *Metrics
}

type GateOption func(*Gate)

func WithExemptPrefixes(prefixes ...string) GateOption {
	return func(g *Gate) {
		g.exempt = prefixes
	}
}

func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithMetrics(m *Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

func NewGate(allowed []string, opts ...GateOption) *Gate {
	g := &Gate{
		allowed: NewAllowList(allowed),
		exempt:  []string{DefaultExemptPrefix},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware rejects non-TLS requests and unverified or unknown callers. The
// accepted caller's common name is stored with requestcontext.WithCaller.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		id, err := IdentityFromTLS(r.TLS)
		if err != nil {
			g.logger.WarnContext(ctx, "transport identity rejected",
				"reason", err.Error(),
				"path", r.URL.Path,
				"client_ip", requestcontext.ClientIP(ctx),
				"request_id", requestcontext.RequestID(ctx),
			)
			g.metrics.IncRejected("unauthenticated")
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "client certificate required"))
			return
		}
		if !g.allowed.Allows(id.CommonName) {
			g.logger.WarnContext(ctx, "transport caller not allowed",
				"caller", id.CommonName,
				"serial", id.SerialNumber,
				"path", r.URL.Path,
				"request_id", requestcontext.RequestID(ctx),
			)
			g.metrics.IncRejected("not_allowed")
			httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "caller not allowed"))
			return
		}

		g.metrics.IncAccepted(id.CommonName)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithCaller(ctx, id.CommonName)))
	})
}

func (g *Gate) isExempt(path string) bool {
	for _, prefix := range g.exempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RequireCaller narrows a route group to a subset of gate-accepted callers.
// It must run behind Gate.Middleware.
func RequireCaller(allowed []string, logger *slog.Logger) func(http.Handler) http.Handler {
	list := NewAllowList(allowed)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			caller := requestcontext.Caller(ctx)
			if caller == "" {
				logger.ErrorContext(ctx, "caller identity missing behind transport gate",
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.Wrap(ErrCallerUnavailable, dErrors.CodeUnauthorized, "client certificate required"))
				return
			}
			if !list.Allows(caller) {
				logger.WarnContext(ctx, "caller not permitted for route",
					"caller", caller,
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.Wrap(ErrCallerNotAllowed, dErrors.CodeForbidden, "caller not allowed"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
