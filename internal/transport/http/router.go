package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"piivault/internal/transport/mtls"
	"piivault/pkg/platform/middleware/admin"
	"piivault/pkg/platform/middleware/metadata"
	"piivault/pkg/platform/middleware/requesttime"
)

// Registrar mounts a group of routes.
type Registrar interface {
	Register(r chi.Router)
}

// Routes holds everything the router mounts. Gate is nil when mTLS is off.
type Routes struct {
	Logger   *slog.Logger
	Gate     *mtls.Gate
	Health   Registrar
	Profiles Registrar
	Admin    Registrar
	Tokens   Registrar

	AdminToken string
	// AdminCallers, when set under mTLS, narrows the admin surface to these
	// certificate identities on top of the admin token.
	AdminCallers []string
	// TokenIssuers may call internal issuance under mTLS. Without mTLS the
	// issuance routes fall back to the admin token.
	TokenIssuers []string
}

// NewRouter wires every endpoint behind the shared middleware chain.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(metadata.AccessLog(rt.Logger))
	r.Use(chimw.Recoverer)
	r.Use(requesttime.Middleware)
	if rt.Gate != nil {
		r.Use(rt.Gate.Middleware)
	}

	rt.Health.Register(r)
	rt.Profiles.Register(r)

	r.Group(func(r chi.Router) {
		if rt.Gate != nil && len(rt.AdminCallers) > 0 {
			r.Use(mtls.RequireCaller(rt.AdminCallers, rt.Logger))
		}
		r.Use(admin.RequireAdminToken(rt.AdminToken, rt.Logger))
		rt.Admin.Register(r)
	})

	r.Group(func(r chi.Router) {
		if rt.Gate != nil {
			r.Use(mtls.RequireCaller(rt.TokenIssuers, rt.Logger))
		} else {
			r.Use(admin.RequireAdminToken(rt.AdminToken, rt.Logger))
		}
		rt.Tokens.Register(r)
	})
	return r
}
