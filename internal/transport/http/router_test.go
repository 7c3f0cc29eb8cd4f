package httptransport

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"piivault/internal/transport/mtls"
)

type stubRoutes struct {
	method string
	path   string
}

func (s stubRoutes) Register(r chi.Router) {
	r.MethodFunc(s.method, s.path, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func verified(cn string) *tls.ConnectionState {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: cn}, SerialNumber: big.NewInt(7)}
	return &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{cert},
		VerifiedChains:   [][]*x509.Certificate{{cert}},
	}
}

func newTestRouter(gate bool) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := Routes{
		Logger:       logger,
		Health:       stubRoutes{http.MethodGet, "/health/live"},
		Profiles:     stubRoutes{http.MethodGet, "/profiles/{id}"},
		Admin:        stubRoutes{http.MethodPost, "/admin/ping"},
		Tokens:       stubRoutes{http.MethodPost, "/internal/tokens/access"},
		AdminToken:   "admin-secret",
		AdminCallers: []string{"ops-console"},
		TokenIssuers: []string{"api-backend"},
	}
	if gate {
		rt.Gate = mtls.NewGate([]string{"api-backend", "report-worker", "ops-console"}, mtls.WithLogger(logger))
	}
	return NewRouter(rt)
}

func TestRouterWithGate(t *testing.T) {
	h := newTestRouter(true)

	cases := []struct {
		name       string
		method     string
		path       string
		caller     string
		adminToken string
		want       int
	}{
		{"health needs no certificate", http.MethodGet, "/health/live", "", "", http.StatusNoContent},
		{"profiles without certificate", http.MethodGet, "/profiles/p-1", "", "", http.StatusUnauthorized},
		{"profiles for allowed caller", http.MethodGet, "/profiles/p-1", "report-worker", "", http.StatusNoContent},
		{"unknown caller", http.MethodGet, "/profiles/p-1", "intruder", "", http.StatusForbidden},
		{"issuer mints tokens", http.MethodPost, "/internal/tokens/access", "api-backend", "", http.StatusNoContent},
		{"non-issuer cannot mint tokens", http.MethodPost, "/internal/tokens/access", "report-worker", "", http.StatusForbidden},
		{"admin caller with token", http.MethodPost, "/admin/ping", "ops-console", "admin-secret", http.StatusNoContent},
		{"admin caller without token", http.MethodPost, "/admin/ping", "ops-console", "", http.StatusUnauthorized},
		{"admin token from wrong caller", http.MethodPost, "/admin/ping", "api-backend", "admin-secret", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.caller != "" {
				req.TLS = verified(tc.caller)
			}
			if tc.adminToken != "" {
				req.Header.Set("X-Admin-Token", tc.adminToken)
			}
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestRouterWithoutGate(t *testing.T) {
	h := newTestRouter(false)

	t.Run("token issuance falls back to admin token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/tokens/access", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		req = httptest.NewRequest(http.MethodPost, "/internal/tokens/access", nil)
		req.Header.Set("X-Admin-Token", "admin-secret")
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("profiles reachable without a certificate", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/profiles/p-1", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}
