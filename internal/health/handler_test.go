package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piivault/internal/keys/master"
)

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLiveIgnoresChecks(t *testing.T) {
	h := New(discard(), WithCheck("db", func(context.Context) error { return errors.New("down") }))
	rec, resp := serve(t, h, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)
}

func TestReady(t *testing.T) {
	provider, err := master.Ephemeral()
	require.NoError(t, err)

	t.Run("all checks pass", func(t *testing.T) {
		h := New(discard(),
			WithCheck("profile_db", func(context.Context) error { return nil }),
			WithCheck("crypto", CryptoCheck(provider)),
		)
		rec, resp := serve(t, h, "/health/ready")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]string{"profile_db": "ok", "crypto": "ok"}, resp.Checks)
	})

	t.Run("one failing check fails readiness", func(t *testing.T) {
		h := New(discard(),
			WithCheck("profile_db", func(context.Context) error { return nil }),
			WithCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
		)
		rec, resp := serve(t, h, "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "fail", resp.Status)
		assert.Equal(t, "ok", resp.Checks["profile_db"])
		assert.Equal(t, "fail", resp.Checks["redis"])
	})

	t.Run("slow check times out", func(t *testing.T) {
		h := New(discard(),
			WithTimeout(10*time.Millisecond),
			WithCheck("audit_db", func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}),
		)
		rec, _ := serve(t, h, "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

type brokenWrapper struct{}

func (brokenWrapper) Wrap(dek []byte) ([]byte, error)       { return append([]byte(nil), dek...), nil }
func (brokenWrapper) Unwrap(wrapped []byte) ([]byte, error) { return make([]byte, len(wrapped)), nil }

func TestCryptoCheckDetectsMismatch(t *testing.T) {
	err := CryptoCheck(brokenWrapper{})(context.Background())
	assert.ErrorIs(t, err, errRoundTrip)
}
