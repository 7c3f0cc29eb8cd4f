// Package health serves liveness and readiness probes.
package health

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"piivault/internal/crypto/envelope"
	"piivault/pkg/platform/httputil"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	checks  []check
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Handler)

// WithCheck adds a named readiness check. Checks run concurrently.
func WithCheck(name string, fn CheckFunc) Option {
	return func(h *Handler) {
		if fn != nil {
			h.checks = append(h.checks, check{name: name, fn: fn})
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{timeout: DefaultCheckTimeout, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the probe endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health/live", h.HandleLive)
	r.Get("/health/ready", h.HandleReady)
}

// Response is the readiness body.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HandleLive reports that the process is serving.
func (h *Handler) HandleLive(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, Response{Status: statusOK})
}

// HandleReady runs every check and answers 503 if any fails.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results := make([]string, len(h.checks))

	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			if err := c.fn(checkCtx); err != nil {
				h.logger.WarnContext(ctx, "readiness check failed",
					"check", c.name,
					"error", err,
				)
				results[i] = statusFail
				return nil
			}
			results[i] = statusOK
			return nil
		})
	}
	_ = g.Wait()

	resp := Response{Status: statusOK, Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for i, c := range h.checks {
		resp.Checks[c.name] = results[i]
		if results[i] != statusOK {
			resp.Status = statusFail
			status = http.StatusServiceUnavailable
		}
	}
	httputil.WriteJSON(w, status, resp)
}

// Wrapper is the master key surface exercised by CryptoCheck.
type Wrapper interface {
	Wrap(dek []byte) ([]byte, error)
	Unwrap(wrapped []byte) ([]byte, error)
}

var errRoundTrip = errors.New("master key round trip returned different key")

// CryptoCheck wraps and unwraps a throwaway key under the master key.
func CryptoCheck(w Wrapper) CheckFunc {
	return func(context.Context) error {
		key, err := envelope.NewKey()
		if err != nil {
			return err
		}
		defer envelope.Zero(key)
		wrapped, err := w.Wrap(key)
		if err != nil {
			return err
		}
		unwrapped, err := w.Unwrap(wrapped)
		if err != nil {
			return err
		}
		defer envelope.Zero(unwrapped)
		if !bytes.Equal(key, unwrapped) {
			return errRoundTrip
		}
		return nil
	}
}
