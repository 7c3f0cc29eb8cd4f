package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := New("127.0.0.1:0", http.NotFoundHandler(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, srv, time.Second, discard()) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunReportsListenError(t *testing.T) {
	srv := New("127.0.0.1:-1", http.NotFoundHandler(), nil)

	err := Run(context.Background(), srv, time.Second, discard())
	require.Error(t, err)
}

func TestNewSetsTimeouts(t *testing.T) {
	srv := New(":8080", http.NotFoundHandler(), nil)

	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
	assert.Nil(t, srv.TLSConfig)
}
