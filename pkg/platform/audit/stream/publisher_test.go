package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/circuit"
)

func TestNewRequiresBrokersAndTopic(t *testing.T) {
	_, err := New(Config{Topic: "pii-audit"})
	assert.Error(t, err)

	_, err = New(Config{Brokers: []string{"127.0.0.1:1"}})
	assert.Error(t, err)
}

func TestPublishRefusedWhileCircuitOpen(t *testing.T) {
	breaker := circuit.New("audit-stream", circuit.WithFailureThreshold(1), circuit.WithCooldown(time.Hour))
	breaker.RecordFailure()

	// The client dials lazily, so an unreachable seed broker is never contacted.
	pub, err := New(Config{Brokers: []string{"127.0.0.1:1"}, Topic: "pii-audit"}, WithBreaker(breaker))
	require.NoError(t, err)
	defer pub.Close()

	err = pub.Publish(context.Background(), audit.Entry{TenantID: "tenant-a", Action: audit.ActionRead})

	assert.True(t, errors.Is(err, circuit.ErrOpen))
	assert.False(t, pub.Healthy())
}
