package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("audit-stream",
		WithFailureThreshold(threshold),
		WithCooldown(10*time.Second),
		WithClock(clock.now),
	)
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3)

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.Equal(t, "audit-stream", b.Name())
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	assert.False(t, b.RecordFailure().Opened)
	assert.False(t, b.RecordFailure().Opened)
	assert.True(t, b.RecordFailure().Opened)

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
}

func TestProbeAfterCooldown(t *testing.T) {
	t.Run("successful probe closes", func(t *testing.T) {
		b, clock := newTestBreaker(1)
		b.RecordFailure()

		clock.advance(9 * time.Second)
		require.False(t, b.Allow())

		clock.advance(time.Second)
		require.True(t, b.Allow())
		assert.Equal(t, StateHalfOpen, b.State())
		assert.False(t, b.Allow(), "only one probe at a time")

		assert.True(t, b.RecordSuccess().Closed)
		assert.True(t, b.Allow())
	})

	t.Run("failed probe reopens for another cooldown", func(t *testing.T) {
		b, clock := newTestBreaker(1)
		b.RecordFailure()
		clock.advance(10 * time.Second)
		require.True(t, b.Allow())

		change := b.RecordFailure()

		assert.False(t, change.Opened)
		assert.Equal(t, StateOpen, b.State())
		assert.False(t, b.Allow())
		clock.advance(10 * time.Second)
		assert.True(t, b.Allow())
	})
}
