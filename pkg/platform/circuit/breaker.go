// Package circuit guards a best-effort downstream. While open, calls are
// refused without touching the downstream; after a cooldown one probe call is
// let through and its outcome decides whether the circuit closes.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that were refused by an open circuit.
var ErrOpen = errors.New("circuit open")

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Transition reports a state change caused by a single Record call.
type Transition struct {
	Opened bool
	Closed bool
}

// Breaker opens after a run of consecutive failures.
type Breaker struct {
	mu        sync.Mutex
	name      string
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	now       func() time.Time
}

type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before a probe.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New returns a closed breaker. Defaults: 5 failures, 30s cooldown.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		state:     StateClosed,
		threshold: 5,
		cooldown:  30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. Once the cooldown has elapsed an
// open circuit admits exactly one probe until that probe is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordFailure counts a failed call. A failed probe reopens the circuit for
// another cooldown without reporting a new transition.
func (b *Breaker) RecordFailure() Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.trip()
		return Transition{}
	case StateOpen:
		return Transition{}
	}
	b.failures++
	if b.failures < b.threshold {
		return Transition{}
	}
	b.trip()
	return Transition{Opened: true}
}

// RecordSuccess counts a successful call; a successful probe closes the
// circuit.
func (b *Breaker) RecordSuccess() Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateClosed {
		return Transition{}
	}
	b.state = StateClosed
	b.probing = false
	return Transition{Closed: true}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.failures = 0
	b.probing = false
	b.openedAt = b.now()
}
