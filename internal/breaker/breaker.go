// Package breaker implements the circuit breaker guarding external
// dependencies (Stripe, email, export adapters). Closed trips open after N
// consecutive failures; open cools down and then half-opens; K successful
// probes close it again, and any half-open failure reopens it.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rowanhq/brightside/internal/clock"
)

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// ProbeSuccesses is the number of half-open successes required to close.
	ProbeSuccesses int
}

// DefaultConfig matches the delivery pipeline defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
	ProbeSuccesses:   2,
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	clk  clock.Clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(name string, cfg Config, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = DefaultConfig.ProbeSuccesses
	}
	return &Breaker{name: name, cfg: cfg, clk: clk}
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state, applying the open -> half-open transition
// when the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. Returns ErrOpen while open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == Open {
		return ErrOpen
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	default:
		b.failures = 0
	}
}

// Failure records a failed call, tripping or reopening as needed.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// Do runs fn under the breaker, recording its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.clk.Now()
	b.failures = 0
	b.successes = 0
}

// caller holds b.mu
func (b *Breaker) maybeHalfOpen() {
	if b.state == Open && b.clk.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.successes = 0
	}
}
