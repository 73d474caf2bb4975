// Package circuitbreaker fails calls fast after repeated upstream failures.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/agentcourt/internal/clock"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State of a single key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per key. After threshold failures a key
// opens for cooldown; the first call after that is a probe whose outcome
// closes or reopens the circuit.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	onChange  func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and 30s.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.Real(),
	}
}

// WithClock replaces the breaker clock.
func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.clock = c
	return b
}

// OnChange registers a callback run synchronously on every state change.
func (b *Breaker) OnChange(fn func(key string, from, to State)) *Breaker {
	b.onChange = fn
	return b
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already in flight.
		return false
	default:
		return true
	}
}

// Success resets the key's failure count and closes a half-open circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.setState(key, c, StateClosed)
}

// Failure counts a failed call, opening the circuit at the threshold or
// immediately when a probe fails.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.clock.Now()
		b.setState(key, c, StateOpen)
	}
}

// State returns the key's current state.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Do runs fn under the breaker. fn reports whether its error counts as an
// upstream failure; errors it classifies as the caller's fault leave the
// circuit alone.
func (b *Breaker) Do(key string, fn func() (upstreamFailure bool, err error)) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	failed, err := fn()
	if failed {
		b.Failure(key)
	} else {
		b.Success(key)
	}
	return err
}

// caller holds b.mu
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}
