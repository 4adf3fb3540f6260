// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker stops requests to peers that keep timing out. After
// MaxFailures consecutive timeouts a peer's circuit opens and requests
// fail fast; once ResetTimeout passes, requests are let through again and
// SuccessThreshold replies close the circuit.
package breaker

import (
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCircuitOpen is returned while a peer's circuit is open.
var ErrCircuitOpen = errors.ErrPeerUnreachable

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultSuccessThreshold = 1
	DefaultIdleTimeout      = 10 * time.Minute
	DefaultMaxPeers         = 10000
)

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before requests are
	// let through again.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successes in HalfOpen that closes
	// the circuit.
	SuccessThreshold int
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// OnStateChange, if set, is called synchronously on every transition.
	OnStateChange func(key string, from, to State)
}

func (c *Config) defaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// CircuitBreaker tracks one peer.
type CircuitBreaker struct {
	mu        sync.Mutex
	key       string
	config    Config
	state     State
	failures  int
	successes int
	changed   time.Time
}

// New creates a closed circuit breaker.
func New(key string, config Config) *CircuitBreaker {
	config.defaults()
	return &CircuitBreaker{
		key:     key,
		config:  config,
		state:   StateClosed,
		changed: config.Clock.Now(),
	}
}

// Allow returns ErrCircuitOpen while the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.config.Clock.Since(cb.changed) < cb.config.ResetTimeout {
		return ErrCircuitOpen
	}
	cb.setState(StateHalfOpen)
	return nil
}

// Failure records a request that got no answer.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// Success records a message received from the peer.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState changes the state. cb.mu must be held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.changed = cb.config.Clock.Now()
	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.key, from, to)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}

// Group keeps one breaker per peer. Breakers of peers not heard of for
// the idle timeout are forgotten. A nil *Group allows everything.
type Group struct {
	mu     sync.Mutex
	config Config
	peers  *expirable.LRU[string, *CircuitBreaker]
}

// NewGroup creates a group. maxPeers and idle of 0 select the defaults.
func NewGroup(config Config, maxPeers int, idle time.Duration) *Group {
	config.defaults()
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Group{
		config: config,
		peers:  expirable.NewLRU[string, *CircuitBreaker](maxPeers, nil, idle),
	}
}

func (g *Group) get(key string, create bool) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.peers.Get(key)
	if !ok {
		if !create {
			return nil
		}
		cb = New(key, g.config)
	}
	g.peers.Add(key, cb)
	return cb
}

// Allow returns ErrCircuitOpen if requests to key must fail fast.
func (g *Group) Allow(key string) error {
	if g == nil {
		return nil
	}
	if cb := g.get(key, false); cb != nil {
		return cb.Allow()
	}
	return nil
}

// Failure records an unanswered request to key.
func (g *Group) Failure(key string) {
	if g == nil {
		return
	}
	g.get(key, true).Failure()
}

// Success records a message received from key.
func (g *Group) Success(key string) {
	if g == nil {
		return
	}
	if cb := g.get(key, false); cb != nil {
		cb.Success()
	}
}

// Len returns the number of peers with a breaker.
func (g *Group) Len() int {
	if g == nil {
		return 0
	}
	return g.peers.Len()
}

// Purge forgets every breaker. The LRU's expiry goroutine keeps running;
// expirable has no way to stop it.
func (g *Group) Purge() {
	if g == nil {
		return
	}
	g.peers.Purge()
}

// State returns the state of key's circuit.
func (g *Group) State(key string) State {
	if g == nil {
		return StateClosed
	}
	if cb := g.get(key, false); cb != nil {
		return cb.State()
	}
	return StateClosed
}
