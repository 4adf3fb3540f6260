// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reliability retransmits confirmable messages with binary
// exponential backoff until they are acknowledged, reset or time out.
package reliability

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/exchange"
	"github.com/benbjohnson/clock"
)

// Transmission parameters defaults.
const (
	DefaultAckTimeout    = 2 * time.Second
	DefaultRandomFactor  = 1.5
	DefaultMaxRetransmit = 4
)

// SendFunc writes a serialized message of an exchange to its peer.
type SendFunc func(h *exchange.Handle, data []byte) error

// Config holds the transmission parameters and hooks of an Engine.
type Config struct {
	AckTimeout    time.Duration
	RandomFactor  float64
	MaxRetransmit int

	Clock  clock.Clock
	Logger *slog.Logger

	// Send writes retransmissions. Required.
	Send SendFunc
	// OnTimeout is called once for every exchange that exhausts its
	// retransmissions, one doubled timeout after the last one was sent:
	// 62s after the first transmission with the default parameters.
	OnTimeout func(h *exchange.Handle)
	// OnRetransmit is called after every retransmission.
	OnRetransmit func(h *exchange.Handle, attempt int)
}

// MaxTransmitSpan is the time from the first transmission of a CON
// message to its last retransmission.
func (c Config) MaxTransmitSpan() time.Duration {
	return time.Duration(float64(c.AckTimeout) * float64(int(1)<<c.MaxRetransmit-1) * c.RandomFactor)
}

// MaxTransmitWait is the time from the first transmission of a CON
// message to the moment the sender gives up.
func (c Config) MaxTransmitWait() time.Duration {
	return time.Duration(float64(c.AckTimeout) * float64(int(1)<<(c.MaxRetransmit+1)-1) * c.RandomFactor)
}

// Engine owns one retransmission timer per confirmable exchange.
type Engine struct {
	cfg      Config
	registry *exchange.Registry

	mu     sync.Mutex
	timers map[*exchange.Handle]*clock.Timer
	closed bool

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates an engine for exchanges of registry. Zero parameters take
// their defaults, so at least one retransmission is always sent.
func New(registry *exchange.Registry, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("reliability: nil registry")
	}
	if cfg.Send == nil {
		return nil, fmt.Errorf("reliability: nil send function")
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.RandomFactor == 0 {
		cfg.RandomFactor = DefaultRandomFactor
	}
	if cfg.RandomFactor < 1 {
		return nil, fmt.Errorf("reliability: random factor %v below 1", cfg.RandomFactor)
	}
	if cfg.MaxRetransmit == 0 {
		cfg.MaxRetransmit = DefaultMaxRetransmit
	}
	if cfg.MaxRetransmit < 0 {
		return nil, fmt.Errorf("reliability: negative max retransmit %d", cfg.MaxRetransmit)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnTimeout == nil {
		cfg.OnTimeout = func(*exchange.Handle) {}
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		timers:   make(map[*exchange.Handle]*clock.Timer),
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Start arms the first retransmission timer of h. data is the serialized
// message already sent once by the caller.
func (e *Engine) Start(h *exchange.Handle, data []byte) error {
	timeout := e.initialTimeout()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.ErrClosed
	}
	if _, ok := e.timers[h]; ok {
		return fmt.Errorf("reliability: exchange %s already started", h)
	}
	e.registry.Schedule(h, e.cfg.Clock.Now().Add(timeout))
	e.timers[h] = e.cfg.Clock.AfterFunc(timeout, func() { e.fire(h, data, timeout) })
	return nil
}

// Stop cancels the timer of h. It is safe to call concurrently with a
// firing timer and for exchanges that were never started.
func (e *Engine) Stop(h *exchange.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[h]; ok {
		t.Stop()
		delete(e.timers, h)
	}
}

// Pending returns the number of exchanges with an armed timer.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Close stops all timers. Started exchanges stay in the registry.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for h, t := range e.timers {
		t.Stop()
		delete(e.timers, h)
	}
}

func (e *Engine) fire(h *exchange.Handle, data []byte, timeout time.Duration) {
	if !e.active(h) {
		return
	}

	next := 2 * timeout
	attempt, expired, ok := e.registry.Retransmit(h, e.cfg.MaxRetransmit, e.cfg.Clock.Now().Add(next))
	switch {
	case !ok:
		e.Stop(h)
		return
	case expired:
		e.Stop(h)
		e.cfg.Logger.Info("exchange timed out",
			slog.String("remote", h.Remote().String()),
			slog.Int("mid", int(h.MessageID())),
			slog.Int("retransmissions", attempt))
		e.cfg.OnTimeout(h)
		return
	}

	// Arm the next timer before writing so a fast ACK can stop it.
	e.mu.Lock()
	if _, ok := e.timers[h]; !ok || e.closed {
		e.mu.Unlock()
		return
	}
	e.timers[h] = e.cfg.Clock.AfterFunc(next, func() { e.fire(h, data, next) })
	e.mu.Unlock()

	if err := e.cfg.Send(h, data); err != nil {
		e.cfg.Logger.Warn("retransmission failed",
			slog.String("remote", h.Remote().String()),
			slog.Int("mid", int(h.MessageID())),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	if e.cfg.OnRetransmit != nil {
		e.cfg.OnRetransmit(h, attempt)
	}
	e.cfg.Logger.Debug("retransmitted",
		slog.String("remote", h.Remote().String()),
		slog.Int("mid", int(h.MessageID())),
		slog.Int("attempt", attempt),
		slog.Duration("next", next))
}

func (e *Engine) active(h *exchange.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[h]
	return ok && !e.closed
}

// initialTimeout draws uniformly from [AckTimeout, AckTimeout*RandomFactor].
func (e *Engine) initialTimeout() time.Duration {
	if e.cfg.RandomFactor == 1 {
		return e.cfg.AckTimeout
	}
	e.rndMu.Lock()
	f := e.rnd.Float64()
	e.rndMu.Unlock()
	return time.Duration(float64(e.cfg.AckTimeout) * (1 + f*(e.cfg.RandomFactor-1)))
}
