// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package exchange tracks the outbound messages awaiting an acknowledgement,
// reset or response, and the message ID space of each peer.
package exchange

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/message"
)

// State is the lifecycle state of an exchange.
type State uint8

const (
	// Pending exchanges wait for an ACK, RST or response.
	Pending State = iota
	// Acknowledged requests got an empty ACK and wait for a separate response.
	Acknowledged
	// Resolved exchanges completed normally or were reset.
	Resolved
	// TimedOut exchanges exhausted their retransmissions or their lifetime.
	TimedOut
	// Canceled exchanges were removed by their owner.
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acknowledged:
		return "acknowledged"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed-out"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Open reports whether the exchange can still transition.
func (s State) Open() bool {
	return s == Pending || s == Acknowledged
}

// Handle is the caller's reference to a registered exchange. All fields
// are owned by the Registry; accessors are safe for concurrent use.
type Handle struct {
	mu       sync.Mutex
	msg      *message.Message
	remote   net.Addr
	key      string
	value    any
	state    State
	attempts int
	next     time.Time

	// token bookkeeping
	hasToken  bool
	issued    bool
	retain    bool
	tokenHeld bool

	midOpen   bool
	tokenOpen bool
}

// Message returns the registered message with its message ID and token
// assigned. The caller must not modify it.
func (h *Handle) Message() *message.Message {
	return h.msg
}

// MessageID returns the message ID allocated for the exchange.
func (h *Handle) MessageID() uint16 {
	return h.msg.MessageID
}

// Token returns the request token and whether the exchange has one.
func (h *Handle) Token() (message.Token, bool) {
	return h.msg.Token, h.hasToken
}

// Remote returns the peer address.
func (h *Handle) Remote() net.Addr {
	return h.remote
}

// Value returns the value attached with WithValue.
func (h *Handle) Value() any {
	return h.value
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempts returns the number of retransmissions sent so far.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// NextTransmission returns the time the next retransmission is due, or the
// zero time if none is scheduled.
func (h *Handle) NextTransmission() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

func (h *Handle) String() string {
	tok := ""
	if h.hasToken {
		tok = " token=" + h.msg.Token.String()
	}
	return fmt.Sprintf("%s mid=%d%s %s", h.key, h.msg.MessageID, tok, h.State())
}

// Option configures a registration.
type Option func(*Handle)

// WithToken makes the exchange use tok instead of issuing one. The token
// stays owned by the caller and is never released by the registry.
func WithToken(tok message.Token) Option {
	return func(h *Handle) {
		h.msg.Token = tok
		h.hasToken = true
	}
}

// RetainToken keeps an issued token in use after a successful response.
// The caller releases it with Registry.ReleaseToken.
func RetainToken() Option {
	return func(h *Handle) {
		h.retain = true
	}
}

// WithValue attaches caller data to the exchange.
func WithValue(v any) Option {
	return func(h *Handle) {
		h.value = v
	}
}
