// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/token"
)

const midSpace = 1 << 16

type midKey struct {
	remote string
	mid    uint16
}

type tokenKey struct {
	remote string
	token  message.Token
}

// Registry holds the open exchanges keyed by (remote, message ID) and, for
// requests, by (remote, token). Lock order is Registry then Handle.
type Registry struct {
	mu      sync.Mutex
	byMID   map[midKey]*Handle
	byToken map[tokenKey]*Handle
	nextMID map[string]uint16
	tokens  *token.Factory
	logger  *slog.Logger
}

// NewRegistry creates a registry issuing request tokens from tokens. A nil
// factory is replaced by one issuing tokens of the default length.
func NewRegistry(tokens *token.Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens, _ = token.NewFactory(token.DefaultLength, logger)
	}
	return &Registry{
		byMID:   make(map[midKey]*Handle),
		byToken: make(map[tokenKey]*Handle),
		nextMID: make(map[string]uint16),
		tokens:  tokens,
		logger:  logger,
	}
}

// Register opens an exchange for a CON or NON message sent to remote. The
// message is copied; the copy gets a fresh message ID and, for requests,
// a token.
func (r *Registry) Register(msg *message.Message, remote net.Addr, opts ...Option) (*Handle, error) {
	if msg == nil || remote == nil {
		return nil, fmt.Errorf("%w: nil message or remote", errors.ErrEncode)
	}
	if msg.Type != message.Confirmable && msg.Type != message.NonConfirmable {
		return nil, fmt.Errorf("%w: only CON and NON messages open exchanges, got %s", errors.ErrEncode, msg.Type)
	}

	h := &Handle{
		msg:    msg.Clone(),
		remote: remote,
		key:    remote.String(),
		state:  Pending,
	}
	for _, opt := range opts {
		opt(h)
	}
	isRequest := h.msg.IsRequest()
	if !isRequest {
		// Responses and notifications keep the token they answer.
		h.hasToken = false
		h.retain = false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mid, err := r.allocateMID(h.key)
	if err != nil {
		return nil, errors.New("register", h.key, 0, "", err)
	}
	h.msg.MessageID = mid

	if isRequest {
		if h.hasToken {
			if _, taken := r.byToken[tokenKey{h.key, h.msg.Token}]; taken {
				return nil, errors.New("register", h.key, mid, h.msg.Token.String(), errors.ErrTokenInUse)
			}
		} else {
			tok, err := r.tokens.Issue()
			if err != nil {
				return nil, errors.New("register", h.key, mid, "", err)
			}
			h.msg.Token = tok
			h.hasToken = true
			h.issued = true
			h.tokenHeld = true
		}
		r.byToken[tokenKey{h.key, h.msg.Token}] = h
		h.tokenOpen = true
	}
	r.byMID[midKey{h.key, mid}] = h
	h.midOpen = true

	r.logger.Debug("exchange registered",
		slog.String("remote", h.key),
		slog.Int("mid", int(mid)),
		slog.String("type", h.msg.Type.String()))
	return h, nil
}

// NextMessageID returns a message ID for a message sent to remote outside
// any exchange, such as an empty ACK, a RST or an unmanaged NON.
func (r *Registry) NextMessageID(remote net.Addr) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateMID(remote.String())
}

// allocateMID walks the peer's message ID space from where it left off,
// starting at a random point, and skips IDs held by open exchanges.
func (r *Registry) allocateMID(key string) (uint16, error) {
	mid, ok := r.nextMID[key]
	if !ok {
		mid = uint16(rand.IntN(midSpace))
	}
	for i := 0; i < midSpace; i++ {
		if _, taken := r.byMID[midKey{key, mid}]; !taken {
			r.nextMID[key] = mid + 1
			return mid, nil
		}
		mid++
	}
	return 0, fmt.Errorf("%w: all %d message IDs open", errors.ErrResourceExhausted, midSpace)
}

// MatchAck resolves the exchange with message ID mid by an ACK from
// remote. A request moves to Acknowledged and stays matchable by token.
func (r *Registry) MatchAck(remote net.Addr, mid uint16) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byMID[midKey{remote.String(), mid}]
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Pending {
		return nil, false
	}
	r.dropMID(h)
	h.next = time.Time{}
	if h.tokenOpen {
		h.state = Acknowledged
		return h, true
	}
	h.state = Resolved
	return h, true
}

// MatchReset resolves the exchange with message ID mid by a RST from remote.
func (r *Registry) MatchReset(remote net.Addr, mid uint16) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byMID[midKey{remote.String(), mid}]
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.state.Open() {
		return nil, false
	}
	r.close(h, Resolved, true)
	return h, true
}

// MatchResponse resolves the request sent to remote with tok. The token
// is released unless it was retained or supplied by the caller.
func (r *Registry) MatchResponse(remote net.Addr, tok message.Token) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byToken[tokenKey{remote.String(), tok}]
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.state.Open() {
		return nil, false
	}
	r.close(h, Resolved, !h.retain)
	return h, true
}

// Lookup returns the open request sent to remote with tok without
// changing its state.
func (r *Registry) Lookup(remote net.Addr, tok message.Token) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byToken[tokenKey{remote.String(), tok}]
	return h, ok
}

// Cancel removes an open exchange. It returns false if the exchange had
// already completed.
func (r *Registry) Cancel(h *Handle) bool {
	return r.finish(h, Canceled)
}

// Expire times out an open exchange, for example one whose lifetime
// elapsed while waiting for a separate response.
func (r *Registry) Expire(h *Handle) bool {
	return r.finish(h, TimedOut)
}

func (r *Registry) finish(h *Handle, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.state.Open() {
		return false
	}
	r.close(h, to, true)
	return true
}

// Retransmit accounts one retransmission of a pending exchange. Once max
// retransmissions were sent the exchange moves to TimedOut and expired is
// true. ok is false if the exchange is no longer pending.
func (r *Registry) Retransmit(h *Handle, max int, next time.Time) (attempt int, expired, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Pending {
		return h.attempts, false, false
	}
	if h.attempts >= max {
		r.close(h, TimedOut, true)
		return h.attempts, true, true
	}
	h.attempts++
	h.next = next
	return h.attempts, false, true
}

// Schedule records when the next transmission of h is due.
func (r *Registry) Schedule(h *Handle, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Pending {
		h.next = at
	}
}

// ReleaseToken returns a retained token to the factory once the caller is
// done with it. It is a no-op for tokens the registry does not hold.
func (r *Registry) ReleaseToken(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Open() {
		return
	}
	r.releaseToken(h)
}

// CancelAll cancels every open exchange and returns them.
func (r *Registry) CancelAll() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[*Handle]struct{})
	var out []*Handle
	collect := func(h *Handle) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		h.mu.Lock()
		if h.state.Open() {
			r.close(h, Canceled, true)
			out = append(out, h)
		}
		h.mu.Unlock()
	}
	for _, h := range r.byMID {
		collect(h)
	}
	for _, h := range r.byToken {
		collect(h)
	}
	return out
}

// Len returns the number of open exchanges.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.byToken)
	for _, h := range r.byMID {
		if !h.tokenOpen {
			n++
		}
	}
	return n
}

// close moves h to a terminal state and removes its keys. Both locks must
// be held.
func (r *Registry) close(h *Handle, to State, release bool) {
	h.state = to
	h.next = time.Time{}
	r.dropMID(h)
	if h.tokenOpen {
		delete(r.byToken, tokenKey{h.key, h.msg.Token})
		h.tokenOpen = false
	}
	if release {
		r.releaseToken(h)
	}
	r.logger.Debug("exchange closed",
		slog.String("remote", h.key),
		slog.Int("mid", int(h.msg.MessageID)),
		slog.String("state", to.String()))
}

func (r *Registry) dropMID(h *Handle) {
	if h.midOpen {
		delete(r.byMID, midKey{h.key, h.msg.MessageID})
		h.midOpen = false
	}
}

func (r *Registry) releaseToken(h *Handle) {
	if h.issued && h.tokenHeld {
		r.tokens.Release(h.msg.Token)
		h.tokenHeld = false
	}
}
