// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint ties the codec, exchange registry, reliability engine,
// deduplication filter and observe state into a CoAP endpoint acting as
// client, server or both over one transport.
package endpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/codec"
	"github.com/absmach/mcoap/pkg/dedup"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/exchange"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/reliability"
	"github.com/absmach/mcoap/pkg/token"
	"github.com/benbjohnson/clock"
)

// DefaultSeparateResponseDelay is how long a handler may run before the
// request is acknowledged with an empty ACK.
const DefaultSeparateResponseDelay = time.Second

// Transport sends datagrams. Inbound datagrams are passed to
// Endpoint.HandleDatagram by the transport's owner.
type Transport interface {
	Send(ctx context.Context, addr net.Addr, data []byte) error
}

// Config holds the endpoint parameters. Zero values take the defaults of
// the package that owns the parameter.
type Config struct {
	// Transmission parameters
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int

	// ExchangeLifetime bounds deduplication and the wait for separate and
	// non-confirmable responses.
	ExchangeLifetime time.Duration

	// DedupMaxEntries bounds the deduplication table; 0 is unbounded.
	DedupMaxEntries int

	// TokenLength is the length of issued tokens (1-8).
	TokenLength int

	// SeparateResponseDelay is how long a handler may run before a
	// confirmable request gets an empty ACK. Negative disables separate
	// responses.
	SeparateResponseDelay time.Duration

	// NotifyCONInterval bounds the time between confirmable notifications
	// to one observer.
	NotifyCONInterval time.Duration

	// ObserveFreshness is the age after which a notification is accepted
	// regardless of its sequence number.
	ObserveFreshness time.Duration

	// PeerFailureThreshold is the number of consecutive timeouts after
	// which requests to a peer fail with errors.ErrPeerUnreachable for
	// PeerResetTimeout. 0 disables the check.
	PeerFailureThreshold int
	PeerResetTimeout     time.Duration

	// Options is the option registry; nil uses message.DefaultRegistry.
	Options *message.Registry

	// Handler serves inbound requests; nil answers 4.04.
	Handler handler.Handler

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Endpoint is a CoAP endpoint. All methods are safe for concurrent use.
type Endpoint struct {
	cfg       Config
	transport Transport
	codec     *codec.Codec
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	tokens        *token.Factory
	exchanges     *exchange.Registry
	engine        *reliability.Engine
	dedup         *dedup.Filter
	observations  *observe.Manager
	subscriptions *observe.Subscriptions
	breakers      *breaker.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	lifetimes map[*exchange.Handle]*clock.Timer
	closed    bool
}

// New creates an endpoint sending through t.
func New(t Transport, cfg Config) (*Endpoint, error) {
	if t == nil {
		return nil, fmt.Errorf("endpoint: nil transport")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ExchangeLifetime == 0 {
		cfg.ExchangeLifetime = dedup.DefaultLifetime
	}
	if cfg.SeparateResponseDelay == 0 {
		cfg.SeparateResponseDelay = DefaultSeparateResponseDelay
	}
	if cfg.Handler == nil {
		cfg.Handler = handler.NotFound
	}

	tokens, err := token.NewFactory(cfg.TokenLength, cfg.Logger)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		cfg:           cfg,
		transport:     t,
		codec:         codec.New(cfg.Options),
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tokens:        tokens,
		exchanges:     exchange.NewRegistry(tokens, cfg.Logger),
		dedup:         dedup.New(cfg.ExchangeLifetime, cfg.DedupMaxEntries, cfg.Clock),
		observations:  observe.NewManager(cfg.ObserveFreshness),
		subscriptions: observe.NewSubscriptions(cfg.NotifyCONInterval, cfg.Clock.Now),
		lifetimes:     make(map[*exchange.Handle]*clock.Timer),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	if cfg.PeerFailureThreshold > 0 {
		e.breakers = breaker.NewGroup(breaker.Config{
			MaxFailures:   cfg.PeerFailureThreshold,
			ResetTimeout:  cfg.PeerResetTimeout,
			Clock:         cfg.Clock,
			OnStateChange: e.peerStateChanged,
		}, 0, cfg.ExchangeLifetime)
	}

	e.engine, err = reliability.New(e.exchanges, reliability.Config{
		AckTimeout:    cfg.AckTimeout,
		RandomFactor:  cfg.AckRandomFactor,
		MaxRetransmit: cfg.MaxRetransmit,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		Send: func(h *exchange.Handle, data []byte) error {
			return e.transmit(e.ctx, h.Remote(), h.Message(), data)
		},
		OnTimeout: e.timedOut,
		OnRetransmit: func(*exchange.Handle, int) {
			e.metrics.Retransmission()
		},
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// HandleDatagram processes one inbound datagram. Errors are logged and
// never returned: a misbehaving peer cannot disturb local processing.
func (e *Endpoint) HandleDatagram(ctx context.Context, from net.Addr, data []byte) {
	if e.isClosed() {
		return
	}
	msg, err := e.codec.Decode(data)
	if err != nil {
		e.handleDecodeError(ctx, from, data, err)
		return
	}
	e.metrics.Message(metrics.Inbound, msg.Type.String(), message.CodeString(msg.Code), len(data))
	e.breakers.Success(from.String())
	e.logger.Debug("received",
		slog.String("remote", from.String()),
		slog.String("message", msg.String()))

	switch msg.Type {
	case message.Acknowledgement:
		e.handleAck(ctx, from, msg)
	case message.Reset:
		e.handleReset(from, msg)
	default:
		e.handleMessage(ctx, from, msg)
	}
}

// handleMessage processes an inbound CON or NON message.
func (e *Endpoint) handleMessage(ctx context.Context, from net.Addr, msg *message.Message) {
	if msg.IsEmpty() {
		// A CON empty message is a ping.
		if msg.Type == message.Confirmable {
			e.reply(ctx, from, message.NewEmpty(message.Reset, msg.MessageID), nil)
		}
		return
	}

	entry, dup := e.dedup.Seen(from, msg.MessageID)
	if dup {
		e.metrics.Duplicate(msg.Type.String())
		if msg.Type != message.Confirmable {
			return
		}
		// Nil while the first copy is still being handled; the peer retries.
		if resp := entry.Response(); resp != nil {
			if err := e.transport.Send(ctx, from, resp); err != nil {
				e.logger.Debug("failed to resend reply",
					slog.String("remote", from.String()),
					slog.String("error", err.Error()))
			}
		}
		return
	}

	switch {
	case msg.IsRequest():
		e.serve(ctx, from, msg, entry)
	case msg.IsResponse():
		e.handleResponse(ctx, from, msg, entry)
	case msg.Type == message.Confirmable:
		e.reply(ctx, from, message.NewEmpty(message.Reset, msg.MessageID), entry)
	}
}

func (e *Endpoint) handleDecodeError(ctx context.Context, from net.Addr, data []byte, err error) {
	var ce *codec.CriticalOptionError
	if errors.As(err, &ce) {
		e.metrics.DecodeError("critical_option")
		hdr := ce.Header
		switch {
		case hdr.Type == message.Confirmable && message.IsRequest(hdr.Code):
			resp := &message.Message{
				Type:      message.Acknowledgement,
				Code:      message.BadOption,
				MessageID: hdr.MessageID,
				Token:     hdr.Token,
				Payload:   []byte(err.Error()),
			}
			e.reply(ctx, from, resp, nil)
		case hdr.Type == message.Confirmable:
			e.reply(ctx, from, message.NewEmpty(message.Reset, hdr.MessageID), nil)
		}
		if message.IsResponse(hdr.Code) {
			e.failMalformed(from, hdr.Type, hdr.MessageID, hdr.Token, err)
		}
		return
	}

	e.metrics.DecodeError("format")
	typ, code, mid, tok, ok := peekHeader(data)
	if !ok {
		e.logger.Debug("dropped malformed datagram",
			slog.String("remote", from.String()),
			slog.String("error", err.Error()))
		return
	}
	if typ == message.Confirmable {
		e.reply(ctx, from, message.NewEmpty(message.Reset, mid), nil)
	}
	if message.IsResponse(code) {
		e.failMalformed(from, typ, mid, tok, err)
	}
}

// failMalformed fails the request answered by an undecodable response.
func (e *Endpoint) failMalformed(from net.Addr, typ message.Type, mid uint16, tok message.Token, cause error) {
	var acked *exchange.Handle
	if typ == message.Acknowledgement {
		if h, ok := e.exchanges.MatchAck(from, mid); ok {
			e.engine.Stop(h)
			acked = h
		}
	}
	h, ok := e.exchanges.MatchResponse(from, tok)
	if !ok {
		e.logger.Debug("dropped malformed response",
			slog.String("remote", from.String()),
			slog.String("error", cause.Error()))
		// The ACK ended retransmission, so nothing else would close the
		// request it carried a corrupt answer for.
		if acked == nil || !e.exchanges.Cancel(acked) {
			return
		}
		h = acked
	}
	e.engine.Stop(h)
	e.stopLifetime(h)
	ce, ok := h.Value().(*clientExchange)
	if !ok {
		return
	}
	e.finished(h, "decode_error")
	if ce.observe {
		reqTok, _ := h.Token()
		e.observations.Cancel(from, reqTok)
		e.exchanges.ReleaseToken(h)
	}
	ce.emit(Event{Kind: EventFailure, Err: fmt.Errorf("%w: %w", errors.ErrDecode, cause)}, true)
}

func (e *Endpoint) handleAck(ctx context.Context, from net.Addr, msg *message.Message) {
	h, ok := e.exchanges.MatchAck(from, msg.MessageID)
	if !ok {
		e.metrics.Unmatch(message.Acknowledgement.String())
		e.logger.Debug("unmatched ACK",
			slog.String("remote", from.String()),
			slog.Int("mid", int(msg.MessageID)))
		return
	}
	e.engine.Stop(h)

	ce, ok := h.Value().(*clientExchange)
	if !ok {
		// Separate response or notification delivered.
		e.finished(h, "acknowledged")
		return
	}

	tok, _ := h.Token()
	if msg.IsEmpty() || msg.Token != tok {
		if !msg.IsEmpty() {
			e.logger.Warn("piggy-backed response with foreign token",
				slog.String("remote", from.String()),
				slog.Int("mid", int(msg.MessageID)))
		}
		e.armLifetime(h)
		ce.emit(Event{Kind: EventEmptyAck, Message: msg}, false)
		return
	}
	e.resolve(ctx, from, msg)
}

func (e *Endpoint) handleReset(from net.Addr, msg *message.Message) {
	h, ok := e.exchanges.MatchReset(from, msg.MessageID)
	if !ok {
		e.metrics.Unmatch(message.Reset.String())
		return
	}
	e.engine.Stop(h)
	e.stopLifetime(h)
	e.finished(h, "reset")

	switch v := h.Value().(type) {
	case *clientExchange:
		if v.observe {
			tok, _ := h.Token()
			e.observations.Cancel(from, tok)
		}
		v.emit(Event{Kind: EventFailure, Message: msg, Err: errors.New("request", from.String(), h.MessageID(), "", errors.ErrReset)}, true)
	case *notifyExchange:
		if e.subscriptions.RemoveToken(from, v.token) {
			e.metrics.SetObservers(e.subscriptions.Count())
			e.logger.Info("observer reset notification",
				slog.String("remote", from.String()),
				slog.String("resource", v.path))
		}
	}
}

// timedOut is called by the reliability engine.
func (e *Endpoint) timedOut(h *exchange.Handle) {
	e.stopLifetime(h)
	e.finished(h, "timeout")
	e.breakers.Failure(h.Remote().String())

	switch v := h.Value().(type) {
	case *clientExchange:
		tok, _ := h.Token()
		if v.observe {
			e.observations.Cancel(h.Remote(), tok)
		}
		v.emit(Event{Kind: EventFailure, Err: errors.New("request", h.Remote().String(), h.MessageID(), tok.String(), errors.ErrTimeout)}, true)
	case *notifyExchange:
		if e.subscriptions.RemoveToken(h.Remote(), v.token) {
			e.metrics.SetObservers(e.subscriptions.Count())
			e.logger.Info("observer dropped after notification timeout",
				slog.String("remote", h.Remote().String()),
				slog.String("resource", v.path))
		}
	}
}

func (e *Endpoint) peerStateChanged(peer string, from, to breaker.State) {
	e.logger.Warn("peer reachability changed",
		slog.String("remote", peer),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// armLifetime abandons h if nothing completes it within the exchange
// lifetime.
func (e *Endpoint) armLifetime(h *exchange.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.lifetimes[h]; ok {
		t.Stop()
	}
	e.lifetimes[h] = e.clock.AfterFunc(e.cfg.ExchangeLifetime, func() {
		e.mu.Lock()
		delete(e.lifetimes, h)
		e.mu.Unlock()
		if !e.exchanges.Expire(h) {
			return
		}
		e.logger.Debug("exchange lifetime elapsed",
			slog.String("remote", h.Remote().String()),
			slog.Int("mid", int(h.MessageID())))
		e.timedOut(h)
	})
}

func (e *Endpoint) stopLifetime(h *exchange.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.lifetimes[h]; ok {
		t.Stop()
		delete(e.lifetimes, h)
	}
}

// finished records the completion of h.
func (e *Endpoint) finished(h *exchange.Handle, outcome string) {
	if e.metrics == nil {
		return
	}
	start := time.Now()
	if t, ok := h.Value().(tracked); ok {
		start = t.started()
	}
	e.metrics.ExchangeClosed(outcome, start)
}

// reply encodes and sends a message that is not tracked by the registry,
// recording it in entry for duplicate detection.
func (e *Endpoint) reply(ctx context.Context, to net.Addr, m *message.Message, entry *dedup.Entry) {
	data, err := e.codec.Encode(m)
	if err != nil {
		e.logger.Error("failed to encode reply",
			slog.String("remote", to.String()),
			slog.String("error", err.Error()))
		return
	}
	if entry != nil {
		entry.SetResponse(data)
	}
	if err := e.transmit(ctx, to, m, data); err != nil {
		e.logger.Debug("failed to send reply",
			slog.String("remote", to.String()),
			slog.String("error", err.Error()))
	}
}

// transmit writes data, the encoding of m, to the transport.
func (e *Endpoint) transmit(ctx context.Context, to net.Addr, m *message.Message, data []byte) error {
	if err := e.transport.Send(ctx, to, data); err != nil {
		return err
	}
	e.metrics.Message(metrics.Outbound, m.Type.String(), message.CodeString(m.Code), len(data))
	e.logger.Debug("sent",
		slog.String("remote", to.String()),
		slog.String("message", m.String()))
	return nil
}

// Close stops all timers and fails every open exchange and observation
// with errors.ErrClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for h, t := range e.lifetimes {
		t.Stop()
		delete(e.lifetimes, h)
	}
	e.mu.Unlock()

	e.engine.Close()
	e.cancel()

	closedErr := errors.ErrClosed
	for _, v := range e.observations.Drain() {
		if ce, ok := v.(*clientExchange); ok {
			e.exchanges.ReleaseToken(ce.handle)
			ce.emit(Event{Kind: EventFailure, Err: closedErr}, true)
		}
	}
	for _, h := range e.exchanges.CancelAll() {
		e.finished(h, "closed")
		if ce, ok := h.Value().(*clientExchange); ok {
			ce.emit(Event{Kind: EventFailure, Err: closedErr}, true)
		}
	}
	e.dedup.Purge()
	e.breakers.Purge()
	e.logger.Info("endpoint closed")
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// OpenExchanges returns the number of exchanges awaiting completion.
func (e *Endpoint) OpenExchanges() int {
	return e.exchanges.Len()
}

// Observations returns the number of client side observations.
func (e *Endpoint) Observations() int {
	return e.observations.Len()
}

// Observers returns the number of server side subscriptions.
func (e *Endpoint) Observers() int {
	return e.subscriptions.Count()
}

// TokensInUse returns the number of issued tokens not yet released.
func (e *Endpoint) TokensInUse() int {
	return e.tokens.Count()
}

// peekHeader reads the fixed header and token of a datagram that failed
// to decode further on.
func peekHeader(data []byte) (typ message.Type, code message.Code, mid uint16, tok message.Token, ok bool) {
	if len(data) < codec.HeaderSize || data[0]>>6 != codec.Version {
		return 0, 0, 0, "", false
	}
	tkl := int(data[0] & 0x0f)
	if tkl > message.MaxTokenLength || len(data) < codec.HeaderSize+tkl {
		return 0, 0, 0, "", false
	}
	typ = message.Type(data[0] >> 4 & 0x03)
	code = message.Code(data[1])
	mid = binary.BigEndian.Uint16(data[2:4])
	tok = message.Token(data[codec.HeaderSize : codec.HeaderSize+tkl])
	return typ, code, mid, tok, true
}
