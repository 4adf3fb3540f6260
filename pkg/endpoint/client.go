// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/mcoap/pkg/dedup"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/exchange"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/observe"
)

// SendRequest sends req to remote and reports its outcome to cb. req must
// carry a method code and be CON or NON; the endpoint assigns its message
// ID and token. A CON request is retransmitted until acknowledged. If
// SendRequest returns an error, cb is never called.
func (e *Endpoint) SendRequest(ctx context.Context, req *message.Message, remote net.Addr, cb Callback) (*exchange.Handle, error) {
	return e.request(ctx, req, remote, cb, false)
}

// Observe registers an observation of the resource addressed by req. The
// first response arrives as EventResponse and later ones as
// EventNotification until an EventTerminated or EventFailure.
func (e *Endpoint) Observe(ctx context.Context, req *message.Message, remote net.Addr, cb Callback) (*exchange.Handle, error) {
	if req == nil || req.Code != message.GET {
		return nil, fmt.Errorf("%w: observe requires a GET request", errors.ErrEncode)
	}
	req = req.Clone()
	req.Options = req.Options.SetUint(message.Observe, message.ObserveRegister)
	return e.request(ctx, req, remote, cb, true)
}

func (e *Endpoint) request(ctx context.Context, req *message.Message, remote net.Addr, cb Callback, obs bool, opts ...exchange.Option) (*exchange.Handle, error) {
	if e.isClosed() {
		return nil, errors.ErrClosed
	}
	if req == nil || !req.IsRequest() {
		return nil, fmt.Errorf("%w: not a request", errors.ErrEncode)
	}
	if remote == nil {
		return nil, fmt.Errorf("%w: nil remote", errors.ErrEncode)
	}
	if err := e.breakers.Allow(remote.String()); err != nil {
		return nil, errors.New("request", remote.String(), 0, "", err)
	}

	ce := &clientExchange{cb: cb, observe: obs, start: e.clock.Now()}
	opts = append(opts, exchange.WithValue(ce))
	if obs {
		opts = append(opts, exchange.RetainToken())
	}
	h, err := e.exchanges.Register(req, remote, opts...)
	if err != nil {
		return nil, err
	}
	ce.handle = h
	msg := h.Message()
	tok, _ := h.Token()

	data, err := e.codec.Encode(msg)
	if err != nil {
		e.exchanges.Cancel(h)
		return nil, errors.New("request", remote.String(), msg.MessageID, tok.String(), err)
	}
	e.metrics.ExchangeOpened()

	if obs {
		e.observations.Register(remote, tok, ce)
	}
	if msg.Type == message.Confirmable {
		if err := e.engine.Start(h, data); err != nil {
			e.abort(h, ce, "closed")
			return nil, err
		}
	} else {
		e.armLifetime(h)
	}

	if err := e.transmit(ctx, remote, msg, data); err != nil {
		e.abort(h, ce, "transmission_failed")
		return nil, errors.New("request", remote.String(), msg.MessageID, tok.String(),
			fmt.Errorf("%w: %w", errors.ErrTransmissionFailed, err))
	}
	return h, nil
}

// abort removes a request that never made it onto the wire.
func (e *Endpoint) abort(h *exchange.Handle, ce *clientExchange, outcome string) {
	if !e.exchanges.Cancel(h) {
		return
	}
	e.engine.Stop(h)
	e.stopLifetime(h)
	e.finished(h, outcome)
	if ce.observe {
		tok, _ := h.Token()
		e.observations.Cancel(h.Remote(), tok)
	}
	ce.done.Store(true)
}

// Cancel abandons a request. Its callback gets a final EventFailure with
// errors.ErrCanceled, and late responses are ignored. Cancel returns
// false if the request had already completed.
func (e *Endpoint) Cancel(h *exchange.Handle) bool {
	if !e.exchanges.Cancel(h) {
		return false
	}
	e.engine.Stop(h)
	e.stopLifetime(h)
	e.finished(h, "canceled")
	if ce, ok := h.Value().(*clientExchange); ok {
		if ce.observe {
			tok, _ := h.Token()
			e.observations.Cancel(h.Remote(), tok)
		}
		ce.emit(Event{Kind: EventFailure, Err: errors.ErrCanceled}, true)
	}
	return true
}

// CancelObservation stops delivering notifications for tok from remote.
// With deregister set it also sends a GET with Observe=1 reusing the
// token, so the server drops the subscription right away. Without it the
// server notices on the next confirmable notification, which gets a RST.
func (e *Endpoint) CancelObservation(ctx context.Context, remote net.Addr, tok message.Token, deregister bool) error {
	v, ok := e.observations.Cancel(remote, tok)
	if !ok {
		return nil
	}
	ce := v.(*clientExchange)
	h := ce.handle

	if e.exchanges.Cancel(h) {
		// Still waiting for the registration response.
		e.engine.Stop(h)
		e.stopLifetime(h)
		e.finished(h, "canceled")
	}
	ce.emit(Event{Kind: EventFailure, Err: errors.ErrCanceled}, true)

	if !deregister {
		e.exchanges.ReleaseToken(h)
		return nil
	}

	req := h.Message().Clone()
	req.Type = message.Confirmable
	req.Options = req.Options.SetUint(message.Observe, message.ObserveDeregister)
	release := func(ev Event) {
		if ev.Kind != EventEmptyAck {
			e.exchanges.ReleaseToken(h)
		}
	}
	if _, err := e.request(ctx, req, remote, release, false, exchange.WithToken(tok)); err != nil {
		e.exchanges.ReleaseToken(h)
		return err
	}
	return nil
}

// resolve completes the request answered by msg, if any.
func (e *Endpoint) resolve(_ context.Context, from net.Addr, msg *message.Message) bool {
	h, ok := e.exchanges.MatchResponse(from, msg.Token)
	if !ok {
		return false
	}
	e.engine.Stop(h)
	e.stopLifetime(h)
	e.finished(h, "response")

	ce, ok := h.Value().(*clientExchange)
	if !ok {
		return true
	}
	if !ce.observe {
		ce.emit(Event{Kind: EventResponse, Message: msg}, true)
		return true
	}

	switch d, _ := e.observations.Notify(from, msg.Token, msg, e.clock.Now()); d {
	case observe.Deliver:
		e.metrics.Notification(metrics.Inbound, "registered")
		ce.emit(Event{Kind: EventResponse, Message: msg}, false)
	case observe.Terminal:
		e.exchanges.ReleaseToken(h)
		ce.emit(Event{Kind: EventTerminated, Message: msg}, true)
	default:
		// Canceled while the response was in flight.
		e.exchanges.ReleaseToken(h)
	}
	return true
}

// handleResponse processes a CON or NON response: a separate response or
// an observe notification.
func (e *Endpoint) handleResponse(ctx context.Context, from net.Addr, msg *message.Message, entry *dedup.Entry) {
	ack := func() {
		if msg.Type == message.Confirmable {
			e.reply(ctx, from, message.NewEmpty(message.Acknowledgement, msg.MessageID), entry)
		}
	}

	if h, ok := e.exchanges.Lookup(from, msg.Token); ok && h.State().Open() {
		ack()
		e.resolve(ctx, from, msg)
		return
	}

	d, v := e.observations.Notify(from, msg.Token, msg, e.clock.Now())
	if d == observe.Unknown {
		e.metrics.Unmatch(msg.Type.String())
		e.logger.Debug("unmatched response",
			slog.String("remote", from.String()),
			slog.String("token", msg.Token.String()))
		if msg.Type == message.Confirmable {
			e.reply(ctx, from, message.NewEmpty(message.Reset, msg.MessageID), entry)
		}
		return
	}
	ack()

	ce := v.(*clientExchange)
	switch d {
	case observe.Deliver:
		e.metrics.Notification(metrics.Inbound, "delivered")
		ce.emit(Event{Kind: EventNotification, Message: msg}, false)
	case observe.Drop:
		e.metrics.Notification(metrics.Inbound, "stale")
		e.logger.Debug("dropped stale notification",
			slog.String("remote", from.String()),
			slog.String("token", msg.Token.String()))
	case observe.Terminal:
		e.metrics.Notification(metrics.Inbound, "terminal")
		e.exchanges.ReleaseToken(ce.handle)
		ce.emit(Event{Kind: EventTerminated, Message: msg}, true)
	}
}
