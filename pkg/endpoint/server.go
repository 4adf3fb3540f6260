// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/absmach/mcoap/pkg/dedup"
	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/exchange"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/benbjohnson/clock"
)

// serve runs the handler for a deduplicated request and sends its
// response piggy-backed on the ACK, or separately if the handler is slow.
func (e *Endpoint) serve(ctx context.Context, from net.Addr, req *message.Message, entry *dedup.Entry) {
	path := req.Options.Path()
	obs, hasObs := req.Options.Observe()
	hctx := &handler.Context{
		RemoteAddr: from,
		MessageID:  req.MessageID,
		Type:       req.Type,
		Observe:    req.Code == message.GET && hasObs && obs == message.ObserveRegister,
	}
	if req.Code == message.GET && hasObs && obs == message.ObserveDeregister {
		if e.subscriptions.Remove(path, from, req.Token) {
			e.metrics.SetObservers(e.subscriptions.Count())
		}
	}

	var (
		mu       sync.Mutex
		finished bool
		acked    bool
		timer    *clock.Timer
	)
	if req.Type == message.Confirmable && e.cfg.SeparateResponseDelay > 0 {
		timer = e.clock.AfterFunc(e.cfg.SeparateResponseDelay, func() {
			mu.Lock()
			defer mu.Unlock()
			if finished {
				return
			}
			acked = true
			e.metrics.SeparateResponse()
			e.reply(ctx, from, message.NewEmpty(message.Acknowledgement, req.MessageID), entry)
		})
	}

	var resp *message.Message
	err := e.metrics.ObserveRequest(message.CodeString(req.Code), func() (string, error) {
		var err error
		resp, err = e.cfg.Handler.Handle(ctx, hctx, req)
		if err != nil {
			return message.CodeString(message.InternalServerError), err
		}
		if resp == nil {
			return "none", nil
		}
		return message.CodeString(resp.Code), nil
	})

	mu.Lock()
	finished = true
	separate := acked
	mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		e.logger.Warn("handler failed",
			slog.String("remote", from.String()),
			slog.String("path", path),
			slog.String("error", err.Error()))
		resp = handler.Respond(message.InternalServerError, nil)
	}
	if resp == nil {
		if req.Type == message.Confirmable && !separate {
			e.reply(ctx, from, message.NewEmpty(message.Acknowledgement, req.MessageID), entry)
		}
		return
	}

	resp = resp.Clone()
	resp.Token = req.Token
	resp.Options = resp.Options.Remove(message.Observe)
	if hctx.Observe && message.IsSuccess(resp.Code) {
		seq := e.subscriptions.Add(path, from, req.Token)
		e.metrics.SetObservers(e.subscriptions.Count())
		resp.Options = resp.Options.SetUint(message.Observe, seq)
	}

	switch {
	case req.Type == message.Confirmable && !separate:
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
		e.reply(ctx, from, resp, entry)
	case req.Type == message.Confirmable:
		resp.Type = message.Confirmable
		if _, err := e.sendReliable(ctx, from, resp, &separateExchange{start: e.clock.Now()}); err != nil {
			e.logger.Warn("failed to send separate response",
				slog.String("remote", from.String()),
				slog.String("error", err.Error()))
		}
	default:
		resp.Type = message.NonConfirmable
		mid, err := e.exchanges.NextMessageID(from)
		if err != nil {
			e.logger.Warn("no message ID for response",
				slog.String("remote", from.String()),
				slog.String("error", err.Error()))
			return
		}
		resp.MessageID = mid
		e.reply(ctx, from, resp, nil)
	}
}

// sendReliable registers and sends a server originated CON message.
func (e *Endpoint) sendReliable(ctx context.Context, to net.Addr, m *message.Message, value tracked) (*exchange.Handle, error) {
	h, err := e.exchanges.Register(m, to, exchange.WithValue(value))
	if err != nil {
		return nil, err
	}
	data, err := e.codec.Encode(h.Message())
	if err != nil {
		e.exchanges.Cancel(h)
		return nil, err
	}
	e.metrics.ExchangeOpened()
	if err := e.engine.Start(h, data); err != nil {
		if e.exchanges.Cancel(h) {
			e.finished(h, "closed")
		}
		return nil, err
	}
	if err := e.transmit(ctx, to, h.Message(), data); err != nil {
		// The engine retransmits; a persistent failure ends in a timeout.
		e.logger.Debug("first transmission failed",
			slog.String("remote", to.String()),
			slog.Int("mid", int(h.MessageID())),
			slog.String("error", err.Error()))
	}
	return h, nil
}

// Notify sends payload as a 2.05 notification to every observer of
// resource.
func (e *Endpoint) Notify(ctx context.Context, resource string, payload []byte) error {
	return e.NotifyMessage(ctx, resource, &message.Message{Code: message.Content, Payload: payload})
}

// NotifyMessage runs a notification round for resource with template as
// the response. A template with an error code ends every observation of
// the resource after it is sent.
func (e *Endpoint) NotifyMessage(ctx context.Context, resource string, template *message.Message) error {
	if e.isClosed() {
		return errors.ErrClosed
	}
	if template == nil || !message.IsResponse(template.Code) {
		return fmt.Errorf("%w: notification needs a response code", errors.ErrEncode)
	}
	resource = (message.Options{}).SetPath(resource).Path()

	final := !message.IsSuccess(template.Code)
	seq, targets := e.subscriptions.Round(resource)

	var errs []error
	for _, t := range targets {
		m := template.Clone()
		m.Type = t.Type
		m.Token = t.Token
		m.Options = m.Options.Remove(message.Observe)
		if !final {
			m.Options = m.Options.SetUint(message.Observe, seq)
		}

		if t.Type == message.Confirmable {
			_, err := e.sendReliable(ctx, t.Remote, m, &notifyExchange{path: resource, token: t.Token, start: e.clock.Now()})
			if err != nil {
				errs = append(errs, err)
				e.metrics.Notification(metrics.Outbound, "failed")
				continue
			}
			e.metrics.Notification(metrics.Outbound, "confirmable")
			continue
		}

		mid, err := e.exchanges.NextMessageID(t.Remote)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.MessageID = mid
		data, err := e.codec.Encode(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.transmit(ctx, t.Remote, m, data); err != nil {
			errs = append(errs, err)
			e.metrics.Notification(metrics.Outbound, "failed")
			continue
		}
		e.metrics.Notification(metrics.Outbound, "non_confirmable")
	}

	if final {
		n := e.subscriptions.RemoveAll(resource)
		e.metrics.SetObservers(e.subscriptions.Count())
		e.logger.Info("observation ended by error notification",
			slog.String("resource", resource),
			slog.String("code", message.CodeString(template.Code)),
			slog.Int("observers", n))
	}
	e.logger.Debug("notification round",
		slog.String("resource", resource),
		slog.Int("seq", int(seq)),
		slog.Int("observers", len(targets)))
	return errors.Join(errs...)
}
