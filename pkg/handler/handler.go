// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"net"

	"github.com/absmach/mcoap/pkg/message"
)

// Context contains the metadata of an inbound request.
type Context struct {
	// RemoteAddr is the peer's network address
	RemoteAddr net.Addr

	// MessageID of the request
	MessageID uint16

	// Type is Confirmable or NonConfirmable
	Type message.Type

	// Observe is true for a GET carrying Observe=0
	Observe bool
}

// Handler serves requests for resources.
//
// Handlers run on the goroutine that received the request and may block;
// the endpoint switches to a separate response when a handler does not
// return within the configured delay. The request must not be modified.
type Handler interface {
	Handle(ctx context.Context, hctx *Context, req *message.Message) (*message.Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, hctx *Context, req *message.Message) (*message.Message, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, hctx *Context, req *message.Message) (*message.Message, error) {
	return f(ctx, hctx, req)
}

// NotFound answers every request with 4.04.
var NotFound Handler = HandlerFunc(func(context.Context, *Context, *message.Message) (*message.Message, error) {
	return Respond(message.NotFound, nil), nil
})

// Respond builds a response with code, payload and options. The endpoint
// assigns type, message ID and token.
func Respond(code message.Code, payload []byte, opts ...message.Option) *message.Message {
	m := &message.Message{Code: code, Payload: payload}
	for _, o := range opts {
		m.Options = m.Options.Add(o)
	}
	return m
}
