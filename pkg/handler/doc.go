// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the CoAP engine to
// application resources.
//
// # Architecture Overview
//
// The endpoint decodes and deduplicates every inbound request before it
// reaches a Handler, so a Handler sees each request at most once per
// exchange lifetime. The Handler returns the response code, options and
// payload; the endpoint fills in type, message ID and token and decides
// between a piggy-backed and a separate response.
//
// # Data Flow
//
//	Client → Transport → Codec → Dedup → Handler → Endpoint → Client
//
// # Return Values
//
//   - A non-nil message is sent as the response.
//   - A nil message and nil error means no response: a confirmable request
//     is answered with an empty ACK, a non-confirmable one with nothing.
//   - An error is answered with 5.00 Internal Server Error.
//
// # Context
//
// The Context struct carries the request metadata:
//   - RemoteAddr: the peer's network address
//   - MessageID: the message ID of the request
//   - Type: confirmable or non-confirmable
//   - Observe: whether the request registers an observation
//
// # Example
//
//	mux := handler.NewMux()
//	mux.AddFunc("/hello", func(ctx context.Context, hctx *handler.Context, req *message.Message) (*message.Message, error) {
//		return handler.Respond(message.Content, []byte("hello")), nil
//	})
package handler
