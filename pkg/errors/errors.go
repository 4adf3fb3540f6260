// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the CoAP engine.
package errors

import (
	"errors"
	"fmt"
)

// Protocol errors. Codec, registry and endpoint errors wrap one of these so
// callers can test them with errors.Is.
var (
	// ErrDecode indicates a datagram that is not a well-formed message.
	ErrDecode = errors.New("malformed message")

	// ErrCriticalOption indicates an unrecognized critical option.
	ErrCriticalOption = errors.New("unrecognized critical option")

	// ErrEncode indicates a message that cannot be serialized.
	ErrEncode = errors.New("invalid message")

	// ErrTimeout indicates an exchange that exhausted its retransmissions
	// or its lifetime without a response.
	ErrTimeout = errors.New("exchange timed out")

	// ErrResourceExhausted indicates that the message ID or token space is full.
	ErrResourceExhausted = errors.New("identifier space exhausted")

	// ErrTransmissionFailed indicates that the transport refused a datagram.
	ErrTransmissionFailed = errors.New("transmission failed")

	// ErrReset indicates that the peer answered with a reset message.
	ErrReset = errors.New("reset by peer")

	// ErrCanceled indicates an exchange or observation canceled locally.
	ErrCanceled = errors.New("canceled")

	// ErrClosed indicates that the endpoint was shut down.
	ErrClosed = errors.New("endpoint closed")

	// ErrTokenInUse indicates a caller-supplied token already bound to an open exchange.
	ErrTokenInUse = errors.New("token in use")

	// ErrNotListening indicates a send on a transport that is not bound.
	ErrNotListening = errors.New("transport not listening")

	// ErrRateLimited indicates a datagram dropped by the peer rate limiter.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrPeerUnreachable indicates a request refused because recent
	// requests to the same peer all timed out.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// ExchangeError wraps an error with the identity of the exchange it belongs to.
type ExchangeError struct {
	Op         string // Operation that failed
	RemoteAddr string // Peer address
	MessageID  uint16 // Message ID of the exchange
	Token      string // Hex encoded token, empty for non-request exchanges
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ExchangeError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s %s [mid=%d token=%s]: %v", e.Op, e.RemoteAddr, e.MessageID, e.Token, e.Err)
	}
	return fmt.Sprintf("%s %s [mid=%d]: %v", e.Op, e.RemoteAddr, e.MessageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// New creates a new ExchangeError.
func New(op, remoteAddr string, mid uint16, token string, err error) error {
	if err == nil {
		return nil
	}
	return &ExchangeError{
		Op:         op,
		RemoteAddr: remoteAddr,
		MessageID:  mid,
		Token:      token,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Join returns an error wrapping errs, or nil if all of them are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
