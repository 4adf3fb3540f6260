// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the CoAP message model shared by the codec, the
// exchange registry and the endpoint.
//
// # Message
//
// A Message is a plain value: type, code, 16-bit message ID, token, options
// and an optional payload. Options are kept in ascending option number;
// repeatable options keep insertion order among equal numbers. A nil
// Payload means the message carries no payload marker on the wire.
//
// # Token
//
// Token is an immutable 0-8 byte value compared by content, so it can be
// used directly as a map key. The zero-length token is a valid token; the
// absence of a token is expressed with the usual (Token, bool) idiom.
//
// # Option registry
//
// Which option numbers are known, and the legal length of their values, is
// configuration rather than logic. Registry is an injectable table;
// DefaultRegistry returns the options of RFC 7252, RFC 7641 and RFC 7959.
// Odd option numbers are critical: an unknown critical option makes a
// received message unacceptable, an unknown elective option is ignored but
// kept in the decoded message.
package message
