// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
)

// DecodeError reports a format violation at a byte offset.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at offset %d: %s", e.Offset, e.Reason)
}

// Unwrap returns errors.ErrDecode.
func (e *DecodeError) Unwrap() error {
	return errors.ErrDecode
}

// CriticalOptionError reports an unrecognized critical option. Header holds
// the type, code, message ID and token of the rejected message so that the
// receiver can answer it.
type CriticalOptionError struct {
	Option message.OptionID
	Header message.Message
}

func (e *CriticalOptionError) Error() string {
	return fmt.Sprintf("unrecognized critical option %d", e.Option)
}

// Unwrap returns errors.ErrCriticalOption.
func (e *CriticalOptionError) Unwrap() error {
	return errors.ErrCriticalOption
}

// EncodeError reports a message that cannot be serialized.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "encode: " + e.Reason
}

// Unwrap returns errors.ErrEncode.
func (e *EncodeError) Unwrap() error {
	return errors.ErrEncode
}

func decodeErr(offset int, format string, args ...any) error {
	return &DecodeError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func encodeErr(format string, args ...any) error {
	return &EncodeError{Reason: fmt.Sprintf(format, args...)}
}
