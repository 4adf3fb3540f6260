// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Type is the 2-bit message type.
type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

// String returns the RFC 7252 abbreviation of the type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is a request method or response status. Only values up to 255 fit
// in the UDP header.
type Code = codes.Code

// Frequently used codes, re-exported so callers need a single import.
const (
	Empty                 = codes.Empty
	GET                   = codes.GET
	POST                  = codes.POST
	PUT                   = codes.PUT
	DELETE                = codes.DELETE
	Created               = codes.Created
	Deleted               = codes.Deleted
	Valid                 = codes.Valid
	Changed               = codes.Changed
	Content               = codes.Content
	BadRequest            = codes.BadRequest
	BadOption             = codes.BadOption
	NotFound              = codes.NotFound
	MethodNotAllowed      = codes.MethodNotAllowed
	InternalServerError   = codes.InternalServerError
	ServiceUnavailable    = codes.ServiceUnavailable
	RequestEntityTooLarge = codes.RequestEntityTooLarge
)

// CodeClass returns the class digit of c (the "2" in 2.05).
func CodeClass(c Code) uint8 {
	return uint8(c >> 5)
}

// CodeString formats c in dotted c.dd notation.
func CodeString(c Code) string {
	return fmt.Sprintf("%d.%02d", uint8(c>>5), uint8(c&0x1f))
}

// IsRequest reports whether c is a method code (0.01-0.31).
func IsRequest(c Code) bool {
	return c >= 1 && c <= 31
}

// IsResponse reports whether c is a response code (2.00-5.31).
func IsResponse(c Code) bool {
	return c >= 64 && c <= 191
}

// IsSuccess reports whether c is a 2.xx code.
func IsSuccess(c Code) bool {
	return c <= 255 && CodeClass(c) == 2
}

// IsError reports whether c is a 4.xx or 5.xx code.
func IsError(c Code) bool {
	if c > 255 {
		return false
	}
	class := CodeClass(c)
	return class == 4 || class == 5
}
