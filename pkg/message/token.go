// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/hex"
	"fmt"

	"github.com/absmach/mcoap/pkg/errors"
)

// MaxTokenLength is the longest token the 4-bit header field can describe
// that RFC 7252 allows.
const MaxTokenLength = 8

// Token is an opaque request identifier chosen by the originator of a request.
type Token string

// NewToken copies b into a Token.
func NewToken(b []byte) (Token, error) {
	if len(b) > MaxTokenLength {
		return "", fmt.Errorf("%w: token length %d exceeds %d", errors.ErrEncode, len(b), MaxTokenLength)
	}
	return Token(b), nil
}

// Bytes returns a copy of the token bytes.
func (t Token) Bytes() []byte {
	return []byte(t)
}

// Len returns the token length in bytes.
func (t Token) Len() int {
	return len(t)
}

// String returns the token in hex.
func (t Token) String() string {
	return hex.EncodeToString([]byte(t))
}
