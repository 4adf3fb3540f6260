// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
)

// Message is a decoded CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     Token
	Options   Options
	Payload   []byte
}

// IsEmpty reports whether m is an empty message (code 0.00).
func (m *Message) IsEmpty() bool {
	return m.Code == Empty
}

// IsRequest reports whether m carries a method code.
func (m *Message) IsRequest() bool {
	return IsRequest(m.Code)
}

// IsResponse reports whether m carries a response code.
func (m *Message) IsResponse() bool {
	return IsResponse(m.Code)
}

// Clone deep-copies m.
func (m *Message) Clone() *Message {
	out := *m
	out.Options = m.Options.Clone()
	if m.Payload != nil {
		out.Payload = append([]byte{}, m.Payload...)
	}
	return &out
}

// String renders a short human readable summary.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%s options=%d payload=%d",
		m.Type, CodeString(m.Code), m.MessageID, m.Token, len(m.Options), len(m.Payload))
}

// NewEmpty builds an empty ACK or RST for the given message ID.
func NewEmpty(t Type, mid uint16) *Message {
	return &Message{Type: t, Code: Empty, MessageID: mid}
}
