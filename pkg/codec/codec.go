// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"sort"

	"github.com/absmach/mcoap/pkg/message"
)

const (
	// Version is the only protocol version this codec accepts.
	Version = 1

	// PayloadMarker separates options from the payload.
	PayloadMarker = 0xff

	// HeaderSize is the length of the fixed header.
	HeaderSize = 4

	// MaxOptionValueSize is the longest option value the length field can carry.
	MaxOptionValueSize = 65535 + 269

	maxOptionNumber = 65535
)

// Codec encodes and decodes messages against an option registry.
// A Codec is stateless and safe for concurrent use.
type Codec struct {
	registry *message.Registry
}

// New creates a codec; a nil registry selects message.DefaultRegistry.
func New(reg *message.Registry) *Codec {
	if reg == nil {
		reg = message.DefaultRegistry()
	}
	return &Codec{registry: reg}
}

var defaultCodec = New(nil)

// Encode serializes m with the default registry.
func Encode(m *message.Message) ([]byte, error) {
	return defaultCodec.Encode(m)
}

// Decode parses data with the default registry.
func Decode(data []byte) (*message.Message, error) {
	return defaultCodec.Decode(data)
}

// Registry returns the option registry the codec validates against.
func (c *Codec) Registry() *message.Registry {
	return c.registry
}

// Encode serializes m. m is not modified.
func (c *Codec) Encode(m *message.Message) ([]byte, error) {
	if m == nil {
		return nil, encodeErr("nil message")
	}
	if m.Type > message.Reset {
		return nil, encodeErr("type %d out of range", m.Type)
	}
	if m.Code > 0xff {
		return nil, encodeErr("code %d does not fit in one byte", m.Code)
	}
	if m.Token.Len() > message.MaxTokenLength {
		return nil, encodeErr("token length %d exceeds %d", m.Token.Len(), message.MaxTokenLength)
	}
	if m.Code == message.Empty && (m.Token.Len() > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, encodeErr("empty message must not carry token, options or payload")
	}

	opts := m.Options
	if !opts.Sorted() {
		opts = append(message.Options(nil), opts...)
		sort.SliceStable(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })
	}

	size := HeaderSize + m.Token.Len()
	for _, opt := range opts {
		size += 5 + len(opt.Value)
	}
	if len(m.Payload) > 0 {
		size += 1 + len(m.Payload)
	}

	buf := make([]byte, HeaderSize, size)
	buf[0] = Version<<6 | byte(m.Type)<<4 | byte(m.Token.Len())
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:], m.MessageID)
	buf = append(buf, string(m.Token)...)

	prev := 0
	for _, opt := range opts {
		n := len(opt.Value)
		if n > MaxOptionValueSize {
			return nil, encodeErr("option %d value length %d exceeds %d", opt.ID, n, MaxOptionValueSize)
		}
		if _, known := c.registry.Lookup(opt.ID); known && !c.registry.Accepts(opt.ID, n) {
			return nil, encodeErr("option %d value length %d outside registered range", opt.ID, n)
		}
		buf = appendOptionHeader(buf, int(opt.ID)-prev, n)
		buf = append(buf, opt.Value...)
		prev = int(opt.ID)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// Decode parses one datagram. It returns *DecodeError or *CriticalOptionError
// on failure and never retains data.
func (c *Codec) Decode(data []byte) (*message.Message, error) {
	if len(data) < HeaderSize {
		return nil, decodeErr(0, "datagram of %d bytes is shorter than the header", len(data))
	}
	if v := data[0] >> 6; v != Version {
		return nil, decodeErr(0, "unsupported version %d", v)
	}
	tkl := int(data[0] & 0x0f)
	if tkl > message.MaxTokenLength {
		return nil, decodeErr(0, "token length %d exceeds %d", tkl, message.MaxTokenLength)
	}

	m := &message.Message{
		Type:      message.Type(data[0] >> 4 & 0x03),
		Code:      message.Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	pos := HeaderSize
	if len(data)-pos < tkl {
		return nil, decodeErr(pos, "token of %d bytes truncated", tkl)
	}
	m.Token = message.Token(data[pos : pos+tkl])
	pos += tkl

	if m.Code == message.Empty {
		if tkl != 0 || pos != len(data) {
			return nil, decodeErr(HeaderSize, "empty message must be exactly %d bytes", HeaderSize)
		}
		return m, nil
	}

	var (
		number   int
		critical = -1
	)
	for pos < len(data) {
		b := data[pos]
		if b == PayloadMarker {
			pos++
			if pos == len(data) {
				return nil, decodeErr(pos, "payload marker followed by empty payload")
			}
			m.Payload = append([]byte{}, data[pos:]...)
			break
		}

		start := pos
		pos++
		delta, n, err := readExtended(data, pos, int(b>>4))
		if err != nil {
			return nil, err
		}
		pos += n
		length, n, err := readExtended(data, pos, int(b&0x0f))
		if err != nil {
			return nil, err
		}
		pos += n

		number += delta
		if number > maxOptionNumber {
			return nil, decodeErr(start, "option number %d out of range", number)
		}
		if length > len(data)-pos {
			return nil, decodeErr(start, "option %d value of %d bytes truncated", number, length)
		}
		value := make([]byte, length)
		copy(value, data[pos:pos+length])
		pos += length

		id := message.OptionID(number)
		_, known := c.registry.Lookup(id)
		switch {
		case known && c.registry.Accepts(id, length):
			m.Options = append(m.Options, message.Option{ID: id, Value: value})
		case id.Critical():
			if critical < 0 {
				critical = number
			}
		case !known:
			// Unknown elective options are kept so a relay can forward them.
			m.Options = append(m.Options, message.Option{ID: id, Value: value})
		}
	}

	if critical >= 0 {
		return nil, &CriticalOptionError{
			Option: message.OptionID(critical),
			Header: message.Message{Type: m.Type, Code: m.Code, MessageID: m.MessageID, Token: m.Token},
		}
	}
	return m, nil
}

// readExtended resolves a delta or length nibble, reading its extension
// bytes at pos.
func readExtended(data []byte, pos, nibble int) (value, consumed int, err error) {
	switch nibble {
	case 13:
		if len(data)-pos < 1 {
			return 0, 0, decodeErr(pos, "option extension truncated")
		}
		return int(data[pos]) + 13, 1, nil
	case 14:
		if len(data)-pos < 2 {
			return 0, 0, decodeErr(pos, "option extension truncated")
		}
		return int(binary.BigEndian.Uint16(data[pos:pos+2])) + 269, 2, nil
	case 15:
		return 0, 0, decodeErr(pos-1, "reserved option nibble 15")
	default:
		return nibble, 0, nil
	}
}

func appendOptionHeader(buf []byte, delta, length int) []byte {
	dn, dext, dlen := splitNibble(delta)
	ln, lext, llen := splitNibble(length)
	buf = append(buf, dn<<4|ln)
	buf = appendExtension(buf, dext, dlen)
	return appendExtension(buf, lext, llen)
}

func splitNibble(v int) (nibble byte, ext, extLen int) {
	switch {
	case v < 13:
		return byte(v), 0, 0
	case v < 269:
		return 13, v - 13, 1
	default:
		return 14, v - 269, 2
	}
}

func appendExtension(buf []byte, ext, n int) []byte {
	switch n {
	case 1:
		return append(buf, byte(ext))
	case 2:
		return append(buf, byte(ext>>8), byte(ext))
	default:
		return buf
	}
}
