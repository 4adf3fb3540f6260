// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 300)
	cases := []struct {
		name string
		msg  *message.Message
	}{
		{
			name: "empty ack",
			msg:  message.NewEmpty(message.Acknowledgement, 0xbeef),
		},
		{
			name: "reset",
			msg:  message.NewEmpty(message.Reset, 1),
		},
		{
			name: "get without token",
			msg:  &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 7},
		},
		{
			name: "get with path and observe",
			msg: &message.Message{
				Type:      message.Confirmable,
				Code:      message.GET,
				MessageID: 65535,
				Token:     "\x01\x02\x03\x04\x05\x06\x07\x08",
				Options:   message.Options{}.SetPath("/sensors/temp").SetUint(message.Observe, 0),
			},
		},
		{
			name: "piggy-backed content",
			msg: &message.Message{
				Type:      message.Acknowledgement,
				Code:      message.Content,
				MessageID: 42,
				Token:     "\xaa",
				Options:   message.Options{}.SetUint(message.ContentFormat, 0),
				Payload:   []byte("Some arbitrary content!"),
			},
		},
		{
			name: "extended deltas and lengths",
			msg: &message.Message{
				Type:      message.NonConfirmable,
				Code:      message.POST,
				MessageID: 300,
				Token:     "tk",
				Options: message.Options{
					{ID: message.IfNoneMatch, Value: []byte{}},
					{ID: message.URIPath, Value: long[:255]},
					{ID: message.ProxyURI, Value: long[:20]},
					{ID: message.Size1, Value: []byte{1, 0}},
					{ID: 2048, Value: []byte("elective")},
					{ID: 60000, Value: long},
				},
				Payload: []byte{0x00, 0xff, 0x10},
			},
		},
		{
			name: "repeated options keep order",
			msg: &message.Message{
				Type:      message.Confirmable,
				Code:      message.PUT,
				MessageID: 9,
				Options: message.Options{
					{ID: message.ETag, Value: []byte{3}},
					{ID: message.ETag, Value: []byte{1}},
					{ID: message.ETag, Value: []byte{2}},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestEncodeKnownBytes(t *testing.T) {
	m := &message.Message{
		Type:      message.Confirmable,
		Code:      message.GET,
		MessageID: 0x1234,
		Token:     "\xab",
		Options:   message.Options{}.SetPath("/a"),
		Payload:   []byte("hi"),
	}
	data, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x01, 0x12, 0x34, 0xab, 0xb1, 'a', 0xff, 'h', 'i'}, data)
}

func TestEncodeSortsOptions(t *testing.T) {
	m := &message.Message{
		Type: message.Confirmable,
		Code: message.GET,
		Options: message.Options{
			{ID: message.URIQuery, Value: []byte("q")},
			{ID: message.URIPath, Value: []byte("p")},
		},
	}
	data, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Options.Sorted())
	assert.Equal(t, message.URIQuery, m.Options[0].ID, "input must not be reordered")
}

func TestEncodeErrors(t *testing.T) {
	cases := []struct {
		name string
		msg  *message.Message
	}{
		{"nil", nil},
		{"long token", &message.Message{Code: message.GET, Token: "123456789"}},
		{"bad type", &message.Message{Type: 4, Code: message.GET}},
		{"empty with token", &message.Message{Type: message.Acknowledgement, Token: "a"}},
		{"empty with payload", &message.Message{Type: message.Reset, Payload: []byte{1}}},
		{"etag too long", &message.Message{Code: message.GET, Options: message.Options{{ID: message.ETag, Value: make([]byte, 9)}}}},
		{"uri-host empty", &message.Message{Code: message.GET, Options: message.Options{{ID: message.URIHost, Value: []byte{}}}}},
		{"value too long", &message.Message{Code: message.GET, Options: message.Options{{ID: 2048, Value: make([]byte, MaxOptionValueSize+1)}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.msg)
			var encErr *EncodeError
			require.ErrorAs(t, err, &encErr)
			assert.ErrorIs(t, err, errors.ErrEncode)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x40, 0x01, 0x00}},
		{"version 0", []byte{0x00, 0x01, 0x00, 0x01}},
		{"version 2", []byte{0x80, 0x01, 0x00, 0x01}},
		{"token length 9", []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"token length 15", []byte{0x4f, 0x01, 0x00, 0x01}},
		{"token truncated", []byte{0x44, 0x01, 0x00, 0x01, 0xaa}},
		{"empty with token", []byte{0x61, 0x00, 0x00, 0x01, 0xaa}},
		{"empty with trailing bytes", []byte{0x60, 0x00, 0x00, 0x01, 0xff, 0x01}},
		{"marker without payload", []byte{0x40, 0x01, 0x00, 0x01, 0xff}},
		{"delta nibble 15", []byte{0x40, 0x01, 0x00, 0x01, 0xf1, 0x00}},
		{"length nibble 15", []byte{0x40, 0x01, 0x00, 0x01, 0xbf}},
		{"delta extension truncated", []byte{0x40, 0x01, 0x00, 0x01, 0xd0}},
		{"length extension truncated", []byte{0x40, 0x01, 0x00, 0x01, 0x1e, 0x01}},
		{"value truncated", []byte{0x40, 0x01, 0x00, 0x01, 0xb4, 'a', 'b'}},
		{"huge length", []byte{0x40, 0x01, 0x00, 0x01, 0x0e, 0xff, 0xff}},
		{"option number overflow", []byte{0x40, 0x01, 0x00, 0x01, 0xe0, 0xff, 0x00, 0xe0, 0xff, 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode(tc.data)
			assert.Nil(t, m)
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.ErrorIs(t, err, errors.ErrDecode)
		})
	}
}

func TestDecodeCriticalOption(t *testing.T) {
	// Option 2049 is odd and unregistered.
	m := &message.Message{
		Type:      message.Confirmable,
		Code:      message.GET,
		MessageID: 77,
		Token:     "tok",
		Options:   message.Options{{ID: 2049, Value: []byte{1}}},
	}
	data, err := Encode(m)
	require.NoError(t, err)

	_, err = Decode(data)
	var critErr *CriticalOptionError
	require.ErrorAs(t, err, &critErr)
	assert.ErrorIs(t, err, errors.ErrCriticalOption)
	assert.Equal(t, message.OptionID(2049), critErr.Option)
	assert.Equal(t, uint16(77), critErr.Header.MessageID)
	assert.Equal(t, message.Token("tok"), critErr.Header.Token)
	assert.Equal(t, message.Confirmable, critErr.Header.Type)

	// The same option is accepted once it is registered.
	c := New(message.DefaultRegistry().With(2049, message.OptionDef{Name: "X", Format: message.FormatOpaque, MaxLen: 4}))
	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecodeOutOfRangeKnownOptions(t *testing.T) {
	// Uri-Host (3, critical) with a zero-length value is unrecognized.
	critical := []byte{0x40, 0x01, 0x00, 0x01, 0x30}
	_, err := Decode(critical)
	assert.ErrorIs(t, err, errors.ErrCriticalOption)

	// ETag (4, elective) with a zero-length value is silently dropped.
	elective := []byte{0x40, 0x01, 0x00, 0x01, 0x40, 0xff, 'p'}
	m, err := Decode(elective)
	require.NoError(t, err)
	assert.Empty(t, m.Options)
	assert.Equal(t, []byte("p"), m.Payload)
}

func TestDecodeFormatErrorWinsOverCriticalOption(t *testing.T) {
	data := []byte{0x40, 0x01, 0x00, 0x01, 0x30, 0xf1}
	_, err := Decode(data)
	assert.ErrorIs(t, err, errors.ErrDecode)
}

func TestDecodeDoesNotRetainInput(t *testing.T) {
	data := []byte{0x41, 0x45, 0x00, 0x01, 0xaa, 0xb1, 'a', 0xff, 'x'}
	m, err := Decode(data)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, message.Token("\xaa"), m.Token)
	assert.Equal(t, "/a", m.Options.Path())
	assert.Equal(t, []byte("x"), m.Payload)
}

func TestDecodeTotality(t *testing.T) {
	// Every input of up to two bytes, every truncation of a valid message
	// and a batch of random datagrams must either decode or fail with a
	// typed error.
	check := func(data []byte) {
		m, err := Decode(data)
		if err == nil {
			require.NotNil(t, m)
			return
		}
		assert.True(t, errors.Is(err, errors.ErrDecode) || errors.Is(err, errors.ErrCriticalOption), "untyped error %v", err)
	}

	for a := 0; a < 256; a++ {
		check([]byte{byte(a)})
		for b := 0; b < 256; b++ {
			check([]byte{byte(a), byte(b)})
		}
	}

	valid, err := Encode(&message.Message{
		Type:      message.Confirmable,
		Code:      message.POST,
		MessageID: 1,
		Token:     "abcd",
		Options:   message.Options{}.SetPath("/x/yy/zzz").SetUint(message.ContentFormat, 50).AddString(message.URIQuery, "k=v"),
		Payload:   []byte("{}"),
	})
	require.NoError(t, err)
	for i := 0; i <= len(valid); i++ {
		check(valid[:i])
	}

	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 64)
	for i := 0; i < 20000; i++ {
		n := rng.Intn(len(buf) + 1)
		rng.Read(buf[:n])
		if n > 0 {
			buf[0] = buf[0]&0x3f | 0x40
		}
		check(buf[:n])
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x40, 0x01, 0x00, 0x01})
	f.Add([]byte{0x41, 0x45, 0x00, 0x01, 0xaa, 0xb1, 'a', 0xff, 'x'})
	f.Add([]byte{0x40, 0x01, 0x00, 0x01, 0xe0, 0xff, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		m, err := Decode(data)
		if err != nil {
			if !errors.Is(err, errors.ErrDecode) && !errors.Is(err, errors.ErrCriticalOption) {
				t.Fatalf("untyped error: %v", err)
			}
			return
		}
		out, err := Encode(m)
		if err != nil {
			t.Fatalf("decoded message does not re-encode: %v", err)
		}
		again, err := Decode(out)
		if err != nil {
			t.Fatalf("re-encoded message does not decode: %v", err)
		}
		assert.Equal(t, m, again)
	})
}
