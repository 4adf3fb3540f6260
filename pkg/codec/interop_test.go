// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"context"
	"io"
	"testing"

	"github.com/absmach/mcoap/pkg/message"
	plgdmsg "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The plgd go-coap UDP coder serves as an independent reference encoding.

func TestDecodePlgdEncodedMessage(t *testing.T) {
	ctx := context.Background()
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetCode(codes.GET)
	msg.SetMessageID(4711)
	msg.SetType(plgdmsg.Confirmable)
	msg.SetToken(plgdmsg.Token{0x0a, 0x0b, 0x0c})
	msg.SetObserve(0)

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, message.Confirmable, got.Type)
	assert.Equal(t, message.GET, got.Code)
	assert.Equal(t, uint16(4711), got.MessageID)
	assert.Equal(t, message.Token("\x0a\x0b\x0c"), got.Token)
	obs, ok := got.Options.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(0), obs)
}

func TestPlgdDecodesEncodedMessage(t *testing.T) {
	m := &message.Message{
		Type:      message.Acknowledgement,
		Code:      message.Content,
		MessageID: 129,
		Token:     "\x01\x02",
		Options:   message.Options{}.SetPath("/sensors/temp").SetUint(message.Observe, 12),
		Payload:   []byte("21.5"),
	}
	data, err := Encode(m)
	require.NoError(t, err)

	msg := pool.NewMessage(context.Background())
	defer msg.Reset()
	_, err = msg.UnmarshalWithDecoder(coder.DefaultCoder, data)
	require.NoError(t, err)

	assert.Equal(t, codes.Content, msg.Code())
	assert.Equal(t, plgdmsg.Acknowledgement, msg.Type())
	assert.Equal(t, int32(129), msg.MessageID())
	assert.Equal(t, plgdmsg.Token{0x01, 0x02}, msg.Token())

	path, err := msg.Options().Path()
	require.NoError(t, err)
	assert.Equal(t, "/sensors/temp", path)

	obs, err := msg.Options().Observe()
	require.NoError(t, err)
	assert.Equal(t, uint32(12), obs)

	body, err := io.ReadAll(msg.Body())
	require.NoError(t, err)
	assert.Equal(t, []byte("21.5"), body)
}
