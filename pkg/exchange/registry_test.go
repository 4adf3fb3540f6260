// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 5683}
	peerB = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 5683}
)

func newRegistry(t *testing.T) (*Registry, *token.Factory) {
	t.Helper()
	f, err := token.NewFactory(4, nil)
	require.NoError(t, err)
	return NewRegistry(f, nil), f
}

func get(typ message.Type) *message.Message {
	m := &message.Message{Type: typ, Code: message.GET}
	m.Options = m.Options.SetPath("/a")
	return m
}

func TestRegisterAssignsIdentity(t *testing.T) {
	r, f := newRegistry(t)

	h, err := r.Register(get(message.Confirmable), peerA)
	require.NoError(t, err)

	tok, ok := h.Token()
	require.True(t, ok)
	assert.Equal(t, 4, tok.Len())
	assert.True(t, f.InUse(tok))
	assert.Equal(t, Pending, h.State())
	assert.Equal(t, h.MessageID(), h.Message().MessageID)
	assert.Equal(t, 1, r.Len())

	resp := &message.Message{Type: message.Confirmable, Code: message.Content, Token: "zz"}
	h2, err := r.Register(resp, peerA)
	require.NoError(t, err)
	_, ok = h2.Token()
	assert.False(t, ok, "responses are not tracked by token")
	assert.Equal(t, message.Token("zz"), h2.Message().Token)
	assert.Equal(t, 2, r.Len())
}

func TestRegisterRejectsAckAndReset(t *testing.T) {
	r, _ := newRegistry(t)
	for _, typ := range []message.Type{message.Acknowledgement, message.Reset} {
		_, err := r.Register(&message.Message{Type: typ}, peerA)
		assert.ErrorIs(t, err, errors.ErrEncode)
	}
}

func TestMessageIDsAreSequentialAndSkipOpen(t *testing.T) {
	r, _ := newRegistry(t)

	first, err := r.Register(get(message.NonConfirmable), peerA)
	require.NoError(t, err)
	second, err := r.Register(get(message.NonConfirmable), peerA)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID()+1, second.MessageID())

	// Wrap the counter around so the next candidate is the first open ID.
	r.mu.Lock()
	r.nextMID[peerA.String()] = first.MessageID()
	r.mu.Unlock()

	third, err := r.Register(get(message.NonConfirmable), peerA)
	require.NoError(t, err)
	assert.Equal(t, second.MessageID()+1, third.MessageID())
}

func TestMessageIDSpaceExhaustion(t *testing.T) {
	r, _ := newRegistry(t)

	r.mu.Lock()
	for i := 0; i < midSpace; i++ {
		r.byMID[midKey{peerA.String(), uint16(i)}] = &Handle{}
	}
	r.mu.Unlock()

	_, err := r.Register(get(message.Confirmable), peerA)
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)

	// Other peers have their own space.
	_, err = r.Register(get(message.Confirmable), peerB)
	assert.NoError(t, err)
}

func TestPiggybackedFlow(t *testing.T) {
	r, f := newRegistry(t)
	h, err := r.Register(get(message.Confirmable), peerA)
	require.NoError(t, err)
	tok, _ := h.Token()

	got, ok := r.MatchAck(peerA, h.MessageID())
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, Acknowledged, h.State())

	_, ok = r.MatchAck(peerA, h.MessageID())
	assert.False(t, ok, "duplicate ACK must not match")

	got, ok = r.MatchResponse(peerA, tok)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, Resolved, h.State())
	assert.False(t, f.InUse(tok))
	assert.Equal(t, 0, r.Len())

	_, ok = r.MatchResponse(peerA, tok)
	assert.False(t, ok)
}

func TestResponseMatchesPerRemote(t *testing.T) {
	r, _ := newRegistry(t)
	h, err := r.Register(get(message.NonConfirmable), peerA)
	require.NoError(t, err)
	tok, _ := h.Token()

	_, ok := r.MatchResponse(peerB, tok)
	assert.False(t, ok)
	_, ok = r.MatchAck(peerB, h.MessageID())
	assert.False(t, ok)

	_, ok = r.MatchResponse(peerA, tok)
	assert.True(t, ok)
}

func TestAckResolvesNonRequest(t *testing.T) {
	r, _ := newRegistry(t)
	h, err := r.Register(&message.Message{Type: message.Confirmable, Code: message.Content, Token: "t"}, peerA)
	require.NoError(t, err)

	_, ok := r.MatchAck(peerA, h.MessageID())
	require.True(t, ok)
	assert.Equal(t, Resolved, h.State())
	assert.Equal(t, 0, r.Len())
}

func TestResetReleasesToken(t *testing.T) {
	r, f := newRegistry(t)
	h, err := r.Register(get(message.Confirmable), peerA, RetainToken())
	require.NoError(t, err)
	tok, _ := h.Token()

	_, ok := r.MatchReset(peerA, h.MessageID())
	require.True(t, ok)
	assert.Equal(t, Resolved, h.State())
	assert.False(t, f.InUse(tok))
}

func TestRetainedToken(t *testing.T) {
	r, f := newRegistry(t)
	h, err := r.Register(get(message.Confirmable), peerA, RetainToken(), WithValue("obs"))
	require.NoError(t, err)
	tok, _ := h.Token()
	assert.Equal(t, "obs", h.Value())

	_, ok := r.MatchResponse(peerA, tok)
	require.True(t, ok)
	assert.True(t, f.InUse(tok))

	r.ReleaseToken(h)
	assert.False(t, f.InUse(tok))
	r.ReleaseToken(h)
}

func TestCallerOwnedToken(t *testing.T) {
	r, f := newRegistry(t)
	tok := message.Token("own")

	h, err := r.Register(get(message.Confirmable), peerA, WithToken(tok))
	require.NoError(t, err)
	got, _ := h.Token()
	assert.Equal(t, tok, got)
	assert.Equal(t, 0, f.Count())

	_, err = r.Register(get(message.Confirmable), peerA, WithToken(tok))
	assert.ErrorIs(t, err, errors.ErrTokenInUse)

	_, err = r.Register(get(message.Confirmable), peerB, WithToken(tok))
	assert.NoError(t, err)

	_, ok := r.MatchResponse(peerA, tok)
	assert.True(t, ok)
	assert.Equal(t, 0, f.Count())
}

func TestCancelIsIdempotent(t *testing.T) {
	r, f := newRegistry(t)
	h, err := r.Register(get(message.Confirmable), peerA)
	require.NoError(t, err)

	assert.True(t, r.Cancel(h))
	assert.False(t, r.Cancel(h))
	assert.Equal(t, Canceled, h.State())
	assert.Equal(t, 0, f.Count())

	_, ok := r.MatchAck(peerA, h.MessageID())
	assert.False(t, ok)
}

func TestRetransmitAccounting(t *testing.T) {
	r, f := newRegistry(t)
	h, err := r.Register(get(message.Confirmable), peerA)
	require.NoError(t, err)

	now := time.Unix(0, 0)
	for i := 1; i <= 4; i++ {
		attempt, expired, ok := r.Retransmit(h, 4, now.Add(time.Duration(i)*time.Second))
		require.True(t, ok)
		require.False(t, expired)
		assert.Equal(t, i, attempt)
		assert.Equal(t, now.Add(time.Duration(i)*time.Second), h.NextTransmission())
	}

	attempt, expired, ok := r.Retransmit(h, 4, now)
	assert.True(t, ok)
	assert.True(t, expired)
	assert.Equal(t, 4, attempt)
	assert.Equal(t, TimedOut, h.State())
	assert.Equal(t, 0, f.Count())

	_, _, ok = r.Retransmit(h, 4, now)
	assert.False(t, ok)
}

func TestRetransmitLosesToAck(t *testing.T) {
	r, _ := newRegistry(t)
	h, err := r.Register(get(message.Confirmable), peerA)
	require.NoError(t, err)

	_, ok := r.MatchAck(peerA, h.MessageID())
	require.True(t, ok)
	_, _, ok = r.Retransmit(h, 4, time.Now())
	assert.False(t, ok)
}

func TestConcurrentCompletionHasOneWinner(t *testing.T) {
	r, _ := newRegistry(t)

	for i := 0; i < 200; i++ {
		h, err := r.Register(get(message.Confirmable), peerA)
		require.NoError(t, err)
		tok, _ := h.Token()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		win := func(ok bool) {
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}
		wg.Add(3)
		go func() { defer wg.Done(); _, ok := r.MatchResponse(peerA, tok); win(ok) }()
		go func() { defer wg.Done(); win(r.Cancel(h)) }()
		go func() { defer wg.Done(); _, ok := r.MatchReset(peerA, h.MessageID()); win(ok) }()
		wg.Wait()
		assert.Equal(t, 1, wins)
	}
	assert.Equal(t, 0, r.Len())
}

func TestCancelAll(t *testing.T) {
	r, f := newRegistry(t)
	for i := 0; i < 3; i++ {
		_, err := r.Register(get(message.Confirmable), peerA)
		require.NoError(t, err)
	}
	h, err := r.Register(get(message.Confirmable), peerB)
	require.NoError(t, err)
	_, ok := r.MatchAck(peerB, h.MessageID())
	require.True(t, ok)

	closed := r.CancelAll()
	assert.Len(t, closed, 4)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, f.Count())
}
