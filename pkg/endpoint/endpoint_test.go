// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/codec"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var (
	serverAddr = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 5683}
	clientAddr = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 49152}
)

type datagram struct {
	to   net.Addr
	data []byte
}

// recorder is a Transport that records every datagram.
type recorder struct {
	mu  sync.Mutex
	err error
	ch  chan datagram
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan datagram, 64)}
}

func (r *recorder) Send(_ context.Context, addr net.Addr, data []byte) error {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.ch <- datagram{to: addr, data: append([]byte(nil), data...)}
	return nil
}

func (r *recorder) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recorder) nextRaw(t *testing.T) datagram {
	t.Helper()
	select {
	case d := <-r.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram sent")
		return datagram{}
	}
}

func (r *recorder) next(t *testing.T) *message.Message {
	t.Helper()
	m, err := codec.Decode(r.nextRaw(t).data)
	require.NoError(t, err)
	return m
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case d := <-r.ch:
		m, _ := codec.Decode(d.data)
		t.Fatalf("unexpected datagram %v", m)
	case <-time.After(30 * time.Millisecond):
	}
}

type events chan Event

func (ev events) cb(e Event) { ev <- e }

func (ev events) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-ev:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func (ev events) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-ev:
		t.Fatalf("unexpected event %s", e.Kind)
	case <-time.After(30 * time.Millisecond):
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEndpoint(t *testing.T, cfg Config) (*Endpoint, *recorder, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	rec := newRecorder()
	cfg.Clock = mock
	cfg.Logger = quietLogger()
	if cfg.AckRandomFactor == 0 {
		cfg.AckRandomFactor = 1
	}
	ep, err := New(rec, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep, rec, mock
}

func encode(t *testing.T, m *message.Message) []byte {
	t.Helper()
	data, err := codec.Encode(m)
	require.NoError(t, err)
	return data
}

func get(typ message.Type, path string) *message.Message {
	m := &message.Message{Type: typ, Code: message.GET}
	m.Options = m.Options.SetPath(path)
	return m
}

func decode(data []byte) (*message.Message, error) {
	return codec.Decode(data)
}
