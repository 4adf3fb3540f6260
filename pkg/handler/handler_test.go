// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/absmach/mcoap/pkg/message"
)

func request(path string) *message.Message {
	m := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 1, Token: "t"}
	m.Options = m.Options.SetPath(path)
	return m
}

func TestNotFound(t *testing.T) {
	resp, err := NotFound.Handle(context.Background(), &Context{}, request("/missing"))
	if err != nil {
		t.Fatalf("NotFound returned error: %v", err)
	}
	if resp.Code != message.NotFound {
		t.Errorf("expected 4.04, got %s", message.CodeString(resp.Code))
	}
}

func TestRespond(t *testing.T) {
	resp := Respond(message.Content, []byte("hi"),
		message.Option{ID: message.MaxAge, Value: message.EncodeUint(30)},
		message.Option{ID: message.ContentFormat, Value: message.EncodeUint(0)})

	if resp.Code != message.Content {
		t.Errorf("expected 2.05, got %s", message.CodeString(resp.Code))
	}
	if string(resp.Payload) != "hi" {
		t.Errorf("unexpected payload %q", resp.Payload)
	}
	if !resp.Options.Sorted() {
		t.Error("options are not sorted")
	}
	if v, _ := resp.Options.Uint(message.MaxAge); v != 30 {
		t.Errorf("expected Max-Age 30, got %d", v)
	}
}

// MockHandler records the requests it serves.
type MockHandler struct {
	Resp *message.Message
	Err  error

	Called   int
	LastPath string
	LastCtx  *Context
}

func (m *MockHandler) Handle(_ context.Context, hctx *Context, req *message.Message) (*message.Message, error) {
	m.Called++
	m.LastPath = req.Options.Path()
	m.LastCtx = hctx
	return m.Resp, m.Err
}

func TestMuxRouting(t *testing.T) {
	hello := &MockHandler{Resp: Respond(message.Content, []byte("hello"))}
	sensors := &MockHandler{Resp: Respond(message.Content, []byte("sensors"))}
	temp := &MockHandler{Err: errors.New("sensor offline")}

	mux := NewMux()
	mux.Add("/hello", hello)
	mux.Add("sensors/", sensors)
	mux.Add("/sensors/temp/", temp)

	tests := []struct {
		name string
		path string
		want *MockHandler
	}{
		{name: "exact", path: "/hello", want: hello},
		{name: "prefix", path: "/sensors/humidity", want: sensors},
		{name: "longest prefix", path: "/sensors/temp/1", want: temp},
	}

	hctx := &Context{RemoteAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}, Type: message.Confirmable}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.want.Called
			_, _ = mux.Handle(context.Background(), hctx, request(tt.path))
			if tt.want.Called != before+1 {
				t.Errorf("handler for %s not called", tt.path)
			}
			if tt.want.LastPath != tt.path {
				t.Errorf("expected path %s, got %s", tt.path, tt.want.LastPath)
			}
			if tt.want.LastCtx != hctx {
				t.Error("context not passed through")
			}
		})
	}

	resp, err := mux.Handle(context.Background(), hctx, request("/nothing"))
	if err != nil || resp.Code != message.NotFound {
		t.Errorf("expected 4.04 for unknown path, got %v %v", resp, err)
	}

	_, err = mux.Handle(context.Background(), hctx, request("/sensors/temp/2"))
	if err == nil {
		t.Error("expected handler error to propagate")
	}
}

func TestHandlerFunc(t *testing.T) {
	called := false
	var h Handler = HandlerFunc(func(context.Context, *Context, *message.Message) (*message.Message, error) {
		called = true
		return nil, nil
	})
	resp, err := h.Handle(context.Background(), &Context{}, request("/"))
	if !called || resp != nil || err != nil {
		t.Errorf("unexpected result: called=%v resp=%v err=%v", called, resp, err)
	}
}
