// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/mcoap/pkg/message"
)

var _ Handler = (*Mux)(nil)

// Mux dispatches requests by their Uri-Path. A pattern ending in "/"
// matches every path below it; the longest pattern wins.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Handler
	prefixes []string
	notFound Handler
}

// NewMux creates an empty mux answering unknown paths with NotFound.
func NewMux() *Mux {
	return &Mux{
		routes:   make(map[string]Handler),
		notFound: NotFound,
	}
}

// Add registers h for pattern.
func (m *Mux) Add(pattern string, h Handler) {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[pattern]; !ok && strings.HasSuffix(pattern, "/") {
		m.prefixes = append(m.prefixes, pattern)
		sort.Slice(m.prefixes, func(i, j int) bool { return len(m.prefixes[i]) > len(m.prefixes[j]) })
	}
	m.routes[pattern] = h
}

// AddFunc registers f for pattern.
func (m *Mux) AddFunc(pattern string, f HandlerFunc) {
	m.Add(pattern, f)
}

// Match returns the handler for path.
func (m *Mux) Match(path string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.routes[path]; ok {
		return h
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(path, p) {
			return m.routes[p]
		}
	}
	return m.notFound
}

// Handle implements Handler.
func (m *Mux) Handle(ctx context.Context, hctx *Context, req *message.Message) (*message.Message, error) {
	return m.Match(req.Options.Path()).Handle(ctx, hctx, req)
}
