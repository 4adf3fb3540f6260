// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dedup detects retransmitted CON and NON messages so that each is
// handed to the application at most once per exchange lifetime.
package dedup

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultLifetime is EXCHANGE_LIFETIME for the default transmission
// parameters.
const DefaultLifetime = 247 * time.Second

type key struct {
	remote string
	mid    uint16
}

// Entry records the reply sent for a received message.
type Entry struct {
	mu       sync.Mutex
	response []byte
	received time.Time
}

// SetResponse records the bytes sent in reply so that duplicates can be
// answered with the same datagram.
func (e *Entry) SetResponse(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.response = b
}

// Response returns the recorded reply, or nil if none was sent yet.
func (e *Entry) Response() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// Filter is an expiring table of (remote, message ID) pairs.
//
// An entry is a duplicate only while clk says it is younger than the
// lifetime. The LRU's own TTL runs on wall time and only reclaims memory;
// its purge goroutine lives as long as the process.
type Filter struct {
	mu       sync.Mutex
	lru      *expirable.LRU[key, *Entry]
	clock    clock.Clock
	lifetime time.Duration
}

// New creates a filter that forgets entries after lifetime as measured by
// clk, or the wall clock when clk is nil. maxEntries bounds the table; 0
// leaves it unbounded, which is the only setting that guarantees detection
// for the full lifetime.
func New(lifetime time.Duration, maxEntries int, clk clock.Clock) *Filter {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Filter{
		lru:      expirable.NewLRU[key, *Entry](maxEntries, nil, lifetime),
		clock:    clk,
		lifetime: lifetime,
	}
}

// Seen reports whether a message with mid from remote was already
// received within the lifetime. For a new message it inserts and returns
// a fresh entry; for a duplicate it returns the first copy's entry.
func (f *Filter) Seen(remote net.Addr, mid uint16) (*Entry, bool) {
	k := key{remote.String(), mid}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	if e, ok := f.lru.Get(k); ok && now.Sub(e.received) < f.lifetime {
		return e, true
	}
	e := &Entry{received: now}
	f.lru.Add(k, e)
	return e, false
}

// Forget removes the entry for mid from remote.
func (f *Filter) Forget(remote net.Addr, mid uint16) {
	f.lru.Remove(key{remote.String(), mid})
}

// Len returns the number of unexpired entries.
func (f *Filter) Len() int {
	return f.lru.Len()
}

// Purge drops all entries.
func (f *Filter) Purge() {
	f.lru.Purge()
}
