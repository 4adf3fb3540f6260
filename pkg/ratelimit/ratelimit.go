// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-peer rate limiting using the token bucket
// algorithm.
package ratelimit

import (
	"time"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = errors.ErrRateLimited

// TokenBucket is a single token bucket.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket creates a bucket holding at most capacity tokens and
// refilled with refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(refillRate), int(capacity))}
}

// Allow reports whether one datagram may pass now.
func (tb *TokenBucket) Allow() bool {
	return tb.lim.Allow()
}

// AllowN reports whether n datagrams may pass now.
func (tb *TokenBucket) AllowN(n int64) bool {
	return tb.lim.AllowN(time.Now(), int(n))
}

// Available returns the number of whole tokens in the bucket.
func (tb *TokenBucket) Available() int64 {
	return int64(tb.lim.Tokens())
}

// DefaultIdleTimeout is how long an unused peer bucket is kept.
const DefaultIdleTimeout = 5 * time.Minute

// Limiter keeps one bucket per peer. Buckets of peers that stay silent
// for the idle timeout are dropped, and the table holds at most maxPeers
// buckets.
type Limiter struct {
	buckets    *expirable.LRU[string, *TokenBucket]
	capacity   int64
	refillRate int64
	maxPeers   int
}

// NewLimiter creates a per-peer limiter. maxPeers 0 selects 10000.
func NewLimiter(capacity, refillRate int64, maxPeers int, idle time.Duration) *Limiter {
	if maxPeers == 0 {
		maxPeers = 10000
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Limiter{
		buckets:    expirable.NewLRU[string, *TokenBucket](maxPeers, nil, idle),
		capacity:   capacity,
		refillRate: refillRate,
		maxPeers:   maxPeers,
	}
}

// Allow reports whether a datagram from peer may pass.
func (l *Limiter) Allow(peer string) bool {
	return l.AllowN(peer, 1)
}

// AllowN reports whether n datagrams from peer may pass. Every call
// refreshes the peer's idle timer.
func (l *Limiter) AllowN(peer string, n int64) bool {
	tb, ok := l.buckets.Get(peer)
	if !ok {
		tb = NewTokenBucket(l.capacity, l.refillRate)
	}
	// Re-adding resets the expiry, so busy peers are never evicted for idleness.
	l.buckets.Add(peer, tb)
	return tb.AllowN(n)
}

// Remove drops a peer's bucket.
func (l *Limiter) Remove(peer string) {
	l.buckets.Remove(peer)
}

// Stats returns the number of tracked peers.
func (l *Limiter) Stats() (peers int) {
	return l.buckets.Len()
}

// Close drops all buckets.
func (l *Limiter) Close() {
	l.buckets.Purge()
}
