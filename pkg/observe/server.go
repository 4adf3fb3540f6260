// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/message"
)

// DefaultConfirmableInterval bounds the time between two confirmable
// notifications to the same subscriber.
const DefaultConfirmableInterval = 60 * time.Second

// Target is one notification of a round.
type Target struct {
	Remote net.Addr
	Token  message.Token
	Type   message.Type
}

type subscriber struct {
	remote  net.Addr
	token   message.Token
	lastCON time.Time
}

type resource struct {
	seq  uint32
	subs map[obsKey]*subscriber
}

// Subscriptions is the server side bookkeeping: per resource, the
// subscribed (remote, token) pairs and a sequence counter.
type Subscriptions struct {
	mu        sync.RWMutex
	resources map[string]*resource
	interval  time.Duration
	now       func() time.Time
}

// NewSubscriptions creates an empty table. now supplies the time used for
// the confirmable interval; nil uses time.Now.
func NewSubscriptions(interval time.Duration, now func() time.Time) *Subscriptions {
	if interval <= 0 {
		interval = DefaultConfirmableInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Subscriptions{
		resources: make(map[string]*resource),
		interval:  interval,
		now:       now,
	}
}

// Add subscribes (remote, tok) to path, replacing an earlier subscription
// with the same key, and returns the current sequence number to stamp on
// the registration response.
func (s *Subscriptions) Add(path string, remote net.Addr, tok message.Token) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[path]
	if !ok {
		r = &resource{subs: make(map[obsKey]*subscriber)}
		s.resources[path] = r
	}
	r.subs[obsKey{remote.String(), tok}] = &subscriber{
		remote:  remote,
		token:   tok,
		lastCON: s.now(),
	}
	return r.seq
}

// Remove unsubscribes (remote, tok) from path. It reports whether the
// subscription existed.
func (s *Subscriptions) Remove(path string, remote net.Addr, tok message.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[path]
	if !ok {
		return false
	}
	k := obsKey{remote.String(), tok}
	if _, ok := r.subs[k]; !ok {
		return false
	}
	delete(r.subs, k)
	return true
}

// RemoveToken unsubscribes (remote, tok) from whatever resource it
// observes, as after a RST or a failed confirmable notification.
func (s *Subscriptions) RemoveToken(remote net.Addr, tok message.Token) bool {
	k := obsKey{remote.String(), tok}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for _, r := range s.resources {
		if _, ok := r.subs[k]; ok {
			delete(r.subs, k)
			removed = true
		}
	}
	return removed
}

// RemoveAll drops every subscriber of path and returns how many there were.
func (s *Subscriptions) RemoveAll(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[path]
	if !ok {
		return 0
	}
	n := len(r.subs)
	r.subs = make(map[obsKey]*subscriber)
	return n
}

// Round advances the sequence number of path and returns it with the
// notifications to send. A subscriber gets a confirmable notification
// when its last one is older than the confirmable interval.
func (s *Subscriptions) Round(path string) (uint32, []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[path]
	if !ok {
		r = &resource{subs: make(map[obsKey]*subscriber)}
		s.resources[path] = r
	}
	r.seq = (r.seq + 1) & (SequenceModulus - 1)

	now := s.now()
	targets := make([]Target, 0, len(r.subs))
	for _, sub := range r.subs {
		typ := message.NonConfirmable
		if now.Sub(sub.lastCON) >= s.interval {
			typ = message.Confirmable
			sub.lastCON = now
		}
		targets = append(targets, Target{Remote: sub.remote, Token: sub.token, Type: typ})
	}
	return r.seq, targets
}

// Subscribed reports whether (remote, tok) observes path.
func (s *Subscriptions) Subscribed(path string, remote net.Addr, tok message.Token) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[path]
	if !ok {
		return false
	}
	_, ok = r.subs[obsKey{remote.String(), tok}]
	return ok
}

// Count returns the total number of subscriptions.
func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.resources {
		n += len(r.subs)
	}
	return n
}
