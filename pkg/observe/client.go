// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/message"
)

// DefaultFreshness is the age after which a notification is accepted
// regardless of its sequence number.
const DefaultFreshness = 128 * time.Second

// Decision tells the caller what to do with an incoming notification.
type Decision uint8

const (
	// Unknown means no observation matches; CON notifications get a RST.
	Unknown Decision = iota
	// Deliver hands the notification to the application.
	Deliver
	// Drop discards a stale notification.
	Drop
	// Terminal delivers the message and ends the observation.
	Terminal
)

func (d Decision) String() string {
	switch d {
	case Unknown:
		return "unknown"
	case Deliver:
		return "deliver"
	case Drop:
		return "drop"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

type obsKey struct {
	remote string
	token  message.Token
}

type observation struct {
	active     bool
	seq        uint32
	lastUpdate time.Time
	value      any
}

// Manager holds the observations a client registered, keyed by
// (remote, token).
type Manager struct {
	mu        sync.Mutex
	obs       map[obsKey]*observation
	freshness time.Duration
}

// NewManager creates a manager. A zero freshness selects DefaultFreshness.
func NewManager(freshness time.Duration) *Manager {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Manager{
		obs:       make(map[obsKey]*observation),
		freshness: freshness,
	}
}

// Register records a pending observation. value is returned with every
// decision for it.
func (m *Manager) Register(remote net.Addr, tok message.Token, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs[obsKey{remote.String(), tok}] = &observation{value: value}
}

// Notify classifies a response or notification carrying tok from remote
// received at now. Terminal decisions remove the observation.
func (m *Manager) Notify(remote net.Addr, tok message.Token, msg *message.Message, now time.Time) (Decision, any) {
	k := obsKey{remote.String(), tok}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.obs[k]
	if !ok {
		return Unknown, nil
	}

	seq, hasSeq := msg.Options.Observe()
	if !message.IsSuccess(msg.Code) || !hasSeq {
		delete(m.obs, k)
		return Terminal, o.value
	}
	seq &= SequenceModulus - 1

	if o.active {
		fresh := now.Sub(o.lastUpdate) <= m.freshness
		if fresh && !IsNewer(seq, o.seq) {
			return Drop, o.value
		}
	}
	o.active = true
	o.seq = seq
	o.lastUpdate = now
	return Deliver, o.value
}

// Active reports whether the observation has accepted a notification.
func (m *Manager) Active(remote net.Addr, tok message.Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obs[obsKey{remote.String(), tok}]
	return ok && o.active
}

// Cancel removes the observation and returns its value.
func (m *Manager) Cancel(remote net.Addr, tok message.Token) (any, bool) {
	k := obsKey{remote.String(), tok}

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obs[k]
	if !ok {
		return nil, false
	}
	delete(m.obs, k)
	return o.value, true
}

// Len returns the number of observations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.obs)
}

// Drain removes all observations and returns their values.
func (m *Manager) Drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, 0, len(m.obs))
	for k, o := range m.obs {
		out = append(out, o.value)
		delete(m.obs, k)
	}
	return out
}
