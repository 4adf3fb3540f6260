// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/google/uuid"
)

// Peer is the transport's record of a remote endpoint. UDP is
// connectionless, so a peer lives from its first datagram until it stays
// silent for the peer timeout.
type Peer struct {
	// ID is a unique identifier for this peer
	ID string

	// Addr is the peer's UDP address
	Addr *net.UDPAddr

	// FirstSeen is when the first datagram arrived
	FirstSeen time.Time

	mu           sync.Mutex
	lastActivity time.Time
	received     uint64
}

// touch records one inbound datagram.
func (p *Peer) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.received++
	p.mu.Unlock()
}

// LastActivity returns the arrival time of the latest datagram.
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Received returns the number of datagrams received from the peer.
func (p *Peer) Received() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// PeerTable tracks the peers the transport heard from, keyed by address.
type PeerTable struct {
	peers    map[string]*Peer
	mu       sync.RWMutex
	logger   *slog.Logger
	maxPeers int
	onRemove func(*Peer)
}

// NewPeerTable creates an empty table. maxPeers 0 disables the limit.
// onRemove, if not nil, is called for every peer dropped by Cleanup.
func NewPeerTable(logger *slog.Logger, maxPeers int, onRemove func(*Peer)) *PeerTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerTable{
		peers:    make(map[string]*Peer),
		logger:   logger,
		maxPeers: maxPeers,
		onRemove: onRemove,
	}
}

// GetOrCreate returns the peer for addr, creating it if needed. The
// returned bool is true for a new peer.
func (pt *PeerTable) GetOrCreate(addr *net.UDPAddr) (*Peer, bool, error) {
	key := addr.String()

	pt.mu.RLock()
	if p, ok := pt.peers[key]; ok {
		pt.mu.RUnlock()
		p.touch()
		return p, false, nil
	}
	pt.mu.RUnlock()

	pt.mu.Lock()
	defer pt.mu.Unlock()

	// Double-check in case another worker created it
	if p, ok := pt.peers[key]; ok {
		p.touch()
		return p, false, nil
	}

	if pt.maxPeers > 0 && len(pt.peers) >= pt.maxPeers {
		return nil, false, fmt.Errorf("%w: peer limit %d reached", errors.ErrResourceExhausted, pt.maxPeers)
	}

	now := time.Now()
	p := &Peer{
		ID:           uuid.New().String(),
		Addr:         addr,
		FirstSeen:    now,
		lastActivity: now,
		received:     1,
	}
	pt.peers[key] = p

	pt.logger.Debug("new peer",
		slog.String("peer", p.ID),
		slog.String("remote", key))

	return p, true, nil
}

// Get returns the peer for addr.
func (pt *PeerTable) Get(addr net.Addr) (*Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.peers[addr.String()]
	return p, ok
}

// Remove drops the peer for addr.
func (pt *PeerTable) Remove(addr net.Addr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.peers, addr.String())
}

// Cleanup drops peers idle for longer than timeout until ctx is done.
func (pt *PeerTable) Cleanup(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pt.cleanupExpired(timeout)
		}
	}
}

func (pt *PeerTable) cleanupExpired(timeout time.Duration) {
	now := time.Now()
	var removed []*Peer

	pt.mu.Lock()
	for key, p := range pt.peers {
		if now.Sub(p.LastActivity()) > timeout {
			removed = append(removed, p)
			delete(pt.peers, key)
		}
	}
	pt.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	for _, p := range removed {
		pt.logger.Debug("peer timeout",
			slog.String("peer", p.ID),
			slog.String("remote", p.Addr.String()))
		if pt.onRemove != nil {
			pt.onRemove(p)
		}
	}
	pt.logger.Debug("cleaned up idle peers", slog.Int("count", len(removed)))
}

// Clear drops all peers.
func (pt *PeerTable) Clear() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.peers = make(map[string]*Peer)
}

// Count returns the number of peers.
func (pt *PeerTable) Count() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}
