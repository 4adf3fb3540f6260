// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the datagram transport of the CoAP endpoint.
//
// # Architecture
//
//	┌─────────┐         ┌───────────┐         ┌──────────┐
//	│  Peer   │ ←─UDP─→ │ Transport │ ──────→ │ Receiver │
//	└─────────┘         └───────────┘         └──────────┘
//	                          │
//	                          ↓
//	                   ┌────────────┐
//	                   │ Peer Table │
//	                   └────────────┘
//
// # Packet Flow
//
//	1. The read loop copies each datagram out of a pooled buffer
//	2. The datagram is queued for the worker pool, or dropped if it is full
//	3. A worker records the peer and applies the peer and rate limits
//	4. Receiver.HandleDatagram is called with the datagram
//
// Outbound datagrams go straight to the socket through Send, which is
// safe for concurrent use.
//
// # Peer Table
//
// Since UDP is connectionless, the transport keeps a table of peers keyed
// by IP:Port. Each peer gets a UUID and an activity timestamp; peers idle
// for PeerTimeout are dropped together with their rate limiter bucket.
//
// # Shutdown
//
// Cancelling the context passed to Listen closes the socket, drains the
// worker pool and clears the peer table.
package udp
