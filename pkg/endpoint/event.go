// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/absmach/mcoap/pkg/exchange"
	"github.com/absmach/mcoap/pkg/message"
)

// EventKind classifies what a Callback is told.
type EventKind uint8

const (
	// EventEmptyAck reports an empty ACK: the response follows separately.
	EventEmptyAck EventKind = iota
	// EventResponse carries the response to a request.
	EventResponse
	// EventNotification carries a notification of an active observation.
	EventNotification
	// EventTerminated carries the message that ended an observation.
	EventTerminated
	// EventFailure reports the error that ended the exchange.
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventEmptyAck:
		return "empty-ack"
	case EventResponse:
		return "response"
	case EventNotification:
		return "notification"
	case EventTerminated:
		return "terminated"
	case EventFailure:
		return "failure"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is delivered to the Callback of a request.
type Event struct {
	Kind    EventKind
	Message *message.Message
	Err     error
}

// Callback receives the events of one request. It runs on the goroutine
// that processed the triggering datagram or timer and must not block.
type Callback func(Event)

// clientExchange is the endpoint state of an outbound request.
type clientExchange struct {
	cb      Callback
	observe bool
	start   time.Time
	handle  *exchange.Handle
	done    atomic.Bool
}

// emit delivers ev unless a final event was already delivered. final marks
// ev as the last event of the request.
func (c *clientExchange) emit(ev Event, final bool) {
	if c.cb == nil {
		return
	}
	if final {
		if !c.done.CompareAndSwap(false, true) {
			return
		}
	} else if c.done.Load() {
		return
	}
	c.cb(ev)
}

func (c *clientExchange) started() time.Time { return c.start }

// notifyExchange is a confirmable observe notification.
type notifyExchange struct {
	path  string
	token message.Token
	start time.Time
}

func (n *notifyExchange) started() time.Time { return n.start }

// separateExchange is a confirmable separate response.
type separateExchange struct {
	start time.Time
}

func (s *separateExchange) started() time.Time { return s.start }

type tracked interface {
	started() time.Time
}
