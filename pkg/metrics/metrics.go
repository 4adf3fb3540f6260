// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the CoAP engine.
//
// All methods are safe to call on a nil *Metrics, so components can be
// built without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message directions.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Metrics holds all Prometheus metrics of an endpoint and its transport.
type Metrics struct {
	// Message metrics
	Messages     *prometheus.CounterVec
	MessageSize  *prometheus.HistogramVec
	DecodeErrors *prometheus.CounterVec
	Duplicates   *prometheus.CounterVec
	Unmatched    *prometheus.CounterVec

	// Exchange metrics
	OpenExchanges    prometheus.Gauge
	Retransmissions  prometheus.Counter
	ExchangeOutcomes *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec

	// Server metrics
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	SeparateResponses prometheus.Counter

	// Observe metrics
	Observers     prometheus.Gauge
	Notifications *prometheus.CounterVec

	// Transport metrics
	ActivePeers         prometheus.Gauge
	RateLimitedMessages prometheus.Counter
	TransportErrors     *prometheus.CounterVec
}

// New creates metrics registered with reg. A nil reg uses the default
// Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mcoap"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of CoAP messages by direction, type and code",
			},
			[]string{"direction", "type", "code"},
		),
		MessageSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Datagram size in bytes",
				Buckets:   []float64{4, 16, 64, 256, 1024, 4096, 16384, 65536},
			},
			[]string{"direction"},
		),
		DecodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of inbound datagrams that failed to decode",
			},
			[]string{"reason"},
		),
		Duplicates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Total number of duplicate CON/NON messages",
			},
			[]string{"type"},
		),
		Unmatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unmatched_total",
				Help:      "Total number of ACK, RST and responses matching no exchange",
			},
			[]string{"type"},
		),
		OpenExchanges: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_exchanges",
				Help:      "Number of exchanges awaiting an acknowledgement or response",
			},
		),
		Retransmissions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of CON retransmissions",
			},
		),
		ExchangeOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchange_outcomes_total",
				Help:      "Total number of completed exchanges by outcome",
			},
			[]string{"outcome"},
		),
		ExchangeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Time from first transmission to completion",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests served",
			},
			[]string{"method", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		SeparateResponses: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "separate_responses_total",
				Help:      "Total number of responses sent in separate mode",
			},
		),
		Observers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observers",
				Help:      "Number of server side observe subscriptions",
			},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observe notifications by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		ActivePeers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_peers",
				Help:      "Number of peers in the transport peer table",
			},
		),
		RateLimitedMessages: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_messages_total",
				Help:      "Total number of datagrams dropped by the peer rate limiter",
			},
		),
		TransportErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_errors_total",
				Help:      "Total number of transport read and write errors",
			},
			[]string{"op"},
		),
	}
}

// Message counts one datagram.
func (m *Metrics) Message(direction, typ, code string, size int) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, typ, code).Inc()
	m.MessageSize.WithLabelValues(direction).Observe(float64(size))
}

// DecodeError counts one undecodable datagram.
func (m *Metrics) DecodeError(reason string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(reason).Inc()
}

// Duplicate counts one deduplicated message.
func (m *Metrics) Duplicate(typ string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(typ).Inc()
}

// Unmatch counts one ACK, RST or response with no exchange.
func (m *Metrics) Unmatch(typ string) {
	if m == nil {
		return
	}
	m.Unmatched.WithLabelValues(typ).Inc()
}

// ExchangeOpened tracks a new exchange.
func (m *Metrics) ExchangeOpened() {
	if m == nil {
		return
	}
	m.OpenExchanges.Inc()
}

// ExchangeClosed tracks the completion of an exchange started at start.
func (m *Metrics) ExchangeClosed(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.OpenExchanges.Dec()
	m.ExchangeOutcomes.WithLabelValues(outcome).Inc()
	m.ExchangeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// Retransmission counts one retransmission.
func (m *Metrics) Retransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// ObserveRequest tracks a handler invocation and returns its error.
func (m *Metrics) ObserveRequest(method string, f func() (string, error)) error {
	if m == nil {
		_, err := f()
		return err
	}
	start := time.Now()

	code, err := f()
	duration := time.Since(start).Seconds()

	m.RequestsTotal.WithLabelValues(method, code).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration)

	return err
}

// SeparateResponse counts one switch to separate response mode.
func (m *Metrics) SeparateResponse() {
	if m == nil {
		return
	}
	m.SeparateResponses.Inc()
}

// SetObservers records the number of server side subscriptions.
func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(float64(n))
}

// Notification counts one notification.
func (m *Metrics) Notification(direction, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(direction, outcome).Inc()
}

// SetPeers records the size of the peer table.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.ActivePeers.Set(float64(n))
}

// RateLimited counts one dropped datagram.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedMessages.Inc()
}

// TransportError counts one read or write failure.
func (m *Metrics) TransportError(op string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(op).Inc()
}
