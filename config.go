// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mcoap holds the process level configuration shared by the
// mcoap commands.
package mcoap

import (
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mcoap/pkg/endpoint"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/transport/udp"
	"github.com/caarlos0/env/v11"
)

// Config is parsed from the environment. Zero durations and counts fall
// back to the defaults of the package that owns them.
type Config struct {
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"5683"`

	AckTimeout            time.Duration `env:"ACK_TIMEOUT"             envDefault:"2s"`
	AckRandomFactor       float64       `env:"ACK_RANDOM_FACTOR"       envDefault:"1.5"`
	MaxRetransmit         int           `env:"MAX_RETRANSMIT"          envDefault:"4"`
	ExchangeLifetime      time.Duration `env:"EXCHANGE_LIFETIME"       envDefault:"247s"`
	DedupMaxEntries       int           `env:"DEDUP_MAX_ENTRIES"       envDefault:"0"`
	TokenLength           int           `env:"TOKEN_LENGTH"            envDefault:"8"`
	SeparateResponseDelay time.Duration `env:"SEPARATE_RESPONSE_DELAY" envDefault:"1s"`
	NotifyCONInterval     time.Duration `env:"NOTIFY_CON_INTERVAL"     envDefault:"60s"`
	ObserveFreshness      time.Duration `env:"OBSERVE_FRESHNESS"       envDefault:"128s"`
	PeerFailureThreshold  int           `env:"PEER_FAILURE_THRESHOLD"  envDefault:"0"`
	PeerResetTimeout      time.Duration `env:"PEER_RESET_TIMEOUT"      envDefault:"60s"`

	Workers           int           `env:"WORKERS"             envDefault:"100"`
	BufferSize        int           `env:"BUFFER_SIZE"         envDefault:"8192"`
	MaxPeers          int           `env:"MAX_PEERS"           envDefault:"0"`
	PeerTimeout       time.Duration `env:"PEER_TIMEOUT"        envDefault:"5m"`
	RateLimitCapacity int64         `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64         `env:"RATE_LIMIT_REFILL"   envDefault:"0"`

	MetricsPort     int           `env:"METRICS_PORT"     envDefault:"9090"`
	HealthPort      int           `env:"HEALTH_PORT"      envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the environment with opts, typically a prefix such as
// "MCOAP_".
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Address returns the UDP listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Endpoint returns the endpoint configuration. Handler, Clock and
// Options are left to the caller.
func (c Config) Endpoint(logger *slog.Logger, m *metrics.Metrics) endpoint.Config {
	return endpoint.Config{
		AckTimeout:            c.AckTimeout,
		AckRandomFactor:       c.AckRandomFactor,
		MaxRetransmit:         c.MaxRetransmit,
		ExchangeLifetime:      c.ExchangeLifetime,
		DedupMaxEntries:       c.DedupMaxEntries,
		TokenLength:           c.TokenLength,
		SeparateResponseDelay: c.SeparateResponseDelay,
		NotifyCONInterval:     c.NotifyCONInterval,
		ObserveFreshness:      c.ObserveFreshness,
		PeerFailureThreshold:  c.PeerFailureThreshold,
		PeerResetTimeout:      c.PeerResetTimeout,
		Logger:                logger,
		Metrics:               m,
	}
}

// Transport returns the UDP transport configuration.
func (c Config) Transport(logger *slog.Logger, m *metrics.Metrics) udp.Config {
	return udp.Config{
		Address:           c.Address(),
		PeerTimeout:       c.PeerTimeout,
		MaxPeers:          c.MaxPeers,
		BufferSize:        c.BufferSize,
		WorkerPoolSize:    c.Workers,
		RateLimitCapacity: c.RateLimitCapacity,
		RateLimitRefill:   c.RateLimitRefill,
		Logger:            logger,
		Metrics:           m,
	}
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
