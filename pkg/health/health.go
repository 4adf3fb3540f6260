// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness and readiness checks for the CoAP daemon.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCacheTTL bounds how often a check actually runs.
const DefaultCacheTTL = 10 * time.Second

// Check is the last result of one named check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc reports a problem as a non-nil error.
type CheckFunc func(ctx context.Context) error

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker runs registered checks and caches their results.
type Checker struct {
	mu     sync.Mutex
	clock  clock.Clock
	checks map[string]registered
	cache  map[string]Check
	ttl    time.Duration
}

// NewChecker creates a checker. A zero ttl uses DefaultCacheTTL and a nil
// clock the wall clock.
func NewChecker(ttl time.Duration, clk clock.Clock) *Checker {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		clock:  clk,
		checks: make(map[string]registered),
		cache:  make(map[string]Check),
		ttl:    ttl,
	}
}

// Register adds a check. A failing critical check makes the service
// unhealthy; any other failure only degrades it.
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: fn, critical: critical}
	delete(c.cache, name)
}

// Health runs the checks whose cached result expired and returns the
// overall status with every check sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := StatusHealthy
	checks := make([]Check, 0, len(names))
	for _, name := range names {
		check, ok := c.cache[name]
		if !ok || c.clock.Since(check.LastChecked) >= c.ttl {
			check = c.run(ctx, name, c.checks[name])
			c.cache[name] = check
		}
		checks = append(checks, check)

		switch {
		case check.Status == StatusHealthy:
		case check.Critical:
			overall = StatusUnhealthy
		case overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return overall, checks
}

func (c *Checker) run(ctx context.Context, name string, r registered) Check {
	start := c.clock.Now()
	err := r.fn(ctx)
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		Critical:    r.critical,
		LastChecked: c.clock.Now(),
		Duration:    c.clock.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Handler serves /health, /ready and /live.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.serve(false))
	mux.HandleFunc("/ready", c.serve(true))
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	return mux
}

// serve reports the checks. A degraded service still passes /health
// but not /ready.
func (c *Checker) serve(strict bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status == StatusUnhealthy || (strict && status == StatusDegraded) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Ready fails until ready is closed, such as a transport's bind signal.
func Ready(ready <-chan struct{}) CheckFunc {
	return func(context.Context) error {
		select {
		case <-ready:
			return nil
		default:
			return fmt.Errorf("not listening")
		}
	}
}

// Below fails once value reaches limit.
func Below(what string, value func() int, limit int) CheckFunc {
	return func(context.Context) error {
		if n := value(); n >= limit {
			return fmt.Errorf("%s: %d >= %d", what, n, limit)
		}
		return nil
	}
}
