// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthStatus(t *testing.T) {
	cases := []struct {
		desc     string
		critical bool
		err      error
		status   Status
	}{
		{desc: "passing", err: nil, status: StatusHealthy},
		{desc: "failing elective", err: errors.New("slow"), status: StatusDegraded},
		{desc: "failing critical", critical: true, err: errors.New("down"), status: StatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			c := NewChecker(0, clock.NewMock())
			c.Register("ok", true, func(context.Context) error { return nil })
			c.Register("upstream", tc.critical, func(context.Context) error { return tc.err })

			status, checks := c.Health(context.Background())
			assert.Equal(t, tc.status, status)
			require.Len(t, checks, 2)
			assert.Equal(t, "ok", checks[0].Name)
			assert.Equal(t, "upstream", checks[1].Name)
		})
	}
}

func TestHealthCache(t *testing.T) {
	mock := clock.NewMock()
	c := NewChecker(time.Second, mock)
	runs := 0
	c.Register("counter", false, func(context.Context) error {
		runs++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	assert.Equal(t, 1, runs)

	mock.Add(time.Second)
	c.Health(context.Background())
	assert.Equal(t, 2, runs)
}

func TestHandler(t *testing.T) {
	ready := make(chan struct{})
	c := NewChecker(time.Nanosecond, clock.New())
	c.Register("listening", true, Ready(ready))
	c.Register("exchanges", false, Below("open exchanges", func() int { return 3 }, 2))
	h := c.Handler()

	get := func(path string) (int, map[string]any) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body
	}

	code, body := get("/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, body = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, string(StatusUnhealthy), body["status"])

	close(ready)
	time.Sleep(time.Millisecond)

	code, body = get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(StatusDegraded), body["status"])

	code, _ = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
