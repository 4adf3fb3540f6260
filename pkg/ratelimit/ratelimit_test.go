// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if tb.Allow() {
		t.Error("request allowed beyond burst")
	}
	if tb.AllowN(2) {
		t.Error("AllowN allowed beyond burst")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(1, 50)

	if !tb.Allow() {
		t.Fatal("first request denied")
	}
	if tb.Allow() {
		t.Fatal("second request allowed before refill")
	}
	time.Sleep(50 * time.Millisecond)
	if !tb.Allow() {
		t.Error("request denied after refill")
	}
}

func TestLimiterPerPeer(t *testing.T) {
	l := NewLimiter(2, 0, 0, time.Minute)
	defer l.Close()

	for i := 0; i < 2; i++ {
		if !l.Allow("a") {
			t.Fatalf("peer a denied at %d", i)
		}
	}
	if l.Allow("a") {
		t.Error("peer a allowed beyond capacity")
	}
	if !l.Allow("b") {
		t.Error("peer b limited by peer a")
	}
	if got := l.Stats(); got != 2 {
		t.Errorf("expected 2 peers, got %d", got)
	}

	l.Remove("a")
	if !l.Allow("a") {
		t.Error("peer a still limited after removal")
	}
}

func TestLimiterBoundsPeers(t *testing.T) {
	l := NewLimiter(1, 0, 3, time.Minute)
	defer l.Close()

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("peer-%d", i))
	}
	if got := l.Stats(); got != 3 {
		t.Errorf("expected 3 peers, got %d", got)
	}
}

func TestLimiterForgetsIdlePeers(t *testing.T) {
	l := NewLimiter(1, 0, 0, 30*time.Millisecond)
	defer l.Close()

	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("peer a allowed beyond capacity")
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.Stats() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle peer not dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !l.Allow("a") {
		t.Error("peer a still limited after idle timeout")
	}
}
