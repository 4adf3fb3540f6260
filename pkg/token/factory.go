// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package token issues request tokens that are unique among the tokens
// currently in flight.
package token

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
)

// DefaultLength is the token length used when none is configured.
const DefaultLength = message.MaxTokenLength

// Factory is a process-wide pool of in-use tokens. Issue and Release are
// atomic with respect to each other.
type Factory struct {
	mu     sync.Mutex
	inUse  map[message.Token]struct{}
	length int
	space  uint64
	logger *slog.Logger
}

// NewFactory creates a factory issuing tokens of length bytes (1-8).
// A length of 0 selects DefaultLength.
func NewFactory(length int, logger *slog.Logger) (*Factory, error) {
	if length == 0 {
		length = DefaultLength
	}
	if length < 1 || length > message.MaxTokenLength {
		return nil, fmt.Errorf("token length %d outside 1-%d", length, message.MaxTokenLength)
	}
	if logger == nil {
		logger = slog.Default()
	}
	space := uint64(0) // 0 stands for 2^64
	if length < 8 {
		space = 1 << (8 * length)
	}
	return &Factory{
		inUse:  make(map[message.Token]struct{}),
		length: length,
		space:  space,
		logger: logger,
	}, nil
}

// Issue returns a token not currently in use and marks it as in use.
func (f *Factory) Issue() (message.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.space != 0 && uint64(len(f.inUse)) >= f.space {
		return "", fmt.Errorf("%w: all %d tokens of length %d in use", errors.ErrResourceExhausted, f.space, f.length)
	}

	buf := make([]byte, f.length)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "failed to generate token")
		}
		tok := message.Token(buf)
		if _, taken := f.inUse[tok]; taken {
			continue
		}
		f.inUse[tok] = struct{}{}
		f.logger.Debug("token issued",
			slog.String("token", tok.String()),
			slog.Int("in_use", len(f.inUse)))
		return tok, nil
	}
}

// Release returns tok to the pool. Releasing a token that is not held is
// logged and otherwise ignored: duplicate completions are expected on an
// unreliable transport.
func (f *Factory) Release(tok message.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.inUse[tok]; !ok {
		f.logger.Warn("release of token not in use",
			slog.String("token", tok.String()),
			slog.Int("in_use", len(f.inUse)))
		return
	}
	delete(f.inUse, tok)
	f.logger.Debug("token released",
		slog.String("token", tok.String()),
		slog.Int("in_use", len(f.inUse)))
}

// InUse reports whether tok is currently held.
func (f *Factory) InUse(tok message.Token) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inUse[tok]
	return ok
}

// Count returns the number of tokens in use.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inUse)
}
