// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides a class-keyed token-bucket limiter shared by all
// requests issued against one marketplace account.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies an independent request budget on the remote API.
type Class string

const (
	// ClassBulk covers product/offer resources (the strict budget).
	ClassBulk Class = "bulk"
	// ClassOrder covers order resources (the wider budget).
	ClassOrder Class = "order"
)

const maxJitter = 100 * time.Millisecond

// Config holds per-class budgets in requests per second. Burst equals the
// per-second budget so one full second of traffic can be admitted at once
// but never more.
type Config struct {
	BulkPerSecond  int
	OrderPerSecond int
}

// DefaultConfig returns the documented remote API budgets: 3 req/s for bulk
// resources and 12 req/s for orders.
func DefaultConfig() Config {
	return Config{
		BulkPerSecond:  3,
		OrderPerSecond: 12,
	}
}

// Limiter gates outbound requests with one token bucket per class. It is an
// explicitly-owned instance: construct it once per account and inject it into
// every client that talks to that account.
type Limiter struct {
	buckets map[Class]*rate.Limiter

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a limiter with the given per-class budgets. Non-positive
// budgets fall back to the defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.BulkPerSecond <= 0 {
		cfg.BulkPerSecond = def.BulkPerSecond
	}
	if cfg.OrderPerSecond <= 0 {
		cfg.OrderPerSecond = def.OrderPerSecond
	}
	return &Limiter{
		buckets: map[Class]*rate.Limiter{
			ClassBulk:  rate.NewLimiter(rate.Limit(cfg.BulkPerSecond), cfg.BulkPerSecond),
			ClassOrder: rate.NewLimiter(rate.Limit(cfg.OrderPerSecond), cfg.OrderPerSecond),
		},
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until a token for the class is available, then sleeps a
// random 0-100ms jitter so concurrent callers don't burst in lockstep.
// It returns an error only when ctx is cancelled; it never rejects.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	bucket, ok := l.buckets[class]
	if !ok {
		return fmt.Errorf("unknown rate limit class %q", class)
	}
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait (%s): %w", class, err)
	}

	l.mu.Lock()
	jitter := time.Duration(l.rnd.Int63n(int64(maxJitter)))
	l.mu.Unlock()

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
