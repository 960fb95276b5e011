// Copyright 2024 The idevicererestore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retry reproduces the retry.Retry(ctx, backoff, f, notify) call
// shape used throughout the teacher codebase (e.g. botanist's SSH dial and
// node-discovery loops) for blocking operations that may transiently fail.
// Here the ticket-service POST and the version-data fetch go through it;
// USB mode probes and mode-transition polling do not.
package retry

import (
	"context"
	"time"
)

// Backoff computes the delay before the next retry attempt.
type Backoff interface {
	Delay() time.Duration
	Reset()
}

// ZeroBackoff retries immediately, bounded only by an enclosing
// WithMaxDuration or WithMaxAttempts wrapper.
type ZeroBackoff struct{}

func (*ZeroBackoff) Delay() time.Duration { return 0 }
func (*ZeroBackoff) Reset()               {}

// ConstantBackoff waits a fixed interval between attempts.
type ConstantBackoff struct{ Interval time.Duration }

func NewConstantBackoff(d time.Duration) *ConstantBackoff { return &ConstantBackoff{Interval: d} }
func (c *ConstantBackoff) Delay() time.Duration           { return c.Interval }
func (c *ConstantBackoff) Reset()                         {}

type maxDurationBackoff struct {
	inner Backoff
	max   time.Duration
	start time.Time
	done  bool
}

// WithMaxDuration wraps a Backoff so that Retry gives up once the elapsed
// time since the first attempt exceeds max.
func WithMaxDuration(inner Backoff, max time.Duration) Backoff {
	return &maxDurationBackoff{inner: inner, max: max}
}

func (m *maxDurationBackoff) Delay() time.Duration {
	if m.start.IsZero() {
		m.start = time.Now()
	}
	if time.Since(m.start) >= m.max {
		m.done = true
		return 0
	}
	return m.inner.Delay()
}

func (m *maxDurationBackoff) Reset() {
	m.start = time.Time{}
	m.done = false
	m.inner.Reset()
}

type maxAttemptsBackoff struct {
	inner    Backoff
	max      int
	attempts int
}

// WithMaxAttempts wraps a Backoff so that Retry gives up after max calls.
func WithMaxAttempts(inner Backoff, max int) Backoff {
	return &maxAttemptsBackoff{inner: inner, max: max}
}

func (m *maxAttemptsBackoff) Delay() time.Duration { return m.inner.Delay() }
func (m *maxAttemptsBackoff) Reset()               { m.attempts = 0; m.inner.Reset() }

// Retry calls f until it succeeds, the context is done, or backoff signals
// exhaustion (a maxDurationBackoff/maxAttemptsBackoff having run out).
// notify, if non-nil, is called with each error before the next sleep.
func Retry(ctx context.Context, backoff Backoff, f func() error, notify func(error, time.Duration)) error {
	var lastErr error
	attempts := 0
	for {
		lastErr = f()
		if lastErr == nil {
			return nil
		}
		attempts++
		if mb, ok := backoff.(*maxAttemptsBackoff); ok && attempts >= mb.max {
			return lastErr
		}

		delay := backoff.Delay()
		if mb, ok := backoff.(*maxDurationBackoff); ok && mb.done {
			return lastErr
		}
		if notify != nil {
			notify(lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
