// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes capped exponential delays for retry loops. The zero value
// is not usable; use New or populate every field.
type Backoff struct {
	// Min is the delay before the first retry.
	Min time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Factor is the per-attempt multiplier.
	Factor float64

	// Jitter, when true, randomizes each delay within [delay/2, delay].
	Jitter bool
}

// New returns a Backoff with the conventional doubling schedule.
func New(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
}

// Duration returns the delay to apply before the given zero-based attempt.
func (b *Backoff) Duration(attempt int) time.Duration {
	d := float64(b.Min) * math.Pow(b.Factor, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter {
		d = d/2 + rand.Float64()*(d/2)
	}
	return time.Duration(d)
}

// Wait sleeps for the given attempt's delay or until the context is done,
// returning the context error in the latter case.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Duration(attempt))
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
