// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Duration(t *testing.T) {
	b := &Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, b.Duration(0))
	assert.Equal(t, 200*time.Millisecond, b.Duration(1))
	assert.Equal(t, 400*time.Millisecond, b.Duration(2))

	// Large attempts are capped at Max.
	assert.Equal(t, 2*time.Second, b.Duration(30))
}

func TestBackoff_DurationJitter(t *testing.T) {
	b := New(100*time.Millisecond, 2*time.Second)

	for i := 0; i < 100; i++ {
		d := b.Duration(3)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 800*time.Millisecond)
	}
}

func TestBackoff_WaitCancelled(t *testing.T) {
	b := New(time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
