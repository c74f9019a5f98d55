// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package leader

import (
	"context"
	"math/rand"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// defaultRetryInterval is how often a non-leader worker re-contends for the
// lock.
const defaultRetryInterval = 5 * time.Second

// Elector runs a protected function on exactly one worker at a time. It
// contends for the lock forever; when acquired, it runs the function until
// the context is cancelled or the function returns, then releases.
type Elector struct {
	logger        hclog.Logger
	lock          Lock
	retryInterval time.Duration
}

// NewElector builds an elector contending on the passed lock. A zero retry
// interval selects the default.
func NewElector(logger hclog.Logger, lock Lock, retryInterval time.Duration) *Elector {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	return &Elector{
		logger:        logger.Named("leader"),
		lock:          lock,
		retryInterval: retryInterval,
	}
}

// Run blocks until the context is cancelled. protected is invoked only
// while this worker holds the lock; when protected returns nil the lock is
// released and contention restarts after a wait. A non-nil return is
// terminal for this worker: the lock is released so another contender can
// take over, and Run returns the error.
func (e *Elector) Run(ctx context.Context, protected func(ctx context.Context) error) error {
	// Randomize the first attempt so workers started together do not
	// hammer the lock at the same instant.
	e.sleep(ctx, time.Duration(rand.Intn(100))*time.Millisecond)

	for {
		if ctx.Err() != nil {
			return nil
		}

		acquired, err := e.lock.TryAcquire(ctx)
		if err != nil {
			e.logger.Error("failed to contend for leadership", "error", err)
		}

		if acquired {
			e.logger.Info("acquired leadership")
			protectedErr := protected(ctx)

			if err := e.lock.Release(); err != nil {
				e.logger.Error("failed to release leadership", "error", err)
			}
			e.logger.Info("released leadership")

			if protectedErr != nil {
				return protectedErr
			}
		}

		if !e.sleep(ctx, e.retryInterval) {
			return nil
		}
	}
}

func (e *Elector) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
