// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package leader

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leader.lock")

	lock, err := NewFileLock(path)
	require.NoError(t, err)

	acquired, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	// Re-acquiring while held is a no-op.
	acquired, err = lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	// A fresh lock on the same path succeeds after release.
	other, err := NewFileLock(path)
	require.NoError(t, err)
	acquired, err = other.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, other.Release())
}

// memLock is the shared held bit three in-process electors contend on,
// mimicking separate workers contending on one file.
type memLock struct {
	held atomic.Bool
}

// memLockView gives each elector its own holder flag over the shared bit.
type memLockView struct {
	m    *memLock
	mine bool
}

func (v *memLockView) TryAcquire(context.Context) (bool, error) {
	if v.mine {
		return true, nil
	}
	if v.m.held.CompareAndSwap(false, true) {
		v.mine = true
		return true, nil
	}
	return false, nil
}

func (v *memLockView) Release() error {
	if v.mine {
		v.mine = false
		v.m.held.Store(false)
	}
	return nil
}

func TestElector_SingleLeader(t *testing.T) {
	shared := &memLock{}

	var active atomic.Int32
	var maxActive atomic.Int32
	var runs atomic.Int32

	protected := func(ctx context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		runs.Add(1)
		<-ctx.Done()
		active.Add(-1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		e := NewElector(hclog.NewNullLogger(), &memLockView{m: shared}, 50*time.Millisecond)
		go e.Run(ctx, protected)
	}

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	// At no instant did more than one elector run the protected function.
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, int32(1), runs.Load())
}

func TestElector_FailoverAfterRelease(t *testing.T) {
	shared := &memLock{}

	var runs atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first leader exits immediately, releasing the lock so another
	// contender can take over.
	exitOnce := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}

	for i := 0; i < 2; i++ {
		e := NewElector(hclog.NewNullLogger(), &memLockView{m: shared}, 20*time.Millisecond)
		go e.Run(ctx, exitOnce)
	}

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestElector_TerminalError(t *testing.T) {
	shared := &memLock{}
	view := &memLockView{m: shared}

	terminal := errors.New("source is broken")
	var runs atomic.Int32

	e := NewElector(hclog.NewNullLogger(), view, 20*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Run(context.Background(), func(ctx context.Context) error {
			runs.Add(1)
			return terminal
		})
	}()

	// A failing protected function is terminal: Run surfaces the error
	// instead of re-contending, and the lock is released for another worker.
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, terminal)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for elector to return")
	}
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, shared.held.Load())
}
