// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream is a local repository standing in for the remote policy repo.
type upstream struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

func newUpstream(t *testing.T) *upstream {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &upstream{t: t, dir: dir, repo: repo}
}

func (u *upstream) commitFile(name, content, msg string) string {
	full := filepath.Join(u.dir, name)
	require.NoError(u.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(u.t, os.WriteFile(full, []byte(content), 0o644))

	wt, err := u.repo.Worktree()
	require.NoError(u.t, err)
	require.NoError(u.t, wt.AddWithOptions(&git.AddOptions{All: true}))

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "tester",
			Email: "tester@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(u.t, err)
	return hash.String()
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed unexpectedly")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for source event")
		return Event{}
	}
}

func TestNewGitSource_Validation(t *testing.T) {
	_, err := NewGitSource(hclog.NewNullLogger(), GitConfig{LocalPath: "x"})
	assert.Error(t, err)

	_, err = NewGitSource(hclog.NewNullLogger(), GitConfig{URL: "https://example.com/repo.git"})
	assert.Error(t, err)
}

func TestGitSource_InitialCloneAndAdvance(t *testing.T) {
	remote := newUpstream(t)
	first := remote.commitFile("rbac.rego", "package rbac\n", "initial")

	src, err := NewGitSource(hclog.NewNullLogger(), GitConfig{
		URL:             remote.dir,
		LocalPath:       filepath.Join(t.TempDir(), "clone"),
		PollingInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	ev := waitEvent(t, src.Events())
	assert.Empty(t, ev.OldRevision)
	assert.Equal(t, first, ev.NewRevision)
	assert.Equal(t, first, src.Revision())
	require.NotNil(t, src.Repository())

	second := remote.commitFile("rbac.rego", "package rbac\n\nallow := true\n", "update")
	src.Trigger()

	ev = waitEvent(t, src.Events())
	assert.Equal(t, first, ev.OldRevision)
	assert.Equal(t, second, ev.NewRevision)
	assert.Equal(t, second, src.Revision())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop on context cancellation")
	}
}

func TestGitSource_ReopensExistingClone(t *testing.T) {
	remote := newUpstream(t)
	first := remote.commitFile("rbac.rego", "package rbac\n", "initial")

	clonePath := filepath.Join(t.TempDir(), "clone")
	cfg := GitConfig{
		URL:             remote.dir,
		LocalPath:       clonePath,
		PollingInterval: 50 * time.Millisecond,
	}

	run := func() {
		src, err := NewGitSource(hclog.NewNullLogger(), cfg)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go src.Run(ctx)

		ev := waitEvent(t, src.Events())
		assert.Equal(t, first, ev.NewRevision)
	}

	// A restart reuses the clone left on disk instead of re-cloning.
	run()
	run()
}

func TestGitSource_TerminalOnUnreachableRemote(t *testing.T) {
	src, err := NewGitSource(hclog.NewNullLogger(), GitConfig{
		URL:             filepath.Join(t.TempDir(), "does-not-exist"),
		LocalPath:       filepath.Join(t.TempDir(), "clone"),
		PollingInterval: 10 * time.Millisecond,
		MaxFailures:     2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = src.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to clone")
}
