// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package server

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

	"github.com/opal-project/opal/server/config"
)

func testServerConfig(t *testing.T) *config.Server {
	cfg, err := config.Default()
	require.NoError(t, err)

	cfg.HTTP.BindAddress = "127.0.0.1"
	cfg.HTTP.BindPort = 0
	cfg.PolicySource.LocalPath = filepath.Join(t.TempDir(), "clone")
	cfg.PolicySource.PollingInterval = 20 * time.Millisecond
	cfg.HighAvailability.LockPath = filepath.Join(t.TempDir(), "leader.lock")
	return cfg
}

// initUpstream builds a local repository standing in for the remote policy
// repo and returns its path plus a commit helper.
func initUpstream(t *testing.T) (string, func(name, content string)) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	commit := func(name, content string) {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

		wt, err := repo.Worktree()
		require.NoError(t, err)
		require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
		_, err = wt.Commit("update "+name, &git.CommitOptions{
			Author: &object.Signature{
				Name:  "tester",
				Email: "tester@example.com",
				When:  time.Now(),
			},
		})
		require.NoError(t, err)
	}
	return dir, commit
}

func TestAgent_TerminalSourceFailureShutsDown(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.PolicySource.URL = filepath.Join(t.TempDir(), "does-not-exist")
	cfg.PolicySource.MaxFailures = 1

	agent, err := NewAgent(hclog.NewNullLogger(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// An unreachable source must take the worker down instead of leaving it
	// serving stale bundles forever.
	err = agent.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy source failed")
}

func TestAgent_WatcherSurvivesLeadershipCycles(t *testing.T) {
	upstreamDir, commit := initUpstream(t)
	commit("rbac.rego", "package rbac\n")

	cfg := testServerConfig(t)
	cfg.PolicySource.URL = upstreamDir

	agent, err := NewAgent(hclog.NewNullLogger(), cfg)
	require.NoError(t, err)

	// Losing and re-acquiring leadership re-invokes the watcher. Each
	// invocation runs its own source instance, so a second cycle must come
	// up cleanly rather than tripping over the exhausted first source.
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- agent.runWatcher(ctx) }()

		require.Eventually(t, func() bool {
			return agent.Status().Ready
		}, 5*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop on context cancellation")
		}
	}
}
