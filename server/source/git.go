// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/sdk/helper/backoff"
)

const (
	defaultPollingInterval = 30 * time.Second
	defaultMaxFailures     = 10
)

// GitConfig configures a GitSource.
type GitConfig struct {
	// URL of the remote repository.
	URL string

	// Branch to track; empty tracks the remote default branch.
	Branch string

	// LocalPath is where the clone lives on disk.
	LocalPath string

	// PollingInterval between pulls; zero selects the default.
	PollingInterval time.Duration

	// Token authenticates against the remote over HTTPS. TokenUsername
	// defaults to "git" when a token is set.
	Token         string
	TokenUsername string

	// MaxFailures is the number of consecutive sync failures tolerated
	// before Run returns a terminal error. Zero selects the default.
	MaxFailures int
}

// GitSource tracks a remote git repository by polling, holding a local
// clone that bundle building reads from.
type GitSource struct {
	logger hclog.Logger
	cfg    GitConfig

	events  chan Event
	trigger chan struct{}

	mu       sync.RWMutex
	repo     *git.Repository
	revision string
}

// NewGitSource validates the config and returns an unstarted source.
func NewGitSource(logger hclog.Logger, cfg GitConfig) (*GitSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("git source requires a repository URL")
	}
	if cfg.LocalPath == "" {
		return nil, errors.New("git source requires a local clone path")
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaultPollingInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Token != "" && cfg.TokenUsername == "" {
		cfg.TokenUsername = "git"
	}

	return &GitSource{
		logger:  logger.Named("git_source").With("url", cfg.URL),
		cfg:     cfg,
		events:  make(chan Event, 16),
		trigger: make(chan struct{}, 1),
	}, nil
}

func (s *GitSource) Name() string { return "git" }

func (s *GitSource) Events() <-chan Event { return s.events }

func (s *GitSource) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *GitSource) Repository() *git.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo
}

func (s *GitSource) Revision() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Run clones the remote, then polls it until the context is cancelled.
// Sustained failure to reach the remote is terminal.
func (s *GitSource) Run(ctx context.Context) error {
	defer close(s.events)

	bo := backoff.New(time.Second, s.cfg.PollingInterval)

	for attempt := 0; ; attempt++ {
		if err := s.ensureClone(ctx); err == nil {
			break
		} else {
			if attempt+1 >= s.cfg.MaxFailures {
				return fmt.Errorf("failed to clone policy repository after %d attempts: %w", attempt+1, err)
			}
			s.logger.Error("failed to clone policy repository, retrying", "error", err, "attempt", attempt+1)
		}
		if err := bo.Wait(ctx, attempt); err != nil {
			return nil
		}
	}

	s.emit(Event{OldRevision: "", NewRevision: s.Revision()})

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.trigger:
			s.logger.Debug("sync triggered outside polling schedule")
		}

		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Error("failed to sync policy repository", "error", err, "consecutive_failures", failures)

			if failures >= s.cfg.MaxFailures {
				return fmt.Errorf("policy repository unreachable after %d consecutive failures: %w", failures, err)
			}

			// A broken clone is recovered by re-cloning on the next
			// cycle.
			if isCorruptionErr(err) {
				s.logger.Warn("local clone unusable, scheduling re-clone")
				s.resetClone()
			}
			continue
		}
		failures = 0
	}
}

// ensureClone opens the existing local clone or creates a fresh one.
func (s *GitSource) ensureClone(ctx context.Context) error {
	if repo, err := git.PlainOpen(s.cfg.LocalPath); err == nil {
		if head, err := repo.Head(); err == nil {
			s.setRepo(repo, head.Hash().String())
			return nil
		}
		// Unusable checkout, fall through to a fresh clone.
		s.logger.Warn("existing clone has no usable HEAD, re-cloning")
	}

	if err := os.RemoveAll(s.cfg.LocalPath); err != nil {
		return fmt.Errorf("failed to clear clone path: %w", err)
	}

	opts := &git.CloneOptions{
		URL:  s.cfg.URL,
		Auth: s.auth(),
	}
	if s.cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.cfg.Branch)
		opts.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, s.cfg.LocalPath, false, opts)
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", s.cfg.URL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD of fresh clone: %w", err)
	}

	s.setRepo(repo, head.Hash().String())
	s.logger.Info("cloned policy repository", "revision", head.Hash().String())
	return nil
}

// poll pulls the tracked branch and emits an event when HEAD moved.
func (s *GitSource) poll(ctx context.Context) error {
	repo := s.Repository()
	if repo == nil {
		return s.ensureClone(ctx)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	opts := &git.PullOptions{
		RemoteName: "origin",
		Auth:       s.auth(),
		Force:      true,
	}
	if s.cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.cfg.Branch)
		opts.SingleBranch = true
	}

	err = wt.PullContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to pull: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	old := s.Revision()
	next := head.Hash().String()
	if next == old {
		return nil
	}

	s.setRepo(repo, next)
	s.logger.Info("policy repository advanced", "old_revision", old, "new_revision", next)
	s.emit(Event{OldRevision: old, NewRevision: next})
	return nil
}

func (s *GitSource) auth() *githttp.BasicAuth {
	if s.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: s.cfg.TokenUsername, Password: s.cfg.Token}
}

func (s *GitSource) setRepo(repo *git.Repository, revision string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo = repo
	s.revision = revision
}

func (s *GitSource) resetClone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo = nil
	s.revision = ""
	if err := os.RemoveAll(s.cfg.LocalPath); err != nil {
		s.logger.Error("failed to remove broken clone", "error", err)
	}
}

func (s *GitSource) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping source event, consumer lagging",
			"old_revision", ev.OldRevision, "new_revision", ev.NewRevision)
	}
}

// isCorruptionErr reports whether the sync error indicates a damaged local
// clone rather than a transient remote problem.
func isCorruptionErr(err error) bool {
	return errors.Is(err, plumbing.ErrObjectNotFound) ||
		errors.Is(err, plumbing.ErrReferenceNotFound) ||
		errors.Is(err, git.ErrRepositoryNotExists)
}
