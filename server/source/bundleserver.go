// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/opal-project/opal/sdk/helper/backoff"
)

// BundleServerConfig configures a BundleServerSource.
type BundleServerConfig struct {
	// URL of the bundle tarball endpoint.
	URL string

	// LocalPath is where the unpacked bundle is mirrored as a local git
	// repository.
	LocalPath string

	// PollingInterval between fetches; zero selects the default.
	PollingInterval time.Duration

	// Token is sent as a bearer token when set.
	Token string

	// MaxFailures before Run gives up. Zero selects the default.
	MaxFailures int
}

// BundleServerSource polls an HTTP bundle server for a gzipped policy
// tarball. Each new bundle is unpacked and committed into a local git
// repository so the bundle maker sees the same shape as a git source,
// including delta computation between consecutive bundles.
type BundleServerSource struct {
	logger hclog.Logger
	cfg    BundleServerConfig
	client *retryablehttp.Client

	events  chan Event
	trigger chan struct{}

	mu       sync.RWMutex
	repo     *git.Repository
	revision string

	// Conditional request state, kept in memory only. After a restart the
	// first fetch is unconditional and deduplicated by content instead.
	etag     string
	bodyHash string
}

// NewBundleServerSource validates the config and returns an unstarted
// source.
func NewBundleServerSource(logger hclog.Logger, cfg BundleServerConfig) (*BundleServerSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("bundle server source requires a URL")
	}
	if cfg.LocalPath == "" {
		return nil, errors.New("bundle server source requires a local path")
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaultPollingInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}

	log := logger.Named("bundle_server_source").With("url", cfg.URL)

	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.RetryMax = 3
	client.Logger = log

	return &BundleServerSource{
		logger:  log,
		cfg:     cfg,
		client:  client,
		events:  make(chan Event, 16),
		trigger: make(chan struct{}, 1),
	}, nil
}

func (s *BundleServerSource) Name() string { return "bundle_server" }

func (s *BundleServerSource) Events() <-chan Event { return s.events }

func (s *BundleServerSource) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *BundleServerSource) Repository() *git.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo
}

func (s *BundleServerSource) Revision() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Run fetches the bundle until the context is cancelled. Sustained failure
// to reach the bundle server is terminal.
func (s *BundleServerSource) Run(ctx context.Context) error {
	defer close(s.events)

	if err := s.openMirror(); err != nil {
		return err
	}

	bo := backoff.New(time.Second, s.cfg.PollingInterval)

	for attempt := 0; ; attempt++ {
		changed, err := s.fetch(ctx)
		if err == nil {
			if !changed && s.Revision() != "" {
				// Existing mirror already matches the served bundle.
				s.emit(Event{NewRevision: s.Revision()})
			}
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		if attempt+1 >= s.cfg.MaxFailures {
			return fmt.Errorf("failed to fetch initial bundle after %d attempts: %w", attempt+1, err)
		}
		s.logger.Error("failed to fetch initial bundle, retrying", "error", err, "attempt", attempt+1)
		if err := bo.Wait(ctx, attempt); err != nil {
			return nil
		}
	}

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

		if _, err := s.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Error("failed to fetch bundle", "error", err, "consecutive_failures", failures)
			if failures >= s.cfg.MaxFailures {
				return fmt.Errorf("bundle server unreachable after %d consecutive failures: %w", failures, err)
			}
			continue
		}
		failures = 0
	}
}

// openMirror opens or initializes the local repository the bundles are
// committed into.
func (s *BundleServerSource) openMirror() error {
	repo, err := git.PlainOpen(s.cfg.LocalPath)
	if err == nil {
		s.mu.Lock()
		s.repo = repo
		if head, err := repo.Head(); err == nil {
			s.revision = head.Hash().String()
		}
		s.mu.Unlock()
		return nil
	}

	if err := os.MkdirAll(s.cfg.LocalPath, 0o755); err != nil {
		return fmt.Errorf("failed to create bundle mirror path: %w", err)
	}
	repo, err = git.PlainInit(s.cfg.LocalPath, false)
	if err != nil {
		return fmt.Errorf("failed to initialize bundle mirror: %w", err)
	}

	s.mu.Lock()
	s.repo = repo
	s.mu.Unlock()
	return nil
}

// fetch performs one conditional GET cycle. It reports whether a new bundle
// was committed.
func (s *BundleServerSource) fetch(ctx context.Context) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build bundle request: %w", err)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch bundle: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return false, nil
	case resp.StatusCode == http.StatusNotFound:
		// Bundle not published yet; keep polling.
		s.logger.Debug("bundle server has no bundle yet")
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("bundle server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read bundle body: %w", err)
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	if hash == s.bodyHash {
		s.etag = resp.Header.Get("ETag")
		return false, nil
	}

	changed, err := s.commitBundle(body)
	if err != nil {
		return false, err
	}

	s.etag = resp.Header.Get("ETag")
	s.bodyHash = hash
	return changed, nil
}

// commitBundle replaces the mirror's worktree with the tarball content and
// commits the result. Identical content yields no new commit.
func (s *BundleServerSource) commitBundle(body []byte) (bool, error) {
	if err := s.clearWorktree(); err != nil {
		return false, err
	}
	if err := extractTarGz(bytes.NewReader(body), s.cfg.LocalPath); err != nil {
		return false, fmt.Errorf("failed to unpack bundle: %w", err)
	}

	repo := s.Repository()
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open mirror worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("failed to stage bundle content: %w", err)
	}

	hash, err := wt.Commit("bundle sync", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "opal-server",
			Email: "opal-server@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return false, nil
		}
		return false, fmt.Errorf("failed to commit bundle content: %w", err)
	}

	old := s.Revision()
	next := hash.String()

	s.mu.Lock()
	s.revision = next
	s.mu.Unlock()

	s.logger.Info("committed new bundle", "old_revision", old, "new_revision", next)
	s.emit(Event{OldRevision: old, NewRevision: next})
	return true, nil
}

// clearWorktree removes everything under the mirror except the git
// directory, so deleted bundle files show up as deletions in the commit.
func (s *BundleServerSource) clearWorktree() error {
	entries, err := os.ReadDir(s.cfg.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to list mirror path: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cfg.LocalPath, entry.Name())); err != nil {
			return fmt.Errorf("failed to clear mirror path: %w", err)
		}
	}
	return nil
}

func (s *BundleServerSource) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping source event, consumer lagging",
			"old_revision", ev.OldRevision, "new_revision", ev.NewRevision)
	}
}
