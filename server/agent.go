// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package server wires the coordination plane together: pub/sub, policy
// source watching, bundle building, webhook intake and the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/pubsub"
	"github.com/opal-project/opal/pubsub/transport"
	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/server/auth"
	"github.com/opal-project/opal/server/bundle"
	"github.com/opal-project/opal/server/config"
	serverhttp "github.com/opal-project/opal/server/http"
	"github.com/opal-project/opal/server/leader"
	"github.com/opal-project/opal/server/source"
	"github.com/opal-project/opal/server/webhook"
)

// webhookSubscriberID identifies the agent's own subscription on the
// webhook topic.
const webhookSubscriberID = "__server_webhook__"

// Agent is a single OPAL server worker.
type Agent struct {
	logger hclog.Logger

	// baseLogger is the unnamed root logger, kept for subsystems built
	// after construction, such as the per-election policy source.
	baseLogger hclog.Logger
	cfg        *config.Server

	notifier    *pubsub.Notifier
	broadcaster pubsub.Broadcaster
	tracker     *transport.ClientTracker
	maker       *bundle.Maker
	signer      *auth.Signer
	httpServer  *serverhttp.Server

	// srcMu guards src, which is swapped for a fresh instance every time
	// the watcher starts. Source.Run is single-shot.
	srcMu sync.RWMutex
	src   source.Source
}

// NewAgent builds a stopped agent from the configuration.
func NewAgent(logger hclog.Logger, cfg *config.Server) (*Agent, error) {
	a := &Agent{
		logger:     logger.Named("agent"),
		baseLogger: logger,
		cfg:        cfg,
	}

	a.notifier = pubsub.NewNotifier(logger)
	a.notifier.SetRestriction(pubsub.PermittedTopicsRestriction)

	if err := a.setupBroadcaster(logger); err != nil {
		return nil, err
	}

	a.tracker = transport.NewClientTracker(logger, a.broadcaster)
	a.notifier.AddObserver(a.tracker)

	// An initial source instance serves Status and bundle requests before
	// the watcher starts; runWatcher replaces it with a fresh one.
	src, err := a.buildSource()
	if err != nil {
		return nil, err
	}
	a.src = src

	maker, err := bundle.NewMaker(logger, bundle.Config{
		Extensions:       cfg.PolicySource.Extensions,
		Directories:      cfg.PolicySource.Directories,
		IgnoreGlobs:      cfg.PolicySource.BundleIgnore,
		ManifestFilename: cfg.PolicySource.ManifestFilename,
	})
	if err != nil {
		return nil, err
	}
	a.maker = maker

	var verifier auth.Verifier
	if cfg.Auth.Enabled() {
		a.signer, err = auth.NewSigner(auth.SignerConfig{
			PrivateKeyPath: cfg.Auth.PrivateKeyPath,
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to setup token signing: %w", err)
		}
		verifier = auth.NewChainVerifier(auth.NewMasterVerifier(cfg.Auth.MasterToken), a.signer)
	}

	var webhookValidator *webhook.Validator
	if cfg.Webhook.Secret != "" {
		webhookValidator, err = webhook.NewValidator(webhook.Config{
			Secret:        cfg.Webhook.Secret,
			Method:        webhook.AuthMethod(cfg.Webhook.AuthMethod),
			Header:        cfg.Webhook.Header,
			HeaderPattern: cfg.Webhook.HeaderPattern,
			TrackedRepos:  cfg.Webhook.TrackedRepos,
		})
		if err != nil {
			return nil, err
		}
	}

	var wsVerifier transport.TokenVerifier
	if verifier != nil {
		wsVerifier = verifier
	}
	wsEndpoint := transport.NewEndpoint(logger, a.notifier, a.broadcaster, wsVerifier, a.tracker)

	var masterVerifier auth.Verifier
	if cfg.Auth.MasterToken != "" {
		masterVerifier = auth.NewMasterVerifier(cfg.Auth.MasterToken)
	}

	a.httpServer, err = serverhttp.NewHTTPServer(serverhttp.ServerConfig{
		Logger:           logger,
		HTTP:             cfg.HTTP,
		EnableDebug:      cfg.EnableDebug,
		Backend:          a,
		Signer:           a.signer,
		Verifier:         verifier,
		MasterVerifier:   masterVerifier,
		WebhookValidator: webhookValidator,
		WSHandler:        wsEndpoint,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Agent) setupBroadcaster(logger hclog.Logger) error {
	switch a.cfg.Broadcast.Backend {
	case "", "local":
		a.broadcaster = pubsub.NewLocalBroadcaster(a.notifier)
	case "postgres":
		b, err := pubsub.NewPostgresBroadcaster(logger, a.notifier,
			a.cfg.Broadcast.PostgresURI, a.cfg.Broadcast.Channel, a.cfg.Broadcast.KeepaliveInterval)
		if err != nil {
			return fmt.Errorf("failed to setup postgres broadcast: %w", err)
		}
		a.broadcaster = b
	default:
		return fmt.Errorf("unknown broadcast backend %q", a.cfg.Broadcast.Backend)
	}
	return nil
}

// buildSource constructs a fresh, unstarted policy source. A source run is
// single-shot, so every watcher start gets its own instance.
func (a *Agent) buildSource() (source.Source, error) {
	ps := a.cfg.PolicySource

	switch ps.Kind {
	case "", "git":
		return source.NewGitSource(a.baseLogger, source.GitConfig{
			URL:             ps.URL,
			Branch:          ps.Branch,
			LocalPath:       ps.LocalPath,
			PollingInterval: ps.PollingInterval,
			Token:           ps.Token,
			TokenUsername:   ps.TokenUsername,
			MaxFailures:     ps.MaxFailures,
		})
	case "bundle_server":
		return source.NewBundleServerSource(a.baseLogger, source.BundleServerConfig{
			URL:             ps.URL,
			LocalPath:       ps.LocalPath,
			PollingInterval: ps.PollingInterval,
			Token:           ps.Token,
			MaxFailures:     ps.MaxFailures,
		})
	default:
		return nil, fmt.Errorf("unknown policy source kind %q", ps.Kind)
	}
}

// source returns the current policy source instance.
func (a *Agent) source() source.Source {
	a.srcMu.RLock()
	defer a.srcMu.RUnlock()
	return a.src
}

// Run starts the agent and blocks until the context is cancelled or the
// policy source fails terminally. A terminal source failure shuts the
// worker down rather than letting it serve stale bundles indefinitely.
func (a *Agent) Run(ctx context.Context) error {
	go a.httpServer.Start()
	defer a.httpServer.Stop()

	go func() {
		if err := a.broadcaster.Run(ctx); err != nil {
			a.logger.Error("broadcast backend failed", "error", err)
		}
	}()

	// Webhook deliveries are broadcast so the worker holding the source
	// lease syncs regardless of which worker served the HTTP request.
	err := a.notifier.Subscribe(webhookSubscriberID, nil, []string{sdk.TopicWebhook},
		func(topic string, data json.RawMessage) {
			a.source().Trigger()
		})
	if err != nil {
		return fmt.Errorf("failed to subscribe to webhook topic: %w", err)
	}
	defer a.notifier.Unsubscribe(webhookSubscriberID)

	watchErrCh := make(chan error, 1)
	if a.cfg.HighAvailability.Enable {
		lock, err := leader.NewFileLock(a.cfg.HighAvailability.LockPath)
		if err != nil {
			return fmt.Errorf("failed to setup leader lock: %w", err)
		}
		elector := leader.NewElector(a.logger, lock, a.cfg.HighAvailability.RetryInterval)
		go func() { watchErrCh <- elector.Run(ctx, a.runWatcher) }()
	} else {
		go func() { watchErrCh <- a.runWatcher(ctx) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-watchErrCh:
		if err != nil {
			a.logger.Error("policy source failed, shutting down", "error", err)
			return fmt.Errorf("policy source failed: %w", err)
		}
		return nil
	}
}

// runWatcher runs the policy source and turns its revision events into
// policy update broadcasts. Only the leading worker runs this. Each
// invocation builds a fresh source, so losing and re-acquiring leadership
// is safe; a non-nil return is a terminal source failure.
func (a *Agent) runWatcher(ctx context.Context) error {
	src, err := a.buildSource()
	if err != nil {
		return err
	}

	a.srcMu.Lock()
	a.src = src
	a.srcMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range src.Events() {
			a.publishPolicyUpdate(ev)
		}
	}()

	err = src.Run(ctx)
	<-done
	return err
}

// publishPolicyUpdate broadcasts the directories affected by a revision
// change on their policy topics.
func (a *Agent) publishPolicyUpdate(ev source.Event) {
	repo := a.source().Repository()
	if repo == nil {
		return
	}

	dirs, err := a.maker.AffectedDirectories(repo, ev.OldRevision, ev.NewRevision)
	if err != nil {
		a.logger.Error("failed to compute affected directories", "error", err,
			"old_revision", ev.OldRevision, "new_revision", ev.NewRevision)
		return
	}
	if len(dirs) == 0 {
		a.logger.Debug("revision change touched no policy content",
			"new_revision", ev.NewRevision)
		return
	}

	topics := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		topics = append(topics, sdk.PolicyTopic(dir))
	}

	msg := sdk.PolicyUpdateMessage{
		OldHash: ev.OldRevision,
		NewHash: ev.NewRevision,
		Topics:  topics,
	}
	if err := a.broadcaster.Publish(topics, msg); err != nil {
		a.logger.Error("failed to broadcast policy update", "error", err)
		return
	}
	a.logger.Info("broadcast policy update", "new_revision", ev.NewRevision, "topics", topics)
}

// Status implements the HTTP backend health hook.
func (a *Agent) Status() serverhttp.Status {
	src := a.source()
	rev := src.Revision()
	return serverhttp.Status{
		Ready:    rev != "",
		Revision: rev,
		Source:   src.Name(),
	}
}

// PolicyBundle builds a complete or delta bundle against the current
// revision, restricted to the requested repository paths when any are
// named.
func (a *Agent) PolicyBundle(paths []string, baseHash string) (*sdk.PolicyBundle, error) {
	src := a.source()
	repo := src.Repository()
	rev := src.Revision()
	if repo == nil || rev == "" {
		return nil, serverhttp.ErrSourceNotReady
	}

	maker := a.maker.Scoped(paths)

	if baseHash == "" {
		return maker.CompleteBundle(repo, rev)
	}
	if baseHash == rev {
		// Client is already current.
		return &sdk.PolicyBundle{
			Manifest:     []string{},
			Hash:         rev,
			OldHash:      baseHash,
			DeletedFiles: &sdk.DeletedFiles{},
		}, nil
	}
	return maker.DeltaBundle(repo, baseHash, rev)
}

// DataSourceConfig lists the configured data sources.
func (a *Agent) DataSourceConfig() sdk.ServerDataSourceConfig {
	return sdk.ServerDataSourceConfig{Entries: a.cfg.SDKDataEntries()}
}

// PublishDataUpdate fans a data update out to its topics.
func (a *Agent) PublishDataUpdate(update *sdk.DataUpdate) error {
	return a.broadcaster.Publish(update.AllTopics(), update)
}

// HandleWebhook broadcasts the webhook receipt so the leading worker
// triggers a source sync.
func (a *Agent) HandleWebhook() {
	err := a.broadcaster.Publish([]string{sdk.TopicWebhook}, map[string]string{"action": "sync"})
	if err != nil {
		a.logger.Error("failed to broadcast webhook receipt", "error", err)
	}
}

// Clients snapshots the connected websocket clients.
func (a *Agent) Clients() []transport.ClientInfo {
	return a.tracker.List()
}

// HTTPAddr is the bound API address, exposed for tests and logs.
func (a *Agent) HTTPAddr() string {
	return a.httpServer.Addr()
}
