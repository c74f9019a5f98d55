// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package client wires the client plane together: the websocket
// subscription, the policy and data updaters, the fetch engine and the
// local store.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/client/config"
	"github.com/opal-project/opal/client/fetcher"
	"github.com/opal-project/opal/client/store"
	"github.com/opal-project/opal/client/updater"
	"github.com/opal-project/opal/pubsub/transport"
	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/sdk/helper/uuid"
)

// Agent is a single OPAL client process.
type Agent struct {
	logger hclog.Logger
	cfg    *config.Client

	store    store.Store
	txlog    *store.TransactionLog
	cache    *store.DataCache
	registry *fetcher.Registry
	engine   *fetcher.Engine
	policy   *updater.PolicyUpdater
	data     *updater.DataUpdater
	ws       *transport.Client
}

// NewAgent builds a stopped agent from the configuration.
func NewAgent(logger hclog.Logger, cfg *config.Client) (*Agent, error) {
	a := &Agent{
		logger: logger.Named("agent"),
		cfg:    cfg,
	}

	opaStore, err := store.NewOPAStore(store.OPAConfig{
		Logger:  logger,
		Address: cfg.OPA.Address,
		Token:   cfg.OPA.Token,
	})
	if err != nil {
		return nil, err
	}
	a.store = opaStore

	ignore, err := store.NewIgnoreList(cfg.PolicyIgnore)
	if err != nil {
		return nil, fmt.Errorf("invalid policy_ignore: %w", err)
	}

	// Whether data participates in readiness is settled on connect, once
	// the server's data source config is known.
	a.txlog = store.NewTransactionLog(logger, false)
	a.cache = store.NewDataCache()

	a.registry = fetcher.NewRegistry()
	a.engine, err = fetcher.NewEngine(fetcher.EngineConfig{
		Logger:         logger,
		Registry:       a.registry,
		Workers:        cfg.Fetcher.Workers,
		QueueSize:      cfg.Fetcher.QueueSize,
		EnqueueTimeout: cfg.Fetcher.EnqueueTimeout,
		RetryMax:       cfg.Fetcher.RetryMax,
		OnFailure: func(event sdk.FetchEvent, err error) {
			a.logger.Error("fetch task exhausted retries", "id", event.ID,
				"url", event.URL, "error", err)
		},
	})
	if err != nil {
		return nil, err
	}

	api, err := updater.NewAPI(updater.APIConfig{
		Logger:  logger,
		Address: cfg.Server.URL,
		Token:   cfg.Server.Token,
	})
	if err != nil {
		return nil, err
	}

	a.policy = updater.NewPolicyUpdater(updater.PolicyConfig{
		Logger: logger,
		API:    api,
		Store:  a.store,
		TxLog:  a.txlog,
		Ignore: ignore,
		Paths:  cfg.PolicyDirs,
	})
	a.data = updater.NewDataUpdater(updater.DataConfig{
		Logger: logger,
		API:    api,
		Store:  a.store,
		TxLog:  a.txlog,
		Engine: a.engine,
		Cache:  a.cache,
	})

	wsURL, err := websocketURL(cfg.Server.URL)
	if err != nil {
		return nil, err
	}

	clientID := cfg.Server.ClientID
	if clientID == "" {
		clientID = uuid.Generate()
	}

	a.ws = transport.NewClient(transport.ClientConfig{
		Logger:    logger,
		ServerURL: wsURL,
		Token:     cfg.Server.Token,
		ClientID:  clientID,
		Topics:    cfg.Topics(),
		Handler:   a.handleNotification,
	})
	a.ws.OnConnect(a.onConnect)

	return a, nil
}

// RegisterFetchProvider adds a custom fetch provider; must be called before
// Run.
func (a *Agent) RegisterFetchProvider(p fetcher.Provider) error {
	return a.registry.Register(p)
}

// Run starts the agent and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	go a.engine.Run(ctx)
	a.ws.Run(ctx)
	return nil
}

// Ready reports whether the store has reached a usable baseline.
func (a *Agent) Ready() bool { return a.txlog.Ready() }

// Healthy reports whether the latest store transactions succeeded.
func (a *Agent) Healthy() bool { return a.txlog.Healthy() }

// ExportData snapshots the mirrored data tree.
func (a *Agent) ExportData() (json.RawMessage, error) { return a.cache.Export() }

// onConnect runs a full resync after every connect: the server may have
// moved while the client was away, and notifications from that window are
// gone.
func (a *Agent) onConnect(ctx context.Context) {
	a.logger.Info("connected, starting full resync")

	if err := a.policy.Sync(ctx); err != nil {
		a.logger.Error("policy resync failed", "error", err)
	}
	if err := a.data.Bootstrap(ctx); err != nil {
		a.logger.Error("data bootstrap failed", "error", err)
	}
}

// handleNotification dispatches an inbound message by topic namespace.
func (a *Agent) handleNotification(topic string, data json.RawMessage) {
	ctx := context.Background()

	switch {
	case topic == sdk.TopicKeepalive:
		// Connection liveness only.

	case sdk.IsPolicyTopic(topic):
		if err := a.policy.HandleUpdate(ctx, data); err != nil {
			a.logger.Error("failed to apply policy update", "topic", topic, "error", err)
		}

	default:
		if err := a.data.HandleUpdate(ctx, data); err != nil {
			a.logger.Error("failed to apply data update", "topic", topic, "error", err)
		}
	}
}

// websocketURL derives the pub/sub endpoint from the server's HTTP base
// URL.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", base, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}
