// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package updater keeps a client's policy store synchronized with the
// server: policy bundles on policy topics, fetched documents on data topics.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/opal-project/opal/sdk"
)

// ErrBundleNotFound is returned when the server does not know the requested
// base revision; callers fall back to a complete bundle.
var ErrBundleNotFound = fmt.Errorf("bundle revision not found")

// APIConfig configures the REST client against the server.
type APIConfig struct {
	Logger hclog.Logger

	// Address is the server's HTTP base URL, e.g. "http://server:7002".
	Address string

	// Token is sent as a bearer token when the server has auth enabled.
	Token string
}

// API is the REST side of the server connection, next to the websocket
// carrying notifications.
type API struct {
	logger  hclog.Logger
	address string
	token   string
	client  *retryablehttp.Client
}

// NewAPI builds the REST client.
func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("server API requires an address")
	}

	log := cfg.Logger.Named("server_api")

	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.Logger = log
	client.RetryMax = 3

	return &API{
		logger:  log,
		address: strings.TrimSuffix(cfg.Address, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

// PolicyBundle fetches a bundle against the server's current revision.
// Non-empty paths scope the bundle to those repository subtrees; an empty
// baseHash requests a complete bundle, otherwise a delta from that
// revision. An unknown base answers ErrBundleNotFound.
func (a *API) PolicyBundle(ctx context.Context, paths []string, baseHash string) (*sdk.PolicyBundle, error) {
	query := url.Values{}
	for _, p := range paths {
		query.Add("path", p)
	}
	if baseHash != "" {
		query.Set("base_hash", baseHash)
	}

	endpoint := a.address + "/policy"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := a.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer drainBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: base %q", ErrBundleNotFound, baseHash)
	default:
		return nil, fmt.Errorf("policy request returned status %d", resp.StatusCode)
	}

	var bundle sdk.PolicyBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode policy bundle: %w", err)
	}
	return &bundle, nil
}

// DataSourceConfig pulls the canonical data source list clients bootstrap
// from on every connect.
func (a *API) DataSourceConfig(ctx context.Context) (*sdk.ServerDataSourceConfig, error) {
	resp, err := a.get(ctx, a.address+"/data/config")
	if err != nil {
		return nil, err
	}
	defer drainBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("data config request returned status %d", resp.StatusCode)
	}

	var cfg sdk.ServerDataSourceConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode data source config: %w", err)
	}
	return &cfg, nil
}

// PostCallback reports a data update outcome to the callback URL named by
// the update. The payload is delivered best effort.
func (a *API) PostCallback(ctx context.Context, callbackURL string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, callbackURL, body)
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback delivery failed: %w", err)
	}
	defer drainBody(resp)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("callback %s returned status %d", callbackURL, resp.StatusCode)
	}
	return nil
}

func (a *API) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build server request: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server request failed: %w", err)
	}
	return resp, nil
}

func drainBody(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
