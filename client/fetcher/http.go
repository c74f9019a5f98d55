// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/opal-project/opal/sdk"
)

// maxFetchBody bounds the size of a fetched document.
const maxFetchBody = 32 << 20

// httpGetProvider is the built-in provider behind DefaultFetcherName. It
// issues a plain GET and expects a JSON body back.
type httpGetProvider struct {
	client *http.Client
}

func newHTTPGetProvider() *httpGetProvider {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 30 * time.Second
	return &httpGetProvider{client: client}
}

func (p *httpGetProvider) Name() string { return sdk.DefaultFetcherName }

func (p *httpGetProvider) Fetch(ctx context.Context, event sdk.FetchEvent) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, event.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	applyRequestConfig(req, event.Config)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch of %s returned status %d", event.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read fetched document: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetched document from %s is not valid JSON", event.URL)
	}
	return json.RawMessage(body), nil
}

// applyRequestConfig maps the provider config onto the request. Supported
// keys are "token" (sent as a bearer token) and "headers" (a string map).
func applyRequestConfig(req *http.Request, config map[string]interface{}) {
	if config == nil {
		return
	}

	if token, ok := config["token"].(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	headers, ok := config["headers"].(map[string]interface{})
	if !ok {
		return
	}
	for name, raw := range headers {
		if value, ok := raw.(string); ok {
			req.Header.Set(name, value)
		}
	}
}
