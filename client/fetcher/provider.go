// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetcher resolves data source entries into documents through
// pluggable fetch providers, bounded by a worker pool.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opal-project/opal/sdk"
)

// Provider fetches the document a fetch event points at.
type Provider interface {
	// Name is the identifier entries select the provider by.
	Name() string

	// Fetch retrieves and returns the document. The returned bytes must
	// be valid JSON.
	Fetch(ctx context.Context, event sdk.FetchEvent) (json.RawMessage, error)
}

// Registry holds the available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds a registry preloaded with the built-in HTTP provider.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.providers[sdk.DefaultFetcherName] = newHTTPGetProvider()
	return r
}

// Register adds a provider. Registering a name twice is an error so a
// misconfigured deployment fails loudly.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[p.Name()]; ok {
		return fmt.Errorf("fetch provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get resolves a provider by name; the empty name selects the default.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = sdk.DefaultFetcherName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown fetch provider %q", name)
	}
	return p, nil
}
