// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

// DefaultFetcherName selects the built-in HTTP GET provider.
const DefaultFetcherName = "http_get"

// FetchEvent describes a single fetch task handed to the fetch engine. It is
// transient: created when the task is enqueued and discarded once the task
// completes.
type FetchEvent struct {
	// ID uniquely identifies the task for logging and failure reporting.
	ID string `json:"id"`

	// FetcherName selects the provider that executes the fetch.
	FetcherName string `json:"fetcher_name"`

	// URL is the location the provider should fetch.
	URL string `json:"url"`

	// Config is the provider-specific configuration.
	Config map[string]interface{} `json:"config,omitempty"`
}

// NewFetchEventFromEntry maps a data source entry onto a fetch event,
// substituting the default provider when the entry does not name one.
func NewFetchEventFromEntry(id string, entry DataSourceEntry) FetchEvent {
	name := entry.FetcherName()
	if name == "" {
		name = DefaultFetcherName
	}
	return FetchEvent{
		ID:          id,
		FetcherName: name,
		URL:         entry.URL,
		Config:      entry.Config,
	}
}
