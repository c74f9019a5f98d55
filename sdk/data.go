// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"fmt"
	"strings"
)

// SaveMethod controls how a fetched document is written into the store.
type SaveMethod string

const (
	// SaveMethodPut replaces the document at the destination path.
	SaveMethodPut SaveMethod = "PUT"

	// SaveMethodPatch applies the fetched value as a JSON Patch document to
	// the destination path.
	SaveMethodPatch SaveMethod = "PATCH"
)

// DataSourceEntry describes one external document a client should fetch and
// write into its store.
type DataSourceEntry struct {
	// URL of the document. The default fetcher issues a plain HTTP GET.
	URL string `json:"url" hcl:"url"`

	// Config is passed opaquely to the fetch provider. The reserved key
	// "fetcher" selects a non-default provider.
	Config map[string]interface{} `json:"config,omitempty" hcl:"config,optional"`

	// Topics the entry is announced on. Clients subscribed to any expansion
	// ancestor of these receive the update.
	Topics []string `json:"topics" hcl:"topics"`

	// DstPath is the destination path within the store's data document.
	DstPath string `json:"dst_path" hcl:"dst_path,optional"`

	// SaveMethod is PUT (replace) or PATCH (JSON Patch). Defaults to PUT.
	SaveMethod SaveMethod `json:"save_method,omitempty" hcl:"save_method,optional"`
}

// FetcherName returns the provider selected by the entry config, or the
// empty string when the default provider should be used.
func (e *DataSourceEntry) FetcherName() string {
	if e.Config == nil {
		return ""
	}
	name, _ := e.Config["fetcher"].(string)
	return name
}

// Validate checks the entry is well formed enough to be dispatched.
func (e *DataSourceEntry) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("data source entry is missing a url")
	}
	switch e.SaveMethod {
	case "", SaveMethodPut, SaveMethodPatch:
	default:
		return fmt.Errorf("unsupported save method %q", e.SaveMethod)
	}
	return nil
}

// NormalizeDestinationPath maps the various accepted spellings of a
// destination path onto the canonical leading-slash form. Empty and "."
// address the data document root.
func NormalizeDestinationPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == "." || path == "/" {
		return "/"
	}
	path = strings.Trim(path, "/")
	return "/" + path
}

// DataUpdate is the message published on data topics. Each entry is fetched
// and written independently; Reason is used only for logging.
type DataUpdate struct {
	ID      string            `json:"id,omitempty"`
	Entries []DataSourceEntry `json:"entries"`
	Reason  string            `json:"reason,omitempty"`

	// Callback optionally names a URL to report per-entry write status to.
	Callback string `json:"callback,omitempty"`
}

// Validate checks the update and all contained entries.
func (u *DataUpdate) Validate() error {
	if len(u.Entries) == 0 {
		return fmt.Errorf("data update carries no entries")
	}
	for i := range u.Entries {
		if err := u.Entries[i].Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

// AllTopics returns the deduplicated union of every entry's topics in
// first-seen order.
func (u *DataUpdate) AllTopics() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range u.Entries {
		for _, t := range e.Topics {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// ServerDataSourceConfig is the canonical bootstrap configuration a client
// pulls from the server on every connect.
type ServerDataSourceConfig struct {
	Entries []DataSourceEntry `json:"entries"`
}
