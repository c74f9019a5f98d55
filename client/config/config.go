// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/sdk/helper/file"
)

// Client is the overall configuration of an OPAL client and includes all
// required information for it to start successfully.
//
// All time.Duration values have two parts:
//   - a string field tagged with an hcl:"foo" and json:"-"
//   - a time.Duration field in the same struct which is populated within
//     parseFile if the HCL param is populated.
type Client struct {

	// LogLevel is the level of the logs to emit.
	LogLevel string `hcl:"log_level,optional"`

	// LogJson enables log output in JSON format.
	LogJson bool `hcl:"log_json,optional"`

	// Server is the connection to the OPAL server.
	Server *Server `hcl:"server,block"`

	// OPA is the connection to the local policy engine.
	OPA *OPA `hcl:"opa,block"`

	// Fetcher configures the data fetch worker pool.
	Fetcher *Fetcher `hcl:"fetcher,block"`

	// PolicyDirs are the policy repository directories to subscribe to.
	// Each becomes a "policy:<dir>" topic; the default is the repository
	// root.
	PolicyDirs []string `hcl:"policy_dirs,optional"`

	// DataTopics are the data topics to subscribe to.
	DataTopics []string `hcl:"data_topics,optional"`

	// PolicyIgnore excludes matching bundle paths from the store; "!"
	// prefixed entries re-include.
	PolicyIgnore []string `hcl:"policy_ignore,optional"`
}

// Server is the connection to the OPAL server.
type Server struct {

	// URL is the server's HTTP base URL; the websocket endpoint is derived
	// from it.
	URL string `hcl:"url,optional"`

	// Token is the bearer credential presented to the server; empty in
	// development mode.
	Token string `hcl:"token,optional"`

	// ClientID pins the server-side identity across reconnects. Empty
	// generates a random id at startup.
	ClientID string `hcl:"client_id,optional"`
}

// OPA is the connection to the local policy engine.
type OPA struct {

	// Address of the OPA REST API.
	Address string `hcl:"address,optional"`

	// Token is sent as a bearer token when OPA runs with authz enabled.
	Token string `hcl:"token,optional"`
}

// Fetcher configures the data fetch worker pool.
type Fetcher struct {

	// Workers bounds the number of concurrent fetches.
	Workers int `hcl:"workers,optional"`

	// QueueSize bounds the number of tasks waiting for a worker.
	QueueSize int `hcl:"queue_size,optional"`

	// EnqueueTimeout is how long a submitter blocks on a full queue
	// before giving up.
	EnqueueTimeout    time.Duration
	EnqueueTimeoutHCL string `hcl:"enqueue_timeout,optional" json:"-"`

	// RetryMax bounds retries per fetch task.
	RetryMax int `hcl:"retry_max,optional"`
}

const (
	// defaultLogLevel is the default log level used for the client.
	defaultLogLevel = "info"

	// defaultServerURL points at a server on the local machine.
	defaultServerURL = "http://127.0.0.1:7002"

	// defaultOPAAddress points at an OPA on the local machine.
	defaultOPAAddress = "http://127.0.0.1:8181"
)

// Default is used to generate a new default client configuration.
func Default() (*Client, error) {
	return &Client{
		LogLevel:   defaultLogLevel,
		Server:     &Server{URL: defaultServerURL},
		OPA:        &OPA{Address: defaultOPAAddress},
		Fetcher:    &Fetcher{},
		PolicyDirs: []string{"."},
		DataTopics: []string{sdk.DefaultDataTopic},
	}, nil
}

// Merge is used to merge two client configurations.
func (c *Client) Merge(b *Client) *Client {
	if c == nil {
		return b
	}

	result := *c

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}

	if b.Server != nil {
		result.Server = result.Server.merge(b.Server)
	}
	if b.OPA != nil {
		result.OPA = result.OPA.merge(b.OPA)
	}
	if b.Fetcher != nil {
		result.Fetcher = result.Fetcher.merge(b.Fetcher)
	}

	if len(b.PolicyDirs) != 0 {
		result.PolicyDirs = b.PolicyDirs
	}
	if len(b.DataTopics) != 0 {
		result.DataTopics = b.DataTopics
	}
	if len(b.PolicyIgnore) != 0 {
		result.PolicyIgnore = b.PolicyIgnore
	}

	return &result
}

// Validate checks the configuration is complete enough to start a client.
func (c *Client) Validate() error {
	var result *multierror.Error

	if c.Server != nil {
		result = multierror.Append(result, c.Server.validate())
	}
	if c.Fetcher != nil {
		result = multierror.Append(result, c.Fetcher.validate())
	}

	return result.ErrorOrNil()
}

// Topics returns the full subscription list: one policy topic per
// configured directory plus every data topic.
func (c *Client) Topics() []string {
	var out []string
	for _, dir := range c.PolicyDirs {
		out = append(out, sdk.PolicyTopic(dir))
	}
	out = append(out, c.DataTopics...)
	return out
}

func (s *Server) merge(b *Server) *Server {
	if s == nil {
		return b
	}

	result := *s

	if b.URL != "" {
		result.URL = b.URL
	}
	if b.Token != "" {
		result.Token = b.Token
	}
	if b.ClientID != "" {
		result.ClientID = b.ClientID
	}

	return &result
}

func (s *Server) validate() *multierror.Error {
	var result *multierror.Error
	prefix := "server ->"

	if s.URL == "" {
		result = multierror.Append(result, errors.New("url is required"))
	} else if u, err := url.Parse(s.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		result = multierror.Append(result, fmt.Errorf("invalid url %q", s.URL))
	}

	if result != nil {
		for i, err := range result.Errors {
			result.Errors[i] = multierror.Prefix(err, prefix)
		}
	}
	return result
}

func (o *OPA) merge(b *OPA) *OPA {
	if o == nil {
		return b
	}

	result := *o

	if b.Address != "" {
		result.Address = b.Address
	}
	if b.Token != "" {
		result.Token = b.Token
	}

	return &result
}

func (f *Fetcher) merge(b *Fetcher) *Fetcher {
	if f == nil {
		return b
	}

	result := *f

	if b.Workers != 0 {
		result.Workers = b.Workers
	}
	if b.QueueSize != 0 {
		result.QueueSize = b.QueueSize
	}
	if b.EnqueueTimeout != 0 {
		result.EnqueueTimeout = b.EnqueueTimeout
	}
	if b.RetryMax != 0 {
		result.RetryMax = b.RetryMax
	}

	return &result
}

func (f *Fetcher) validate() *multierror.Error {
	var result *multierror.Error
	prefix := "fetcher ->"

	if f.Workers < 0 {
		result = multierror.Append(result, errors.New("workers must not be negative"))
	}
	if f.QueueSize < 0 {
		result = multierror.Append(result, errors.New("queue_size must not be negative"))
	}

	if result != nil {
		for i, err := range result.Errors {
			result.Errors[i] = multierror.Prefix(err, prefix)
		}
	}
	return result
}

func parseFile(path string, cfg *Client) error {
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return err
	}

	if cfg.Fetcher != nil && cfg.Fetcher.EnqueueTimeoutHCL != "" {
		d, err := time.ParseDuration(cfg.Fetcher.EnqueueTimeoutHCL)
		if err != nil {
			return err
		}
		cfg.Fetcher.EnqueueTimeout = d
	}

	return nil
}

// LoadPaths builds the runtime configuration from the default overlaid
// with each path in order.
func LoadPaths(paths []string) (*Client, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	var validationErr *multierror.Error

	for _, path := range paths {
		current, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("error loading configuration from %s: %s", path, err)
		}

		if err := current.Validate(); err != nil {
			errPrefix := fmt.Sprintf("%s:", path)
			validationErr = multierror.Append(validationErr, multierror.Prefix(err, errPrefix))
			continue
		}

		cfg = cfg.Merge(current)
	}

	if validationErr != nil {
		return nil, fmt.Errorf("invalid configuration. %v", validationErr)
	}

	return cfg, nil
}

// Load loads the configuration at the given path, regardless if its a file
// or directory.
func Load(path string) (*Client, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return loadDir(path)
	}

	cfg := &Client{}
	if err := parseFile(filepath.Clean(path), cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %v", path, err)
	}
	return cfg, nil
}

// loadDir loads all the configurations in the given directory in
// alphabetical order.
func loadDir(dir string) (*Client, error) {
	files, err := file.GetFileListFromDir(dir, ".hcl", ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to load config directory: %v", err)
	}
	if len(files) == 0 {
		return &Client{}, nil
	}

	sort.Strings(files)

	var result *Client
	for _, f := range files {
		cfg := &Client{}
		if err := parseFile(f, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %v", f, err)
		}

		if result == nil {
			result = cfg
		} else {
			result = result.Merge(cfg)
		}
	}

	return result, nil
}
