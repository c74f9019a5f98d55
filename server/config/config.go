// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/mitchellh/copystructure"

	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/sdk/helper/file"
)

// Server is the overall configuration of an OPAL server and includes all
// required information for it to start successfully.
//
// All time.Duration values have two parts:
//   - a string field tagged with an hcl:"foo" and json:"-"
//   - a time.Duration field in the same struct which is populated within
//     parseFile if the HCL param is populated.
type Server struct {

	// LogLevel is the level of the logs to emit.
	LogLevel string `hcl:"log_level,optional"`

	// LogJson enables log output in JSON format.
	LogJson bool `hcl:"log_json,optional"`

	// EnableDebug is used to enable debugging HTTP endpoints.
	EnableDebug bool `hcl:"enable_debug,optional"`

	// HTTP is the configuration used to setup the API and pub/sub server.
	HTTP *HTTP `hcl:"http,block"`

	// Broadcast is the configuration of the cross-worker broadcast
	// channel.
	Broadcast *Broadcast `hcl:"broadcast,block"`

	// Auth is the configuration of client token issuing and verification.
	Auth *Auth `hcl:"auth,block"`

	// PolicySource is the configuration of the tracked policy repository.
	PolicySource *PolicySource `hcl:"policy_source,block"`

	// Webhook is the configuration of incoming VCS webhook validation.
	Webhook *Webhook `hcl:"webhook,block"`

	// HighAvailability is the configuration used for the leader election
	// between workers sharing one policy source.
	HighAvailability *HighAvailability `hcl:"high_availability,block"`

	// DataEntries are the data sources served to clients from
	// GET /data/config.
	DataEntries []*DataEntry `hcl:"data_entry,block"`
}

// HTTP contains all configuration details for running the server's HTTP
// and websocket listener.
type HTTP struct {

	// BindAddress is the tcp address to bind to.
	BindAddress string `hcl:"bind_address,optional"`

	// BindPort is the port used to run the HTTP server.
	BindPort int `hcl:"bind_port,optional"`
}

// Broadcast selects and configures the backend that fans published
// messages out to every server worker.
type Broadcast struct {

	// Backend is either "local" for a single worker or "postgres" for a
	// shared channel between workers.
	Backend string `hcl:"backend,optional"`

	// PostgresURI is the connection string of the postgres backend.
	PostgresURI string `hcl:"postgres_uri,optional"`

	// Channel is the postgres NOTIFY channel name.
	Channel string `hcl:"channel,optional"`

	// KeepaliveInterval is how often a keepalive message is broadcast to
	// detect dead backend connections.
	KeepaliveInterval    time.Duration
	KeepaliveIntervalHCL string `hcl:"keepalive_interval,optional" json:"-"`
}

// Auth configures bearer token verification and the token endpoint.
type Auth struct {

	// MasterToken grants unrestricted access when presented as a bearer
	// token. Leaving it and PrivateKeyPath empty disables authentication.
	MasterToken string `hcl:"master_token,optional"`

	// Enable turns token verification on even without a master token.
	Enable bool `hcl:"enabled,optional"`

	// PrivateKeyPath points at the PEM-encoded RSA key used to sign
	// client tokens. Empty generates an ephemeral key at startup.
	PrivateKeyPath string `hcl:"private_key_path,optional"`

	// Issuer and Audience are stamped into and required of signed
	// tokens.
	Issuer   string `hcl:"issuer,optional"`
	Audience string `hcl:"audience,optional"`
}

// PolicySource configures the tracked policy repository.
type PolicySource struct {

	// Kind is either "git" or "bundle_server".
	Kind string `hcl:"kind,optional"`

	// URL of the remote repository or bundle endpoint.
	URL string `hcl:"url,optional"`

	// Branch to track; git sources only.
	Branch string `hcl:"branch,optional"`

	// LocalPath is where the local mirror lives.
	LocalPath string `hcl:"local_path,optional"`

	// Token authenticates against the remote. TokenUsername applies to
	// git over HTTPS only.
	Token         string `hcl:"token,optional"`
	TokenUsername string `hcl:"token_username,optional"`

	// PollingInterval between source syncs.
	PollingInterval    time.Duration
	PollingIntervalHCL string `hcl:"polling_interval,optional" json:"-"`

	// MaxFailures is the number of consecutive sync failures tolerated
	// before the source is considered terminally broken. Zero selects the
	// source's default.
	MaxFailures int `hcl:"max_failures,optional"`

	// Extensions of policy module files.
	Extensions []string `hcl:"extensions,optional"`

	// Directories restricts bundles to the listed subtrees.
	Directories []string `hcl:"directories,optional"`

	// BundleIgnore excludes matching paths from bundles; "!" prefixed
	// entries re-include.
	BundleIgnore []string `hcl:"bundle_ignore,optional"`

	// ManifestFilename overrides the ".manifest" default.
	ManifestFilename string `hcl:"manifest_filename,optional"`
}

// Webhook configures validation of change notifications from the VCS
// host.
type Webhook struct {

	// Secret shared with the VCS host. Empty disables the webhook
	// endpoint.
	Secret string `hcl:"secret,optional"`

	// AuthMethod is "signature" or "token".
	AuthMethod string `hcl:"auth_method,optional"`

	// Header carrying the signature or token.
	Header string `hcl:"header,optional"`

	// HeaderPattern extracts the value from the header via its first
	// capture group.
	HeaderPattern string `hcl:"header_pattern,optional"`

	// TrackedRepos are repository URLs or full names the webhook must
	// reference.
	TrackedRepos []string `hcl:"tracked_repos,optional"`
}

// HighAvailability configures the leader election between workers.
type HighAvailability struct {
	Enable   bool   `hcl:"enabled,optional"`
	LockPath string `hcl:"lock_path,optional" json:"-"`

	// RetryInterval is how often a non-leader re-contends for the lock.
	RetryInterval    time.Duration
	RetryIntervalHCL string `hcl:"retry_interval,optional" json:"-"`
}

// DataEntry is one configured data source handed to clients.
type DataEntry struct {
	Name       string            `hcl:"name,label"`
	URL        string            `hcl:"url"`
	Topics     []string          `hcl:"topics,optional"`
	DstPath    string            `hcl:"dst_path,optional"`
	SaveMethod string            `hcl:"save_method,optional"`
	Config     map[string]string `hcl:"config,optional"`
}

const (
	// defaultLogLevel is the default log level used for the server.
	defaultLogLevel = "info"

	// defaultHTTPBindAddress is the default address used for the HTTP
	// server.
	defaultHTTPBindAddress = "127.0.0.1"

	// defaultHTTPBindPort is the default port used for the HTTP server.
	defaultHTTPBindPort = 7002

	// defaultBroadcastBackend keeps single-worker deployments free of
	// external dependencies.
	defaultBroadcastBackend = "local"

	// defaultBroadcastChannel is the postgres NOTIFY channel name.
	defaultBroadcastChannel = "opal_broadcast"

	// defaultKeepaliveInterval is the default broadcast keepalive
	// cadence.
	defaultKeepaliveInterval = 30 * time.Second

	// defaultSourceKind tracks a git repository.
	defaultSourceKind = "git"

	// defaultPollingInterval is the default source sync cadence.
	defaultPollingInterval = 30 * time.Second

	// defaultLockPath is the default path used for the lock that syncs
	// the leader election.
	defaultLockPath = "opal-server/leader.lock"

	// defaultHARetryInterval is the default leader lock contention
	// cadence.
	defaultHARetryInterval = 5 * time.Second
)

// Default is used to generate a new default server configuration.
func Default() (*Server, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	return &Server{
		LogLevel: defaultLogLevel,
		HTTP: &HTTP{
			BindAddress: defaultHTTPBindAddress,
			BindPort:    defaultHTTPBindPort,
		},
		Broadcast: &Broadcast{
			Backend:           defaultBroadcastBackend,
			Channel:           defaultBroadcastChannel,
			KeepaliveInterval: defaultKeepaliveInterval,
		},
		Auth: &Auth{},
		PolicySource: &PolicySource{
			Kind:            defaultSourceKind,
			LocalPath:       filepath.Join(pwd, "policy-repo"),
			PollingInterval: defaultPollingInterval,
		},
		Webhook: &Webhook{},
		HighAvailability: &HighAvailability{
			LockPath:      filepath.Join(os.TempDir(), defaultLockPath),
			RetryInterval: defaultHARetryInterval,
		},
	}, nil
}

// Merge is used to merge two server configurations.
func (s *Server) Merge(b *Server) *Server {
	if s == nil {
		return b
	}

	result := *s

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}

	if b.HTTP != nil {
		result.HTTP = result.HTTP.merge(b.HTTP)
	}
	if b.Broadcast != nil {
		result.Broadcast = result.Broadcast.merge(b.Broadcast)
	}
	if b.Auth != nil {
		result.Auth = result.Auth.merge(b.Auth)
	}
	if b.PolicySource != nil {
		result.PolicySource = result.PolicySource.merge(b.PolicySource)
	}
	if b.Webhook != nil {
		result.Webhook = result.Webhook.merge(b.Webhook)
	}
	if b.HighAvailability != nil {
		result.HighAvailability = result.HighAvailability.merge(b.HighAvailability)
	}

	if len(b.DataEntries) != 0 {
		result.DataEntries = dataEntrySetMerge(result.DataEntries, b.DataEntries)
	}

	return &result
}

// Validate checks the configuration is complete enough to start a server.
func (s *Server) Validate() error {
	var result *multierror.Error

	if s.Broadcast != nil {
		result = multierror.Append(result, s.Broadcast.validate())
	}
	if s.PolicySource != nil {
		result = multierror.Append(result, s.PolicySource.validate())
	}
	for _, entry := range s.DataEntries {
		result = multierror.Append(result, entry.validate())
	}

	return result.ErrorOrNil()
}

// SDKDataEntries converts the configured entries into the wire form served
// to clients.
func (s *Server) SDKDataEntries() []sdk.DataSourceEntry {
	out := make([]sdk.DataSourceEntry, 0, len(s.DataEntries))
	for _, entry := range s.DataEntries {
		topics := entry.Topics
		if len(topics) == 0 {
			topics = []string{sdk.DefaultDataTopic}
		}
		method := sdk.SaveMethod(entry.SaveMethod)
		if method == "" {
			method = sdk.SaveMethodPut
		}

		cfg := make(map[string]interface{}, len(entry.Config))
		for k, v := range entry.Config {
			cfg[k] = v
		}

		out = append(out, sdk.DataSourceEntry{
			URL:        entry.URL,
			Config:     cfg,
			Topics:     topics,
			DstPath:    sdk.NormalizeDestinationPath(entry.DstPath),
			SaveMethod: method,
		})
	}
	return out
}

func (h *HTTP) merge(b *HTTP) *HTTP {
	if h == nil {
		return b
	}

	result := *h

	if b.BindAddress != "" {
		result.BindAddress = b.BindAddress
	}
	if b.BindPort != 0 {
		result.BindPort = b.BindPort
	}

	return &result
}

func (bc *Broadcast) merge(b *Broadcast) *Broadcast {
	if bc == nil {
		return b
	}

	result := *bc

	if b.Backend != "" {
		result.Backend = b.Backend
	}
	if b.PostgresURI != "" {
		result.PostgresURI = b.PostgresURI
	}
	if b.Channel != "" {
		result.Channel = b.Channel
	}
	if b.KeepaliveInterval != 0 {
		result.KeepaliveInterval = b.KeepaliveInterval
	}

	return &result
}

func (bc *Broadcast) validate() *multierror.Error {
	var result *multierror.Error
	prefix := "broadcast ->"

	switch bc.Backend {
	case "", "local":
	case "postgres":
		if bc.PostgresURI == "" {
			result = multierror.Append(result, errors.New("postgres backend requires postgres_uri"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown backend %q", bc.Backend))
	}

	if result != nil {
		for i, err := range result.Errors {
			result.Errors[i] = multierror.Prefix(err, prefix)
		}
	}
	return result
}

func (a *Auth) merge(b *Auth) *Auth {
	if a == nil {
		return b
	}

	result := *a

	if b.MasterToken != "" {
		result.MasterToken = b.MasterToken
	}
	if b.Enable {
		result.Enable = true
	}
	if b.PrivateKeyPath != "" {
		result.PrivateKeyPath = b.PrivateKeyPath
	}
	if b.Issuer != "" {
		result.Issuer = b.Issuer
	}
	if b.Audience != "" {
		result.Audience = b.Audience
	}

	return &result
}

// Enabled reports whether bearer tokens are required.
func (a *Auth) Enabled() bool {
	return a != nil && (a.Enable || a.MasterToken != "")
}

func (ps *PolicySource) merge(b *PolicySource) *PolicySource {
	if ps == nil {
		return b
	}

	result := *ps

	if b.Kind != "" {
		result.Kind = b.Kind
	}
	if b.URL != "" {
		result.URL = b.URL
	}
	if b.Branch != "" {
		result.Branch = b.Branch
	}
	if b.LocalPath != "" {
		result.LocalPath = b.LocalPath
	}
	if b.Token != "" {
		result.Token = b.Token
	}
	if b.TokenUsername != "" {
		result.TokenUsername = b.TokenUsername
	}
	if b.PollingInterval != 0 {
		result.PollingInterval = b.PollingInterval
	}
	if b.MaxFailures != 0 {
		result.MaxFailures = b.MaxFailures
	}
	if len(b.Extensions) != 0 {
		result.Extensions = b.Extensions
	}
	if len(b.Directories) != 0 {
		result.Directories = b.Directories
	}
	if len(b.BundleIgnore) != 0 {
		result.BundleIgnore = b.BundleIgnore
	}
	if b.ManifestFilename != "" {
		result.ManifestFilename = b.ManifestFilename
	}

	return &result
}

func (ps *PolicySource) validate() *multierror.Error {
	var result *multierror.Error
	prefix := "policy_source ->"

	switch ps.Kind {
	case "", "git", "bundle_server":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown kind %q", ps.Kind))
	}
	if ps.URL == "" {
		result = multierror.Append(result, errors.New("url is required"))
	}

	if result != nil {
		for i, err := range result.Errors {
			result.Errors[i] = multierror.Prefix(err, prefix)
		}
	}
	return result
}

func (w *Webhook) merge(b *Webhook) *Webhook {
	if w == nil {
		return b
	}

	result := *w

	if b.Secret != "" {
		result.Secret = b.Secret
	}
	if b.AuthMethod != "" {
		result.AuthMethod = b.AuthMethod
	}
	if b.Header != "" {
		result.Header = b.Header
	}
	if b.HeaderPattern != "" {
		result.HeaderPattern = b.HeaderPattern
	}
	if len(b.TrackedRepos) != 0 {
		result.TrackedRepos = b.TrackedRepos
	}

	return &result
}

func (ha *HighAvailability) merge(b *HighAvailability) *HighAvailability {
	if ha == nil {
		return b
	}

	result := *ha

	if b.Enable {
		result.Enable = true
	}
	if b.LockPath != "" {
		result.LockPath = b.LockPath
	}
	if b.RetryInterval != 0 {
		result.RetryInterval = b.RetryInterval
	}

	return &result
}

func (d *DataEntry) validate() *multierror.Error {
	var result *multierror.Error
	prefix := fmt.Sprintf("data_entry[%s] ->", d.Name)

	if d.URL == "" {
		result = multierror.Append(result, errors.New("url is required"))
	}
	switch sdk.SaveMethod(d.SaveMethod) {
	case "", sdk.SaveMethodPut, sdk.SaveMethodPatch:
	default:
		result = multierror.Append(result, fmt.Errorf("invalid save_method %q", d.SaveMethod))
	}

	if result != nil {
		for i, err := range result.Errors {
			result.Errors[i] = multierror.Prefix(err, prefix)
		}
	}
	return result
}

func (d *DataEntry) copy() *DataEntry {
	if d == nil {
		return nil
	}

	c := *d
	if i, err := copystructure.Copy(d.Config); err != nil {
		panic(err.Error())
	} else {
		c.Config = i.(map[string]string)
	}
	c.Topics = append([]string(nil), d.Topics...)
	return &c
}

func (d *DataEntry) merge(b *DataEntry) *DataEntry {
	if d == nil {
		return b
	}

	result := *d

	if b.URL != "" {
		result.URL = b.URL
	}
	if len(b.Topics) != 0 {
		result.Topics = b.Topics
	}
	if b.DstPath != "" {
		result.DstPath = b.DstPath
	}
	if b.SaveMethod != "" {
		result.SaveMethod = b.SaveMethod
	}
	if len(b.Config) != 0 {
		result.Config = b.Config
	}

	return result.copy()
}

// dataEntrySetMerge merges two sets of data entries. Entries with the same
// name are merged field by field.
func dataEntrySetMerge(first, second []*DataEntry) []*DataEntry {
	findex := make(map[string]*DataEntry, len(first))
	for _, e := range first {
		findex[e.Name] = e
	}

	sindex := make(map[string]*DataEntry, len(second))
	for _, e := range second {
		sindex[e.Name] = e
	}

	var out []*DataEntry
	for name, original := range findex {
		override, ok := sindex[name]
		if !ok {
			out = append(out, original.copy())
			continue
		}
		out = append(out, original.merge(override))
	}
	for name, entry := range sindex {
		if _, ok := findex[name]; ok {
			continue
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func parseFile(path string, cfg *Server) error {
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return err
	}

	if cfg.Broadcast != nil && cfg.Broadcast.KeepaliveIntervalHCL != "" {
		d, err := time.ParseDuration(cfg.Broadcast.KeepaliveIntervalHCL)
		if err != nil {
			return err
		}
		cfg.Broadcast.KeepaliveInterval = d
	}

	if cfg.PolicySource != nil && cfg.PolicySource.PollingIntervalHCL != "" {
		d, err := time.ParseDuration(cfg.PolicySource.PollingIntervalHCL)
		if err != nil {
			return err
		}
		cfg.PolicySource.PollingInterval = d
	}

	if cfg.HighAvailability != nil && cfg.HighAvailability.RetryIntervalHCL != "" {
		d, err := time.ParseDuration(cfg.HighAvailability.RetryIntervalHCL)
		if err != nil {
			return err
		}
		cfg.HighAvailability.RetryInterval = d
	}

	return nil
}

// LoadPaths builds the runtime configuration from the default overlaid
// with each path in order.
func LoadPaths(paths []string) (*Server, error) {
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
func Load(path string) (*Server, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return loadDir(path)
	}

	cfg := &Server{}
	if err := parseFile(filepath.Clean(path), cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %v", path, err)
	}
	return cfg, nil
}

// loadDir loads all the configurations in the given directory in
// alphabetical order.
func loadDir(dir string) (*Server, error) {
	files, err := file.GetFileListFromDir(dir, ".hcl", ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to load config directory: %v", err)
	}
	if len(files) == 0 {
		return &Server{}, nil
	}

	sort.Strings(files)

	var result *Server
	for _, f := range files {
		cfg := &Server{}
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
