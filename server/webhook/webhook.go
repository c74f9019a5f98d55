// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package webhook validates change notifications pushed by a VCS host and
// decides whether they concern the tracked policy repository.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// AuthMethod selects how incoming webhooks are authenticated.
type AuthMethod string

const (
	// AuthSignature expects an HMAC-SHA256 of the request body, the
	// GitHub convention.
	AuthSignature AuthMethod = "signature"

	// AuthToken expects the shared secret verbatim in a header, the
	// GitLab convention.
	AuthToken AuthMethod = "token"
)

const (
	defaultSignatureHeader = "X-Hub-Signature-256"
	defaultTokenHeader     = "X-Gitlab-Token"
)

var (
	ErrUnauthorizedWebhook = errors.New("webhook authentication failed")
	ErrUnrelatedRepo       = errors.New("webhook does not concern the tracked repository")
)

// Config controls webhook validation.
type Config struct {
	// Secret is the shared secret; with AuthSignature it keys the HMAC,
	// with AuthToken it is compared directly.
	Secret string

	// Method defaults to AuthSignature.
	Method AuthMethod

	// Header carrying the signature or token. Empty selects the
	// conventional header for the method.
	Header string

	// HeaderPattern optionally extracts the value from the header via
	// its first capture group, e.g. "sha256=(.+)".
	HeaderPattern string

	// TrackedRepos are URLs or full names ("org/repo") of the policy
	// repository; a webhook matching none of them is ignored.
	TrackedRepos []string
}

// Validator authenticates webhook requests and matches their payload
// against the tracked repository.
type Validator struct {
	cfg     Config
	pattern *regexp.Regexp
	tracked []string
}

// NewValidator compiles the config.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("webhook validation requires a secret")
	}

	switch cfg.Method {
	case "":
		cfg.Method = AuthSignature
	case AuthSignature, AuthToken:
	default:
		return nil, fmt.Errorf("unknown webhook auth method %q", cfg.Method)
	}

	if cfg.Header == "" {
		if cfg.Method == AuthSignature {
			cfg.Header = defaultSignatureHeader
		} else {
			cfg.Header = defaultTokenHeader
		}
	}

	v := &Validator{cfg: cfg}
	if cfg.HeaderPattern != "" {
		re, err := regexp.Compile(cfg.HeaderPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook header pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return nil, errors.New("webhook header pattern needs a capture group")
		}
		v.pattern = re
	} else if cfg.Method == AuthSignature && cfg.Header == defaultSignatureHeader {
		// GitHub prefixes the hex digest with "sha256=".
		v.pattern = regexp.MustCompile(`^sha256=(.+)$`)
	}

	for _, repo := range cfg.TrackedRepos {
		v.tracked = append(v.tracked, normalizeRepo(repo))
	}
	return v, nil
}

// Authenticate checks the request headers against the shared secret. body
// must be the raw request body used for the HMAC.
func (v *Validator) Authenticate(r *http.Request, body []byte) error {
	value := r.Header.Get(v.cfg.Header)
	if value == "" {
		return ErrUnauthorizedWebhook
	}
	if v.pattern != nil {
		match := v.pattern.FindStringSubmatch(value)
		if match == nil {
			return ErrUnauthorizedWebhook
		}
		value = match[1]
	}

	switch v.cfg.Method {
	case AuthToken:
		if subtle.ConstantTimeCompare([]byte(value), []byte(v.cfg.Secret)) != 1 {
			return ErrUnauthorizedWebhook
		}
		return nil
	default:
		mac := hmac.New(sha256.New, []byte(v.cfg.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(value), []byte(expected)) != 1 {
			return ErrUnauthorizedWebhook
		}
		return nil
	}
}

// MatchesTrackedRepo inspects the payload for the repository it concerns.
// With no tracked repos configured every authenticated webhook matches.
func (v *Validator) MatchesTrackedRepo(body []byte) error {
	if len(v.tracked) == 0 {
		return nil
	}

	for _, candidate := range repoCandidates(body) {
		for _, tracked := range v.tracked {
			if candidate == tracked {
				return nil
			}
		}
	}
	return ErrUnrelatedRepo
}

// repoCandidates extracts every plausible repository identifier from the
// payload, covering both the GitHub and GitLab shapes.
func repoCandidates(body []byte) []string {
	var payload struct {
		Repository struct {
			URL      string `json:"url"`
			HTMLURL  string `json:"html_url"`
			CloneURL string `json:"clone_url"`
			SSHURL   string `json:"ssh_url"`
			GitURL   string `json:"git_url"`
			FullName string `json:"full_name"`
		} `json:"repository"`
		Project struct {
			WebURL            string `json:"web_url"`
			HTTPURL           string `json:"git_http_url"`
			SSHURL            string `json:"git_ssh_url"`
			PathWithNamespace string `json:"path_with_namespace"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	raw := []string{
		payload.Repository.URL,
		payload.Repository.HTMLURL,
		payload.Repository.CloneURL,
		payload.Repository.SSHURL,
		payload.Repository.GitURL,
		payload.Repository.FullName,
		payload.Project.WebURL,
		payload.Project.HTTPURL,
		payload.Project.SSHURL,
		payload.Project.PathWithNamespace,
	}

	var out []string
	for _, r := range raw {
		if r != "" {
			out = append(out, normalizeRepo(r))
		}
	}
	return out
}

// normalizeRepo strips the parts of a repository reference that vary
// between transports so "https://host/org/repo.git" and "org/repo" style
// references can be compared.
func normalizeRepo(repo string) string {
	repo = strings.TrimSpace(repo)
	repo = strings.TrimSuffix(repo, "/")
	repo = strings.TrimSuffix(repo, ".git")
	return strings.ToLower(repo)
}
