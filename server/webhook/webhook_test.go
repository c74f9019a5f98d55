// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidator_SignatureAuth(t *testing.T) {
	v, err := NewValidator(Config{Secret: "hook-secret"})
	require.NoError(t, err)

	body := []byte(`{"ref": "refs/heads/main"}`)

	r := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Hub-Signature-256", signBody("hook-secret", body))
	assert.NoError(t, v.Authenticate(r, body))

	// Signature over different content.
	r = httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Hub-Signature-256", signBody("hook-secret", []byte("other")))
	assert.ErrorIs(t, v.Authenticate(r, body), ErrUnauthorizedWebhook)

	// Wrong secret.
	r = httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Hub-Signature-256", signBody("wrong", body))
	assert.ErrorIs(t, v.Authenticate(r, body), ErrUnauthorizedWebhook)

	// Missing header.
	r = httptest.NewRequest(http.MethodPost, "/webhook", nil)
	assert.ErrorIs(t, v.Authenticate(r, body), ErrUnauthorizedWebhook)
}

func TestValidator_TokenAuth(t *testing.T) {
	v, err := NewValidator(Config{Secret: "gl-token", Method: AuthToken})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Gitlab-Token", "gl-token")
	assert.NoError(t, v.Authenticate(r, nil))

	r = httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Gitlab-Token", "nope")
	assert.ErrorIs(t, v.Authenticate(r, nil), ErrUnauthorizedWebhook)
}

func TestValidator_CustomHeaderPattern(t *testing.T) {
	v, err := NewValidator(Config{
		Secret:        "tok",
		Method:        AuthToken,
		Header:        "X-Custom-Auth",
		HeaderPattern: `^Token (.+)$`,
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Custom-Auth", "Token tok")
	assert.NoError(t, v.Authenticate(r, nil))

	r = httptest.NewRequest(http.MethodPost, "/webhook", nil)
	r.Header.Set("X-Custom-Auth", "tok")
	assert.ErrorIs(t, v.Authenticate(r, nil), ErrUnauthorizedWebhook)
}

func TestValidator_ConfigErrors(t *testing.T) {
	_, err := NewValidator(Config{})
	assert.Error(t, err)

	_, err = NewValidator(Config{Secret: "s", Method: "basic"})
	assert.Error(t, err)

	_, err = NewValidator(Config{Secret: "s", HeaderPattern: "[bad"})
	assert.Error(t, err)

	_, err = NewValidator(Config{Secret: "s", HeaderPattern: "no-capture-group"})
	assert.Error(t, err)
}

func TestMatchesTrackedRepo(t *testing.T) {
	v, err := NewValidator(Config{
		Secret:       "s",
		TrackedRepos: []string{"https://github.com/acme/policies.git", "acme/policies"},
	})
	require.NoError(t, err)

	testCases := []struct {
		name    string
		body    string
		matches bool
	}{
		{
			name:    "github clone url",
			body:    `{"repository": {"clone_url": "https://github.com/acme/policies.git"}}`,
			matches: true,
		},
		{
			name:    "github full name",
			body:    `{"repository": {"full_name": "acme/policies"}}`,
			matches: true,
		},
		{
			name:    "case and suffix insensitive",
			body:    `{"repository": {"html_url": "https://github.com/ACME/Policies/"}}`,
			matches: true,
		},
		{
			name:    "gitlab project url",
			body:    `{"project": {"git_http_url": "https://github.com/acme/policies.git"}}`,
			matches: true,
		},
		{
			name:    "other repository",
			body:    `{"repository": {"full_name": "acme/other"}}`,
			matches: false,
		},
		{
			name:    "unparseable payload",
			body:    `not json`,
			matches: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.MatchesTrackedRepo([]byte(tc.body))
			if tc.matches {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnrelatedRepo)
			}
		})
	}
}

func TestMatchesTrackedRepo_NoTrackedRepos(t *testing.T) {
	v, err := NewValidator(Config{Secret: "s"})
	require.NoError(t, err)
	assert.NoError(t, v.MatchesTrackedRepo([]byte(`{}`)))
}
