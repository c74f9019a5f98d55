// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-project/opal/pubsub/transport"
	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/server/auth"
	"github.com/opal-project/opal/server/bundle"
	"github.com/opal-project/opal/server/config"
	"github.com/opal-project/opal/server/webhook"
)

type stubBackend struct {
	status    Status
	bundle    *sdk.PolicyBundle
	bundleErr error
	lastPaths []string
	entries   sdk.ServerDataSourceConfig
	published []*sdk.DataUpdate
	webhooks  int32
	clients   []transport.ClientInfo
}

func (b *stubBackend) Status() Status { return b.status }

func (b *stubBackend) PolicyBundle(paths []string, baseHash string) (*sdk.PolicyBundle, error) {
	b.lastPaths = paths
	if b.bundleErr != nil {
		return nil, b.bundleErr
	}
	return b.bundle, nil
}

func (b *stubBackend) DataSourceConfig() sdk.ServerDataSourceConfig { return b.entries }

func (b *stubBackend) PublishDataUpdate(update *sdk.DataUpdate) error {
	b.published = append(b.published, update)
	return nil
}

func (b *stubBackend) HandleWebhook() { atomic.AddInt32(&b.webhooks, 1) }

func (b *stubBackend) Clients() []transport.ClientInfo { return b.clients }

type testServer struct {
	srv     *Server
	backend *stubBackend
	baseURL string
}

func startTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	backend := &stubBackend{
		status: Status{Ready: true, Revision: "abc123", Source: "git"},
	}

	cfg := ServerConfig{
		Logger:  hclog.NewNullLogger(),
		HTTP:    &config.HTTP{BindAddress: "127.0.0.1", BindPort: 0},
		Backend: backend,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewHTTPServer(cfg)
	require.NoError(t, err)

	go srv.Start()
	t.Cleanup(srv.Stop)

	ts := &testServer{
		srv:     srv,
		backend: backend,
		baseURL: "http://" + srv.Addr(),
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.baseURL + healthRoutePattern)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, ts.baseURL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestServer_Health(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, healthRoutePattern, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthRes
	require.NoError(t, json.Unmarshal(body, &health))
	assert.True(t, health.OK)
	assert.True(t, health.Status.Ready)
	assert.Equal(t, "abc123", health.Status.Revision)

	// Health is also served on the root for load balancer probes.
	resp, _ = ts.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, healthRoutePattern, "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_GetPolicy(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.backend.bundle = &sdk.PolicyBundle{
		Manifest: []string{"rbac.rego"},
		Hash:     "abc123",
		PolicyModules: []sdk.PolicyModule{
			{Path: "rbac.rego", PackageName: "rbac", Rego: "package rbac\n"},
		},
	}

	resp, body := ts.do(t, http.MethodGet, policyRoutePattern, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var b sdk.PolicyBundle
	require.NoError(t, json.Unmarshal(body, &b))
	assert.Equal(t, "abc123", b.Hash)
	require.Len(t, b.PolicyModules, 1)
	assert.Empty(t, ts.backend.lastPaths)
}

func TestServer_GetPolicy_PathParams(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.backend.bundle = &sdk.PolicyBundle{Manifest: []string{}, Hash: "abc123"}

	// Repeated path parameters reach the backend in request order.
	resp, _ := ts.do(t, http.MethodGet, policyRoutePattern+"?path=rbac&path=billing", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"rbac", "billing"}, ts.backend.lastPaths)
}

func TestServer_GetPolicy_Errors(t *testing.T) {
	ts := startTestServer(t, nil)

	ts.backend.bundleErr = ErrSourceNotReady
	resp, _ := ts.do(t, http.MethodGet, policyRoutePattern, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Unknown base hash answers 404 so the client degrades to a complete
	// bundle request.
	ts.backend.bundleErr = fmt.Errorf("wrapped: %w", bundle.ErrCommitNotFound)
	resp, _ = ts.do(t, http.MethodGet, policyRoutePattern+"?base_hash=ffff", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AuthGuard(t *testing.T) {
	signer, err := auth.NewSigner(auth.SignerConfig{})
	require.NoError(t, err)

	ts := startTestServer(t, func(cfg *ServerConfig) {
		cfg.Signer = signer
		cfg.Verifier = auth.NewChainVerifier(auth.NewMasterVerifier("master"), signer)
		cfg.MasterVerifier = auth.NewMasterVerifier("master")
	})

	// No token.
	resp, _ := ts.do(t, http.MethodGet, dataConfigRoutePattern, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	resp, _ = ts.do(t, http.MethodGet, dataConfigRoutePattern, "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Master token.
	resp, _ = ts.do(t, http.MethodGet, dataConfigRoutePattern, "master", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Minted token.
	token, err := signer.SignToken(map[string]interface{}{"client_id": "c1"}, time.Hour)
	require.NoError(t, err)
	resp, _ = ts.do(t, http.MethodGet, dataConfigRoutePattern, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open.
	resp, _ = ts.do(t, http.MethodGet, healthRoutePattern, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_DataConfig_AcceptsPost(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.backend.entries = sdk.ServerDataSourceConfig{
		Entries: []sdk.DataSourceEntry{{URL: "https://internal/users", Topics: []string{"policy_data"}}},
	}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		resp, body := ts.do(t, method, dataConfigRoutePattern, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, method)

		var cfg sdk.ServerDataSourceConfig
		require.NoError(t, json.Unmarshal(body, &cfg))
		require.Len(t, cfg.Entries, 1)
	}

	resp, _ := ts.do(t, http.MethodDelete, dataConfigRoutePattern, "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_PostToken(t *testing.T) {
	signer, err := auth.NewSigner(auth.SignerConfig{})
	require.NoError(t, err)

	ts := startTestServer(t, func(cfg *ServerConfig) {
		cfg.Signer = signer
		cfg.MasterVerifier = auth.NewMasterVerifier("master")
	})

	reqBody := []byte(`{"claims": {"client_id": "c9", "permitted_topics": ["policy:."]}, "ttl": "1h"}`)

	// Minting requires the master token.
	resp, _ := ts.do(t, http.MethodPost, tokenRoutePattern, "", reqBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, tokenRoutePattern, "master", reqBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var minted tokenRes
	require.NoError(t, json.Unmarshal(body, &minted))

	claims, err := signer.Verify(minted.Token)
	require.NoError(t, err)
	assert.Equal(t, "c9", claims["client_id"])
}

func TestServer_PostToken_SigningDisabled(t *testing.T) {
	ts := startTestServer(t, nil)

	// Without a signer the route still exists and tells callers minting is
	// unavailable, rather than falling through to a generic 405.
	resp, _ := ts.do(t, http.MethodPost, tokenRoutePattern, "master", []byte(`{"claims": {}}`))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_JWKS(t *testing.T) {
	signer, err := auth.NewSigner(auth.SignerConfig{})
	require.NoError(t, err)

	ts := startTestServer(t, func(cfg *ServerConfig) {
		cfg.Signer = signer
		cfg.MasterVerifier = auth.NewMasterVerifier("master")
	})

	resp, body := ts.do(t, http.MethodGet, jwksRoutePattern, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var jwks auth.JWKS
	require.NoError(t, json.Unmarshal(body, &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, signer.KeyID(), jwks.Keys[0].KeyID)
}

func TestServer_PostDataUpdate(t *testing.T) {
	ts := startTestServer(t, nil)

	// Invalid JSON.
	resp, _ := ts.do(t, http.MethodPost, dataUpdateRoutePattern, "", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No entries.
	resp, _ = ts.do(t, http.MethodPost, dataUpdateRoutePattern, "", []byte(`{"entries": []}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	update := []byte(`{"entries": [{"url": "https://internal/users", "topics": ["policy_data"], "dst_path": "/users"}], "reason": "user change"}`)
	resp, body := ts.do(t, http.MethodPost, dataUpdateRoutePattern, "", update)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack dataUpdateRes
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.NotEmpty(t, ack.ID)

	require.Len(t, ts.backend.published, 1)
	assert.Equal(t, ack.ID, ts.backend.published[0].ID)
}

func TestServer_Webhook(t *testing.T) {
	validator, err := webhook.NewValidator(webhook.Config{
		Secret:       "hook",
		TrackedRepos: []string{"acme/policies"},
	})
	require.NoError(t, err)

	ts := startTestServer(t, func(cfg *ServerConfig) {
		cfg.WebhookValidator = validator
	})

	sign := func(body []byte) string {
		mac := hmac.New(sha256.New, []byte("hook"))
		mac.Write(body)
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	send := func(body []byte, signature string) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodPost, ts.baseURL+webhookRoutePattern, bytes.NewReader(body))
		require.NoError(t, err)
		if signature != "" {
			req.Header.Set("X-Hub-Signature-256", signature)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, raw
	}

	matching := []byte(`{"repository": {"full_name": "acme/policies"}}`)
	unrelated := []byte(`{"repository": {"full_name": "acme/other"}}`)

	// Bad signature.
	resp, _ := send(matching, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ts.backend.webhooks))

	// Authenticated but unrelated repository: acknowledged, no action.
	resp, body := send(unrelated, sign(unrelated))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ack webhookRes
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "ignored", ack.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ts.backend.webhooks))

	// Authenticated and matching: triggers a source sync.
	resp, body = send(matching, sign(matching))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.backend.webhooks))
}

func TestServer_GetClients(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.backend.clients = []transport.ClientInfo{
		{ClientID: "c1", SourceHost: "10.0.0.1", SubscribedTopics: []string{"policy:."}},
	}

	resp, body := ts.do(t, http.MethodGet, clientsRoutePattern, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var clients []transport.ClientInfo
	require.NoError(t, json.Unmarshal(body, &clients))
	require.Len(t, clients, 1)
	assert.Equal(t, "c1", clients[0].ClientID)
}
