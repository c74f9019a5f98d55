// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOPA is a minimal in-memory stand-in for the OPA REST API.
type fakeOPA struct {
	mu       sync.Mutex
	policies map[string]string
	data     map[string]json.RawMessage
	requests []string

	// rejectPolicies simulates compile failures with a 400 answer.
	rejectPolicies bool

	// flakeOnce answers one 500 before behaving, to exercise retries.
	flakeOnce bool
	flaked    bool
}

func newFakeOPA() *fakeOPA {
	return &fakeOPA{
		policies: make(map[string]string),
		data:     make(map[string]json.RawMessage),
	}
}

func (f *fakeOPA) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.requests = append(f.requests, r.Method+" "+r.URL.Path)

		if f.flakeOnce && !f.flaked {
			f.flaked = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		body, _ := io.ReadAll(r.Body)

		switch {
		case r.URL.Path == "/v1/policies" && r.Method == http.MethodGet:
			type entry struct {
				ID string `json:"id"`
			}
			var result []entry
			for id := range f.policies {
				result = append(result, entry{ID: id})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"result": result})

		case strings.HasPrefix(r.URL.Path, "/v1/policies/"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/policies/")
			switch r.Method {
			case http.MethodPut:
				if f.rejectPolicies {
					w.WriteHeader(http.StatusBadRequest)
					fmt.Fprint(w, `{"code": "invalid_parameter"}`)
					return
				}
				f.policies[id] = string(body)
				fmt.Fprint(w, "{}")
			case http.MethodDelete:
				if _, ok := f.policies[id]; !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				delete(f.policies, id)
				fmt.Fprint(w, "{}")
			}

		case strings.HasPrefix(r.URL.Path, "/v1/data"):
			path := strings.TrimPrefix(r.URL.Path, "/v1/data")
			switch r.Method {
			case http.MethodPut:
				f.data[path] = json.RawMessage(body)
				w.WriteHeader(http.StatusNoContent)
			case http.MethodPatch:
				if r.Header.Get("Content-Type") != "application/json-patch+json" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				f.data[path+"#patched"] = json.RawMessage(body)
				w.WriteHeader(http.StatusNoContent)
			case http.MethodDelete:
				if _, ok := f.data[path]; !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				delete(f.data, path)
				w.WriteHeader(http.StatusNoContent)
			case http.MethodGet:
				doc, ok := f.data[path]
				if !ok {
					doc = json.RawMessage("null")
				}
				json.NewEncoder(w).Encode(map[string]interface{}{"result": json.RawMessage(doc)})
			case http.MethodPost:
				// Evaluation: echo the stored document as the result.
				doc, ok := f.data[path]
				if !ok {
					doc = json.RawMessage("null")
				}
				f.data[path+"#input"] = json.RawMessage(body)
				json.NewEncoder(w).Encode(map[string]interface{}{"result": json.RawMessage(doc)})
			}

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestOPAStore(t *testing.T, opa *fakeOPA) *OPAStore {
	srv := httptest.NewServer(opa.handler())
	t.Cleanup(srv.Close)

	s, err := NewOPAStore(OPAConfig{
		Logger:  hclog.NewNullLogger(),
		Address: srv.URL,
	})
	require.NoError(t, err)
	return s
}

func TestOPAStore_Policies(t *testing.T) {
	opa := newFakeOPA()
	s := newTestOPAStore(t, opa)
	ctx := context.Background()

	require.NoError(t, s.SetPolicy(ctx, "rbac.rego", "package rbac\n"))
	require.NoError(t, s.SetPolicy(ctx, "users/policy.rego", "package users\n"))

	ids, err := s.ListPolicies(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rbac.rego", "users/policy.rego"}, ids)

	require.NoError(t, s.DeletePolicy(ctx, "rbac.rego"))
	assert.ErrorIs(t, s.DeletePolicy(ctx, "rbac.rego"), ErrPolicyNotFound)
}

func TestOPAStore_RejectedPolicyNotRetried(t *testing.T) {
	opa := newFakeOPA()
	opa.rejectPolicies = true
	s := newTestOPAStore(t, opa)

	err := s.SetPolicy(context.Background(), "bad.rego", "package\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	// A compile failure is deterministic; exactly one attempt is made.
	opa.mu.Lock()
	defer opa.mu.Unlock()
	assert.Len(t, opa.requests, 1)
}

func TestOPAStore_RetriesTransientFailure(t *testing.T) {
	opa := newFakeOPA()
	opa.flakeOnce = true
	s := newTestOPAStore(t, opa)

	require.NoError(t, s.SetPolicy(context.Background(), "rbac.rego", "package rbac\n"))

	opa.mu.Lock()
	defer opa.mu.Unlock()
	assert.Len(t, opa.requests, 2)
}

func TestOPAStore_Data(t *testing.T) {
	opa := newFakeOPA()
	s := newTestOPAStore(t, opa)
	ctx := context.Background()

	require.NoError(t, s.SetData(ctx, "/users", json.RawMessage(`{"admins": ["alice"]}`)))

	doc, err := s.GetData(ctx, "/users")
	require.NoError(t, err)
	assert.JSONEq(t, `{"admins": ["alice"]}`, string(doc))

	patch := json.RawMessage(`[{"op": "add", "path": "/admins/-", "value": "bob"}]`)
	require.NoError(t, s.PatchData(ctx, "/users", patch))

	require.NoError(t, s.DeleteData(ctx, "/users"))

	// Deleting an absent document is tolerated.
	require.NoError(t, s.DeleteData(ctx, "/users"))
}

func TestOPAStore_Evaluate(t *testing.T) {
	opa := newFakeOPA()
	opa.data["/rbac/allow"] = json.RawMessage("true")
	s := newTestOPAStore(t, opa)

	result, err := s.Evaluate(context.Background(), "/rbac/allow",
		map[string]interface{}{"user": "alice"})
	require.NoError(t, err)
	assert.JSONEq(t, "true", string(result))

	opa.mu.Lock()
	defer opa.mu.Unlock()
	assert.JSONEq(t, `{"input": {"user": "alice"}}`, string(opa.data["/rbac/allow#input"]))
}
