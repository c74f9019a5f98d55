// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-project/opal/sdk"
)

func TestHTTPGetProvider_Fetch(t *testing.T) {
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Tenant")
		w.Write([]byte(`{"admins": ["alice"]}`))
	}))
	defer srv.Close()

	p := newHTTPGetProvider()
	doc, err := p.Fetch(context.Background(), sdk.FetchEvent{
		URL: srv.URL,
		Config: map[string]interface{}{
			"token": "s3cret",
			"headers": map[string]interface{}{
				"X-Tenant": "acme",
			},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"admins": ["alice"]}`, string(doc))
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "acme", gotCustom)
}

func TestHTTPGetProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/html":
			w.Write([]byte("<html>not json</html>"))
		}
	}))
	defer srv.Close()

	p := newHTTPGetProvider()

	_, err := p.Fetch(context.Background(), sdk.FetchEvent{URL: srv.URL + "/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	_, err = p.Fetch(context.Background(), sdk.FetchEvent{URL: srv.URL + "/html"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	_, err = p.Fetch(context.Background(), sdk.FetchEvent{URL: "http://127.0.0.1:1"})
	require.Error(t, err)
}
