// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-project/opal/client/config"
	"github.com/opal-project/opal/sdk"
)

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("http://127.0.0.1:7002")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:7002/ws", u)

	u, err = websocketURL("https://opal.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wss://opal.example.com/ws", u)

	_, err = websocketURL("ftp://opal.example.com")
	assert.Error(t, err)
}

func TestNewAgent(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	a, err := NewAgent(hclog.NewNullLogger(), cfg)
	require.NoError(t, err)
	assert.False(t, a.Ready())

	// The default provider name is taken; duplicates are refused.
	require.Error(t, a.RegisterFetchProvider(stubProvider{}))
}

type stubProvider struct{}

func (stubProvider) Name() string { return "http_get" }

func (stubProvider) Fetch(context.Context, sdk.FetchEvent) (json.RawMessage, error) {
	return nil, nil
}
