// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataCache_SetGetExport(t *testing.T) {
	c := NewDataCache()

	require.NoError(t, c.Set("/users", json.RawMessage(`{"admins": ["alice"]}`)))
	require.NoError(t, c.Set("/groups/engineering", json.RawMessage(`["alice", "bob"]`)))

	doc, ok := c.Get("/users")
	require.True(t, ok)
	assert.JSONEq(t, `{"admins": ["alice"]}`, string(doc))

	doc, ok = c.Get("/groups")
	require.True(t, ok)
	assert.JSONEq(t, `{"engineering": ["alice", "bob"]}`, string(doc))

	_, ok = c.Get("/absent")
	assert.False(t, ok)

	export, err := c.Export()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"users": {"admins": ["alice"]},
		"groups": {"engineering": ["alice", "bob"]}
	}`, string(export))
}

func TestDataCache_RootReplace(t *testing.T) {
	c := NewDataCache()
	require.NoError(t, c.Set("/users", json.RawMessage(`{}`)))

	require.NoError(t, c.Set("/", json.RawMessage(`{"fresh": true}`)))
	export, err := c.Export()
	require.NoError(t, err)
	assert.JSONEq(t, `{"fresh": true}`, string(export))

	// Root documents must be objects.
	assert.Error(t, c.Set("/", json.RawMessage(`[1, 2]`)))
	assert.Error(t, c.Set("/users", json.RawMessage(`not json`)))
}

func TestDataCache_Delete(t *testing.T) {
	c := NewDataCache()
	require.NoError(t, c.Set("/a/b", json.RawMessage(`1`)))
	require.NoError(t, c.Set("/a/c", json.RawMessage(`2`)))

	c.Delete("/a/b")
	_, ok := c.Get("/a/b")
	assert.False(t, ok)
	_, ok = c.Get("/a/c")
	assert.True(t, ok)

	// Deleting a missing path is a no-op.
	c.Delete("/x/y/z")

	c.Delete("/")
	export, err := c.Export()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(export))
}
