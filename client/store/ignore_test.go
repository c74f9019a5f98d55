// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreList(t *testing.T) {
	l, err := NewIgnoreList([]string{"tests/**", "**/*_test.rego", "!tests/keep.rego"})
	require.NoError(t, err)

	testCases := []struct {
		path    string
		ignored bool
	}{
		{path: "rbac.rego", ignored: false},
		{path: "tests/a.rego", ignored: true},
		{path: "tests/keep.rego", ignored: false},
		{path: "users/policy_test.rego", ignored: true},
		{path: "users/policy.rego", ignored: false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.ignored, l.Ignored(tc.path), tc.path)
	}
}

func TestIgnoreList_NilAndEmpty(t *testing.T) {
	var nilList *IgnoreList
	assert.False(t, nilList.Ignored("anything"))

	l, err := NewIgnoreList(nil)
	require.NoError(t, err)
	assert.False(t, l.Ignored("anything"))
}

func TestIgnoreList_BadPattern(t *testing.T) {
	_, err := NewIgnoreList([]string{"[unclosed"})
	assert.Error(t, err)
}
