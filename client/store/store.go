// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package store talks to the local policy store, bracketing writes in
// transactions whose outcomes feed the client healthcheck.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrPolicyNotFound is returned when reading or deleting a policy the
// store does not hold.
var ErrPolicyNotFound = errors.New("policy not found in store")

// Store is the policy store the client mirrors policy and data into.
// Implementations are safe for concurrent use; callers that need a
// consistent bracket of writes go through Begin.
type Store interface {
	// SetPolicy upserts a policy module under the given id.
	SetPolicy(ctx context.Context, policyID string, rego string) error

	// DeletePolicy removes a policy module.
	DeletePolicy(ctx context.Context, policyID string) error

	// ListPolicies lists the ids of all stored policy modules.
	ListPolicies(ctx context.Context) ([]string, error)

	// SetData replaces the document at path.
	SetData(ctx context.Context, path string, data interface{}) error

	// PatchData applies a JSON Patch to the document at path.
	PatchData(ctx context.Context, path string, patch interface{}) error

	// DeleteData removes the document at path.
	DeleteData(ctx context.Context, path string) error

	// GetData reads the document at path.
	GetData(ctx context.Context, path string) (json.RawMessage, error)

	// Evaluate queries the document at path with the given input and
	// returns the result document.
	Evaluate(ctx context.Context, path string, input interface{}) (json.RawMessage, error)
}
