// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"time"
)

// TransactionType partitions store transactions into policy writes and data
// writes, which are tracked independently by the transaction log.
type TransactionType string

const (
	TransactionTypePolicy TransactionType = "policy"
	TransactionTypeData   TransactionType = "data"
)

// StoreTransaction is the finalized record of one bracketed set of store
// writes. It is produced when a transaction scope closes and forwarded to
// the transaction log.
type StoreTransaction struct {
	// ID uniquely identifies the transaction.
	ID string `json:"id"`

	// Actions lists, in invocation order, the store operations performed
	// inside the scope.
	Actions []string `json:"actions"`

	// TransactionType is policy or data.
	TransactionType TransactionType `json:"transaction_type"`

	// Success is true when every action in the scope completed.
	Success bool `json:"success"`

	// Error carries the terminal failure, if any.
	Error string `json:"error,omitempty"`

	CreationTime time.Time `json:"creation_time"`
	EndTime      time.Time `json:"end_time"`

	// RemotesStatus records the outcome of each upstream fetch performed
	// for the transaction, keyed by remote URL.
	RemotesStatus map[string]bool `json:"remotes_status,omitempty"`
}

// Duration returns the wall time the scope was open for.
func (t *StoreTransaction) Duration() time.Duration {
	return t.EndTime.Sub(t.CreationTime)
}
