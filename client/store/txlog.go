// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opal-project/opal/sdk"
)

const (
	// HealthcheckPolicyID is the policy module the transaction log keeps
	// current so consumers can query readiness from the store itself.
	HealthcheckPolicyID = "system/opal/healthcheck"

	// TransactionsDataPath is where the latest transaction summaries are
	// written.
	TransactionsDataPath = "/system/opal/transactions"
)

// healthcheckTemplate renders the store-queryable health document.
const healthcheckTemplate = `package system.opal

ready := %t

healthy := %t
`

var txCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "opal_client_store_transactions_total",
	Help: "Store transaction outcomes partitioned by type.",
}, []string{"type", "outcome"})

// TransactionLog tracks the outcome of store transactions and derives the
// client's readiness from them.
//
// Ready means the store has seen at least one successful policy
// transaction, and one successful data transaction when data sources are
// configured. Healthy additionally requires the most recent transaction of
// each tracked type to have succeeded.
type TransactionLog struct {
	logger hclog.Logger

	// scopeMu serializes transaction scopes against one store.
	scopeMu sync.Mutex

	mu         sync.Mutex
	dataNeeded bool

	hadPolicySuccess  bool
	hadDataSuccess    bool
	lastPolicySuccess bool
	lastDataSuccess   bool

	lastPolicy *sdk.StoreTransaction
	lastData   *sdk.StoreTransaction
}

// NewTransactionLog builds an empty log. dataNeeded marks whether data
// transactions participate in readiness.
func NewTransactionLog(logger hclog.Logger, dataNeeded bool) *TransactionLog {
	return &TransactionLog{
		logger:     logger.Named("transaction_log"),
		dataNeeded: dataNeeded,
	}
}

// SetDataNeeded flips data participation in readiness, used when the data
// source configuration arrives after startup.
func (l *TransactionLog) SetDataNeeded(needed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dataNeeded = needed
}

// Begin opens a transaction scope against the store. The scope holds the
// store write lock until Close.
func (l *TransactionLog) Begin(store Store, txType sdk.TransactionType, id string) *Transaction {
	l.scopeMu.Lock()
	return &Transaction{
		store: store,
		log:   l,
		tx: sdk.StoreTransaction{
			ID:              id,
			TransactionType: txType,
			CreationTime:    time.Now().UTC(),
			RemotesStatus:   make(map[string]bool),
		},
	}
}

// Ready reports whether the store has reached a usable baseline.
func (l *TransactionLog) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hadPolicySuccess && (!l.dataNeeded || l.hadDataSuccess)
}

// Healthy reports whether the latest transactions succeeded.
func (l *TransactionLog) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hadPolicySuccess || (l.dataNeeded && !l.hadDataSuccess) {
		return false
	}
	healthy := l.lastPolicySuccess
	if l.dataNeeded {
		healthy = healthy && l.lastDataSuccess
	}
	return healthy
}

// LastTransactions snapshots the most recent transaction per type.
func (l *TransactionLog) LastTransactions() []sdk.StoreTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []sdk.StoreTransaction
	if l.lastPolicy != nil {
		out = append(out, *l.lastPolicy)
	}
	if l.lastData != nil {
		out = append(out, *l.lastData)
	}
	return out
}

// record folds a finalized transaction into the readiness state.
func (l *TransactionLog) record(tx sdk.StoreTransaction) {
	outcome := "failure"
	if tx.Success {
		outcome = "success"
	}
	txCounter.WithLabelValues(string(tx.TransactionType), outcome).Inc()

	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := tx
	switch tx.TransactionType {
	case sdk.TransactionTypePolicy:
		l.lastPolicy = &snapshot
		l.lastPolicySuccess = tx.Success
		if tx.Success {
			l.hadPolicySuccess = true
		}
	case sdk.TransactionTypeData:
		l.lastData = &snapshot
		l.lastDataSuccess = tx.Success
		if tx.Success {
			l.hadDataSuccess = true
		}
	}
}

// writeHealthcheck refreshes the store-side health document. These writes
// are bookkeeping, not transactions, so they never feed back into the log.
func (l *TransactionLog) writeHealthcheck(ctx context.Context, store Store) {
	rego := fmt.Sprintf(healthcheckTemplate, l.Ready(), l.Healthy())
	if err := store.SetPolicy(ctx, HealthcheckPolicyID, rego); err != nil {
		l.logger.Warn("failed to write healthcheck policy", "error", err)
	}

	summary := map[string]interface{}{
		"ready":        l.Ready(),
		"healthy":      l.Healthy(),
		"transactions": l.LastTransactions(),
	}
	if err := store.SetData(ctx, TransactionsDataPath, summary); err != nil {
		l.logger.Warn("failed to write transaction summary", "error", err)
	}
}
