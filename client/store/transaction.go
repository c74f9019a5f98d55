// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/opal-project/opal/sdk"
)

// Transaction brackets a set of store writes. It records every action and
// failure, and on Close reports the outcome to the transaction log and
// refreshes the store-side health document.
//
// A transaction holds the store write lock from Begin to Close; concurrent
// policy and data updates therefore apply in a serial order.
type Transaction struct {
	store Store
	log   *TransactionLog

	tx     sdk.StoreTransaction
	errs   *multierror.Error
	closed bool
}

func (t *Transaction) SetPolicy(ctx context.Context, policyID string, rego string) error {
	t.record("set_policy " + policyID)
	return t.fail(t.store.SetPolicy(ctx, policyID, rego))
}

func (t *Transaction) DeletePolicy(ctx context.Context, policyID string) error {
	t.record("delete_policy " + policyID)
	return t.fail(t.store.DeletePolicy(ctx, policyID))
}

func (t *Transaction) SetData(ctx context.Context, path string, data interface{}) error {
	t.record("set_data " + path)
	return t.fail(t.store.SetData(ctx, path, data))
}

func (t *Transaction) PatchData(ctx context.Context, path string, patch interface{}) error {
	t.record("patch_data " + path)
	return t.fail(t.store.PatchData(ctx, path, patch))
}

func (t *Transaction) DeleteData(ctx context.Context, path string) error {
	t.record("delete_data " + path)
	return t.fail(t.store.DeleteData(ctx, path))
}

// Record notes an action and its terminal outcome without performing a
// store write. Callers that retry an operation out of band, such as the
// postponed-failure passes of a bundle apply, use it to settle the final
// result once the retries are exhausted.
func (t *Transaction) Record(action string, err error) error {
	t.record(action)
	return t.fail(err)
}

// ReportRemote records the outcome of an upstream fetch tied to this
// transaction. A failed remote fails the transaction even when every store
// write succeeded.
func (t *Transaction) ReportRemote(url string, ok bool) {
	t.tx.RemotesStatus[url] = ok
	if !ok {
		t.fail(fmt.Errorf("remote %s failed", url))
	}
}

// Failed reports whether any action or remote has failed so far.
func (t *Transaction) Failed() bool {
	return t.errs.ErrorOrNil() != nil
}

// Close finalizes the scope, feeds the outcome to the transaction log and
// releases the store write lock. It returns the finalized record.
func (t *Transaction) Close(ctx context.Context) sdk.StoreTransaction {
	if t.closed {
		return t.tx
	}
	t.closed = true

	t.tx.EndTime = time.Now().UTC()
	if err := t.errs.ErrorOrNil(); err != nil {
		t.tx.Error = err.Error()
	}
	t.tx.Success = t.tx.Error == ""

	t.log.record(t.tx)
	t.log.writeHealthcheck(ctx, t.store)
	t.log.scopeMu.Unlock()

	return t.tx
}

func (t *Transaction) record(action string) {
	t.tx.Actions = append(t.tx.Actions, action)
}

func (t *Transaction) fail(err error) error {
	if err != nil {
		t.errs = multierror.Append(t.errs, err)
	}
	return err
}
