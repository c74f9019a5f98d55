// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/opal-project/opal/client/fetcher"
	"github.com/opal-project/opal/client/store"
	"github.com/opal-project/opal/sdk"
	"github.com/opal-project/opal/sdk/helper/uuid"
)

// DataConfig configures the data updater.
type DataConfig struct {
	Logger hclog.Logger
	API    *API
	Store  store.Store
	TxLog  *store.TransactionLog
	Engine *fetcher.Engine

	// Cache mirrors the documents written into the store so later updates
	// can reason about what the client owns.
	Cache *store.DataCache
}

// DataUpdater turns data update notifications into fetched documents
// written into the store. Every entry runs through the fetch engine and
// lands in its own transaction, so one broken source degrades health
// without blocking the rest.
type DataUpdater struct {
	logger hclog.Logger
	api    *API
	store  store.Store
	txlog  *store.TransactionLog
	engine *fetcher.Engine
	cache  *store.DataCache
}

// NewDataUpdater builds a data updater.
func NewDataUpdater(cfg DataConfig) *DataUpdater {
	return &DataUpdater{
		logger: cfg.Logger.Named("data_updater"),
		api:    cfg.API,
		store:  cfg.Store,
		txlog:  cfg.TxLog,
		engine: cfg.Engine,
		cache:  cfg.Cache,
	}
}

// HandleUpdate reacts to a data topic notification.
func (u *DataUpdater) HandleUpdate(ctx context.Context, raw json.RawMessage) error {
	var update sdk.DataUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return fmt.Errorf("failed to decode data update: %w", err)
	}
	if err := update.Validate(); err != nil {
		return fmt.Errorf("refusing malformed data update: %w", err)
	}
	if update.ID == "" {
		update.ID = uuid.Generate()
	}

	u.logger.Info("data update received", "id", update.ID,
		"entries", len(update.Entries), "reason", update.Reason)
	return u.Apply(ctx, &update)
}

// Bootstrap pulls the canonical data source configuration from the server
// and applies every entry. It also settles whether data transactions
// participate in client readiness.
func (u *DataUpdater) Bootstrap(ctx context.Context) error {
	cfg, err := u.api.DataSourceConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch data source config: %w", err)
	}

	u.txlog.SetDataNeeded(len(cfg.Entries) > 0)
	if len(cfg.Entries) == 0 {
		u.logger.Debug("no data sources configured")
		return nil
	}

	return u.Apply(ctx, &sdk.DataUpdate{
		ID:      uuid.Generate(),
		Entries: cfg.Entries,
		Reason:  "bootstrap",
	})
}

// callbackReport is posted to an update's callback URL once every entry has
// settled.
type callbackReport struct {
	ID           string                 `json:"id"`
	Transactions []sdk.StoreTransaction `json:"transactions"`
}

// Apply fetches every entry and writes the documents into the store. It
// blocks until all entries have settled, then reports to the update's
// callback URL when one is named.
func (u *DataUpdater) Apply(ctx context.Context, update *sdk.DataUpdate) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    *multierror.Error
		records = make([]sdk.StoreTransaction, len(update.Entries))
	)

	for i := range update.Entries {
		i, entry := i, update.Entries[i]
		event := sdk.NewFetchEventFromEntry(fmt.Sprintf("%s/%d", update.ID, i), entry)

		wg.Add(1)
		err := u.engine.Enqueue(ctx, event, func(res fetcher.Result) {
			defer wg.Done()
			rec := u.applyEntry(ctx, entry, res)

			mu.Lock()
			defer mu.Unlock()
			records[i] = rec
			if !rec.Success {
				errs = multierror.Append(errs, fmt.Errorf("entry %s: %s", entry.URL, rec.Error))
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = multierror.Append(errs, fmt.Errorf("entry %s: %w", entry.URL, err))
			mu.Unlock()
		}
	}
	wg.Wait()

	if update.Callback != "" {
		report := callbackReport{ID: update.ID, Transactions: records}
		if err := u.api.PostCallback(ctx, update.Callback, report); err != nil {
			u.logger.Warn("failed to deliver update callback", "id", update.ID,
				"url", update.Callback, "error", err)
		}
	}
	return errs.ErrorOrNil()
}

// applyEntry writes one fetched document into the store inside its own
// transaction and returns the finalized record.
func (u *DataUpdater) applyEntry(ctx context.Context, entry sdk.DataSourceEntry, res fetcher.Result) sdk.StoreTransaction {
	tx := u.txlog.Begin(u.store, sdk.TransactionTypeData, res.Event.ID)
	tx.ReportRemote(entry.URL, res.Err == nil)

	if res.Err != nil {
		u.logger.Warn("data source fetch failed", "url", entry.URL, "error", res.Err)
		return tx.Close(ctx)
	}

	dst := sdk.NormalizeDestinationPath(entry.DstPath)

	method := entry.SaveMethod
	if method == "" {
		method = sdk.SaveMethodPut
	}

	switch method {
	case sdk.SaveMethodPut:
		doc := res.Data
		if dst == "/" {
			doc = wrapRootDocument(doc)
		}
		if err := tx.SetData(ctx, dst, doc); err == nil {
			if cerr := u.cache.Set(dst, doc); cerr != nil {
				u.logger.Warn("failed to mirror document into cache", "path", dst, "error", cerr)
			}
		}

	case sdk.SaveMethodPatch:
		if err := tx.PatchData(ctx, dst, res.Data); err == nil {
			u.patchCache(dst, res.Data)
		}
	}

	return tx.Close(ctx)
}

// patchCache replays a JSON Patch against the mirrored document so the
// cache stays in step with the store.
func (u *DataUpdater) patchCache(path string, rawPatch json.RawMessage) {
	patch, err := jsonpatch.DecodePatch(rawPatch)
	if err != nil {
		u.logger.Warn("failed to decode patch for cache mirror", "path", path, "error", err)
		return
	}

	doc, ok := u.cache.Get(path)
	if !ok {
		return
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		u.logger.Warn("failed to mirror patch into cache", "path", path, "error", err)
		return
	}
	if err := u.cache.Set(path, patched); err != nil {
		u.logger.Warn("failed to mirror patch into cache", "path", path, "error", err)
	}
}

// wrapRootDocument makes a fetched document legal as the data root. The
// root must be an object, so a top-level list is wrapped as {"items": [...]}.
func wrapRootDocument(doc json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimLeft(doc, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return doc
	}

	wrapped, err := json.Marshal(map[string]json.RawMessage{"items": doc})
	if err != nil {
		return doc
	}
	return wrapped
}
