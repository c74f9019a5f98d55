// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/client/store"
	"github.com/opal-project/opal/sdk"
)

// PolicyConfig configures the policy updater.
type PolicyConfig struct {
	Logger hclog.Logger
	API    *API
	Store  store.Store
	TxLog  *store.TransactionLog

	// Ignore filters bundle entries by repository path before they reach
	// the store.
	Ignore *store.IgnoreList

	// Paths are the repository subtrees this client tracks. Empty means the
	// whole tree. They scope bundle requests and stale pruning.
	Paths []string
}

// PolicyUpdater applies policy bundles to the store. It tracks the revision
// currently loaded and requests deltas against it, falling back to a
// complete bundle when the server no longer knows that revision.
type PolicyUpdater struct {
	logger hclog.Logger
	api    *API
	store  store.Store
	txlog  *store.TransactionLog
	ignore *store.IgnoreList
	paths  []string

	// mu serializes syncs; concurrent notifications collapse into
	// sequential delta applications.
	mu          sync.Mutex
	currentHash string

	// dataPaths tracks the store data documents owned by the bundle, so a
	// complete bundle can prune documents that disappeared upstream.
	dataPaths map[string]struct{}
}

// NewPolicyUpdater builds a policy updater with no revision loaded.
func NewPolicyUpdater(cfg PolicyConfig) *PolicyUpdater {
	return &PolicyUpdater{
		logger:    cfg.Logger.Named("policy_updater"),
		api:       cfg.API,
		store:     cfg.Store,
		txlog:     cfg.TxLog,
		ignore:    cfg.Ignore,
		paths:     normalizePaths(cfg.Paths),
		dataPaths: make(map[string]struct{}),
	}
}

// CurrentHash returns the revision currently loaded into the store, or the
// empty string before the first successful sync.
func (u *PolicyUpdater) CurrentHash() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.currentHash
}

// HandleUpdate reacts to a policy topic notification.
func (u *PolicyUpdater) HandleUpdate(ctx context.Context, raw json.RawMessage) error {
	var msg sdk.PolicyUpdateMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to decode policy update: %w", err)
	}

	if msg.NewHash != "" && msg.NewHash == u.CurrentHash() {
		u.logger.Debug("already at announced revision", "hash", msg.NewHash)
		return nil
	}

	u.logger.Info("policy update received", "old_hash", msg.OldHash, "new_hash", msg.NewHash)
	return u.sync(ctx, u.scopeFromTopics(msg.Topics))
}

// Sync brings the store to the server's current revision across every
// tracked subtree. It requests a delta against the loaded revision when one
// exists; a base the server does not know answers a complete bundle
// instead.
func (u *PolicyUpdater) Sync(ctx context.Context) error {
	return u.sync(ctx, u.paths)
}

func (u *PolicyUpdater) sync(ctx context.Context, paths []string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	base := u.currentHash
	bundle, err := u.api.PolicyBundle(ctx, paths, base)
	if errors.Is(err, ErrBundleNotFound) && base != "" {
		u.logger.Info("server does not know loaded revision, requesting complete bundle",
			"base", base)
		bundle, err = u.api.PolicyBundle(ctx, paths, "")
	}
	if err != nil {
		return err
	}

	// An empty delta means the store already matches the server.
	if bundle.IsDelta() && bundle.Hash == base &&
		len(bundle.Manifest) == 0 && bundle.DeletedFiles.Empty() {
		return nil
	}

	if err := u.applyBundle(ctx, bundle, paths); err != nil {
		return err
	}

	u.currentHash = bundle.Hash
	u.logger.Info("policy store synchronized", "hash", bundle.Hash, "delta", bundle.IsDelta())
	return nil
}

// bundleOp is one pending store write during a bundle apply.
type bundleOp struct {
	action string
	run    func(context.Context) error
}

// applyBundle writes the bundle into the store inside one transaction
// scope. Modules are applied in manifest order; a module that fails is
// postponed and retried after the rest of the pass, so ordering problems
// between interdependent modules resolve themselves. Only failures that
// survive every pass fail the transaction. scope carries the subtrees the
// bundle was requested for; pruning never reaches outside it.
func (u *PolicyUpdater) applyBundle(ctx context.Context, b *sdk.PolicyBundle, scope []string) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("refusing malformed bundle: %w", err)
	}

	tx := u.txlog.Begin(u.store, sdk.TransactionTypePolicy, b.Hash)

	policies := make(map[string]sdk.PolicyModule, len(b.PolicyModules))
	for _, m := range b.PolicyModules {
		policies[m.Path] = m
	}
	datas := make(map[string]sdk.DataModule, len(b.DataModules))
	for _, m := range b.DataModules {
		datas[m.Path] = m
	}

	var ops []bundleOp
	applied := make(map[string]struct{})
	appliedData := make(map[string]struct{})

	for _, entry := range b.Manifest {
		if u.ignore.Ignored(entry) {
			u.logger.Debug("skipping ignored bundle entry", "path", entry)
			continue
		}

		if m, ok := policies[entry]; ok {
			m := m
			applied[entry] = struct{}{}
			ops = append(ops, bundleOp{
				action: "set_policy " + entry,
				run: func(ctx context.Context) error {
					return u.store.SetPolicy(ctx, m.Path, m.Rego)
				},
			})
		} else if m, ok := datas[entry]; ok {
			m := m
			path := dataDocPath(entry)
			appliedData[path] = struct{}{}
			ops = append(ops, bundleOp{
				action: "set_data " + path,
				run: func(ctx context.Context) error {
					return u.store.SetData(ctx, path, m.Data)
				},
			})
		} else {
			u.logger.Warn("manifest entry carries no module", "path", entry)
		}
	}

	failures := u.applyWithRetries(ctx, ops)
	for i, op := range ops {
		tx.Record(op.action, failures[i])
	}

	if b.IsDelta() {
		u.applyDeletions(ctx, tx, b.DeletedFiles)
	} else {
		u.pruneStale(ctx, tx, scope, applied, appliedData)
	}
	for path := range appliedData {
		u.dataPaths[path] = struct{}{}
	}

	rec := tx.Close(ctx)
	if !rec.Success {
		return fmt.Errorf("policy transaction for revision %s failed: %s", b.Hash, rec.Error)
	}
	return nil
}

// applyWithRetries runs the ops in order, postponing failed ones to further
// passes while any pass makes progress. The returned map holds the terminal
// error per op index; absent means success.
func (u *PolicyUpdater) applyWithRetries(ctx context.Context, ops []bundleOp) map[int]error {
	failures := make(map[int]error)

	pending := make([]int, len(ops))
	for i := range ops {
		pending[i] = i
	}

	for len(pending) > 0 {
		var next []int
		progress := false

		for _, i := range pending {
			if err := ops[i].run(ctx); err != nil {
				u.logger.Debug("bundle entry failed, postponing", "action", ops[i].action,
					"error", err)
				failures[i] = err
				next = append(next, i)
				continue
			}
			delete(failures, i)
			progress = true
		}

		if !progress {
			break
		}
		pending = next
	}
	return failures
}

// applyDeletions removes the modules a delta bundle reports as gone. A
// module already absent from the store is not a failure.
func (u *PolicyUpdater) applyDeletions(ctx context.Context, tx *store.Transaction, deleted *sdk.DeletedFiles) {
	if deleted.Empty() {
		return
	}

	for _, p := range deleted.PolicyModules {
		if u.ignore.Ignored(p) {
			continue
		}
		err := u.store.DeletePolicy(ctx, p)
		if errors.Is(err, store.ErrPolicyNotFound) {
			err = nil
		}
		tx.Record("delete_policy "+p, err)
	}

	for _, d := range deleted.DataModules {
		path := dataDocPath(d)
		tx.DeleteData(ctx, path)
		delete(u.dataPaths, path)
	}
}

// pruneStale removes store content a complete bundle no longer contains:
// policies listed by the store but absent from the bundle, and data
// documents a previous bundle owned. A bundle fetched for a subset of the
// tracked subtrees only prunes within that subset, so content outside the
// requested scope survives a scoped sync.
func (u *PolicyUpdater) pruneStale(ctx context.Context, tx *store.Transaction, scope []string, policies, dataPaths map[string]struct{}) {
	ids, err := u.store.ListPolicies(ctx)
	if err != nil {
		tx.Record("list_policies", err)
		return
	}

	for _, id := range ids {
		if id == store.HealthcheckPolicyID {
			continue
		}
		if _, ok := policies[id]; ok {
			continue
		}
		if !underAny(scope, id) {
			continue
		}
		err := u.store.DeletePolicy(ctx, id)
		if errors.Is(err, store.ErrPolicyNotFound) {
			err = nil
		}
		tx.Record("delete_policy "+id, err)
	}

	for path := range u.dataPaths {
		if _, ok := dataPaths[path]; ok {
			continue
		}
		if !docUnderAny(scope, path) {
			continue
		}
		tx.DeleteData(ctx, path)
		delete(u.dataPaths, path)
	}
}

// scopeFromTopics derives the repository subtrees a notification concerns
// from its topics. Topics that do not map cleanly onto directories, or that
// would widen the scope past the tracked subtrees, fall back to the full
// tracked scope.
func (u *PolicyUpdater) scopeFromTopics(topics []string) []string {
	if len(topics) == 0 {
		return u.paths
	}

	var dirs []string
	for _, t := range topics {
		dir, ok := sdk.PolicyTopicDir(t)
		if !ok || dir == "." {
			return u.paths
		}
		dirs = append(dirs, dir)
	}
	if len(u.paths) == 0 {
		return dirs
	}

	var scoped []string
	for _, d := range dirs {
		if underAny(u.paths, d) {
			scoped = append(scoped, d)
		}
	}
	if len(scoped) == 0 {
		return u.paths
	}
	return scoped
}

// normalizePaths trims separators and drops entries that mean the whole
// tree, which an empty slice already expresses.
func normalizePaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" || p == "." {
			return nil
		}
		out = append(out, p)
	}
	return out
}

// underAny reports whether the repository path sits inside any of the
// scope directories. An empty scope covers everything.
func underAny(scope []string, path string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == "." || path == s || strings.HasPrefix(path, s+"/") {
			return true
		}
	}
	return false
}

// docUnderAny is underAny for store document paths, which carry a leading
// slash.
func docUnderAny(scope []string, docPath string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		sp := dataDocPath(s)
		if sp == "/" || docPath == sp || strings.HasPrefix(docPath, sp+"/") {
			return true
		}
	}
	return false
}

// dataDocPath maps a bundle directory onto the store document path it
// populates. The repository root feeds the data document root.
func dataDocPath(dir string) string {
	if dir == "" || dir == "." {
		return "/"
	}
	return "/" + dir
}
