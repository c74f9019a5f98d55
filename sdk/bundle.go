// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"encoding/json"
	"fmt"
)

// PolicyModule is a single policy source file within a bundle.
type PolicyModule struct {
	// Path is the file path relative to the repository root.
	Path string `json:"path"`

	// PackageName is the package declared by the module source.
	PackageName string `json:"package_name"`

	// Rego is the raw module source text.
	Rego string `json:"rego"`
}

// DataModule is a single data document within a bundle. Path is the
// directory containing the data file, not the file itself, matching the
// engine's document layout contract.
type DataModule struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// DeletedFiles lists the bundle entries removed between the base and target
// revisions of a delta bundle.
type DeletedFiles struct {
	PolicyModules []string `json:"policy_modules"`
	DataModules   []string `json:"data_modules"`
}

// Empty reports whether the record carries no deletions.
func (d *DeletedFiles) Empty() bool {
	return d == nil || (len(d.PolicyModules) == 0 && len(d.DataModules) == 0)
}

// PolicyBundle is a serialized snapshot of the policy tree at a revision,
// either complete (OldHash empty) or a delta from OldHash to Hash.
type PolicyBundle struct {
	// Manifest is the ordered list of relative paths defining the canonical
	// load order for the bundle contents.
	Manifest []string `json:"manifest"`

	// Hash identifies the revision the bundle represents.
	Hash string `json:"hash"`

	// OldHash, when set, identifies the revision this bundle is a delta
	// from. Empty means a complete bundle.
	OldHash string `json:"old_hash,omitempty"`

	PolicyModules []PolicyModule `json:"policy_modules"`
	DataModules   []DataModule   `json:"data_modules"`

	// DeletedFiles is only present on delta bundles.
	DeletedFiles *DeletedFiles `json:"deleted_files,omitempty"`
}

// IsDelta reports whether the bundle describes a change from a base revision
// rather than a full snapshot.
func (b *PolicyBundle) IsDelta() bool { return b.OldHash != "" }

// Validate performs the structural checks every bundle must satisfy before
// it is applied to a store.
func (b *PolicyBundle) Validate() error {
	if b.Hash == "" {
		return fmt.Errorf("bundle is missing a revision hash")
	}
	if b.OldHash != "" && b.OldHash == b.Hash {
		return fmt.Errorf("delta bundle revisions are identical: %q", b.Hash)
	}
	if !b.IsDelta() && !b.DeletedFiles.Empty() {
		return fmt.Errorf("complete bundle must not carry deleted files")
	}
	return nil
}

// PolicyModulePaths returns the paths of every policy module in the bundle.
func (b *PolicyBundle) PolicyModulePaths() []string {
	out := make([]string, 0, len(b.PolicyModules))
	for _, m := range b.PolicyModules {
		out = append(out, m.Path)
	}
	return out
}

// DataModulePaths returns the directory paths of every data module in the
// bundle.
func (b *PolicyBundle) DataModulePaths() []string {
	out := make([]string, 0, len(b.DataModules))
	for _, m := range b.DataModules {
		out = append(out, m.Path)
	}
	return out
}

// PolicyUpdateMessage is the notification published on policy topics when
// the watcher observes a new upstream revision.
type PolicyUpdateMessage struct {
	OldHash string   `json:"old_hash,omitempty"`
	NewHash string   `json:"new_hash"`
	Topics  []string `json:"topics"`
}
