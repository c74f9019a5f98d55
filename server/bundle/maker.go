// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/gobwas/glob"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/sdk"
)

// ErrCommitNotFound is returned when a requested revision does not exist in
// the repository. Callers degrade a delta request to a complete bundle on
// this error.
var ErrCommitNotFound = errors.New("commit not found in repository")

const (
	defaultManifestFilename = ".manifest"
	defaultDataFilename     = "data.json"
)

// packageRe extracts the package declaration from a policy module.
var packageRe = regexp.MustCompile(`(?m)^package\s+([A-Za-z0-9._"\[\]]+)\s*$`)

// Config controls which repository content a Maker includes in bundles.
type Config struct {
	// Extensions of policy module files, e.g. [".rego"].
	Extensions []string

	// Directories restricts bundles to the listed subtrees; empty or "."
	// admits the whole repository.
	Directories []string

	// IgnoreGlobs excludes matching paths. An entry prefixed with "!"
	// re-includes matches, last match wins.
	IgnoreGlobs []string

	// ManifestFilename overrides the ".manifest" default.
	ManifestFilename string

	// DataFilename overrides the "data.json" default.
	DataFilename string
}

type ignoreEntry struct {
	pattern glob.Glob
	negated bool
}

// Maker assembles complete and delta policy bundles from a git repository.
type Maker struct {
	logger hclog.Logger

	extensions   []string
	directories  []string
	ignore       []ignoreEntry
	manifestName string
	dataName     string

	// noMatch marks a scoped maker whose requested paths fall entirely
	// outside the configured directories; it matches nothing.
	noMatch bool
}

// NewMaker validates the config and returns a ready Maker.
func NewMaker(logger hclog.Logger, cfg Config) (*Maker, error) {
	m := &Maker{
		logger:       logger.Named("bundle_maker"),
		extensions:   cfg.Extensions,
		directories:  cfg.Directories,
		manifestName: cfg.ManifestFilename,
		dataName:     cfg.DataFilename,
	}
	if len(m.extensions) == 0 {
		m.extensions = []string{".rego"}
	}
	if m.manifestName == "" {
		m.manifestName = defaultManifestFilename
	}
	if m.dataName == "" {
		m.dataName = defaultDataFilename
	}

	for _, raw := range cfg.IgnoreGlobs {
		pattern := raw
		negated := strings.HasPrefix(raw, "!")
		if negated {
			pattern = raw[1:]
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid bundle ignore glob %q: %w", raw, err)
		}
		m.ignore = append(m.ignore, ignoreEntry{pattern: g, negated: negated})
	}
	return m, nil
}

// Scoped returns a maker restricted to the intersection of the configured
// directories and the requested paths, so a bundle request carrying path
// query parameters only sees the subtrees it asked for. Requesting "."
// leaves the configured scope untouched; paths wholly outside it yield a
// maker that matches nothing.
func (m *Maker) Scoped(paths []string) *Maker {
	if len(paths) == 0 {
		return m
	}

	normalized := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" || p == "." {
			// Whole-tree request, no narrowing.
			return m
		}
		normalized = append(normalized, p)
	}

	scoped := *m
	if len(m.directories) == 0 {
		scoped.directories = normalized
		return &scoped
	}

	var dirs []string
	for _, c := range m.directories {
		for _, r := range normalized {
			switch {
			case c == "." || c == "":
				dirs = append(dirs, r)
			case r == c || strings.HasPrefix(r, c+"/"):
				dirs = append(dirs, r)
			case strings.HasPrefix(c, r+"/"):
				dirs = append(dirs, c)
			}
		}
	}
	scoped.directories = dirs
	scoped.noMatch = len(dirs) == 0
	return &scoped
}

// CompleteBundle builds a full bundle of every matching file at the target
// commit. The bundle hash is the resolved commit id.
func (m *Maker) CompleteBundle(repo *git.Repository, target string) (*sdk.PolicyBundle, error) {
	commit, tree, err := m.treeAt(repo, target)
	if err != nil {
		return nil, err
	}

	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		if m.included(f.Name) {
			files = append(files, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree of %s: %w", target, err)
	}

	ordered := OrderPaths(files, m.manifestReader(tree))

	bundle := &sdk.PolicyBundle{Hash: commit.Hash.String()}
	kept := make([]string, 0, len(ordered))
	for _, p := range ordered {
		added, err := m.appendModule(bundle, tree, p)
		if err != nil {
			return nil, err
		}
		if added {
			kept = append(kept, p)
		}
	}
	bundle.Manifest = m.manifestPaths(kept)
	return bundle, nil
}

// DeltaBundle builds a bundle describing the change from base to target.
// A missing base commit yields ErrCommitNotFound.
func (m *Maker) DeltaBundle(repo *git.Repository, base, target string) (*sdk.PolicyBundle, error) {
	baseCommit, baseTree, err := m.treeAt(repo, base)
	if err != nil {
		return nil, err
	}
	targetCommit, targetTree, err := m.treeAt(repo, target)
	if err != nil {
		return nil, err
	}
	if baseCommit.Hash == targetCommit.Hash {
		return nil, fmt.Errorf("delta bundle requested between identical revisions %s", base)
	}

	changes, err := object.DiffTree(baseTree, targetTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", base, target, err)
	}

	bundle := &sdk.PolicyBundle{
		Hash:         targetCommit.Hash.String(),
		OldHash:      baseCommit.Hash.String(),
		DeletedFiles: &sdk.DeletedFiles{PolicyModules: []string{}, DataModules: []string{}},
	}

	var upserted []string
	deletedData := make(map[string]struct{})

	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, fmt.Errorf("failed to classify change: %w", err)
		}

		switch action {
		case merkletrie.Insert, merkletrie.Modify:
			if m.included(change.To.Name) {
				upserted = append(upserted, change.To.Name)
			}
		case merkletrie.Delete:
			if !m.included(change.From.Name) {
				continue
			}
			if m.isData(change.From.Name) {
				deletedData[moduleDir(change.From.Name)] = struct{}{}
			} else {
				bundle.DeletedFiles.PolicyModules = append(bundle.DeletedFiles.PolicyModules, change.From.Name)
			}
		}
	}

	ordered := OrderPaths(upserted, m.manifestReader(targetTree))
	kept := make([]string, 0, len(ordered))
	for _, p := range ordered {
		added, err := m.appendModule(bundle, targetTree, p)
		if err != nil {
			return nil, err
		}
		if added {
			kept = append(kept, p)
		}
	}
	bundle.Manifest = m.manifestPaths(kept)

	for dir := range deletedData {
		bundle.DeletedFiles.DataModules = append(bundle.DeletedFiles.DataModules, dir)
	}
	sort.Strings(bundle.DeletedFiles.PolicyModules)
	sort.Strings(bundle.DeletedFiles.DataModules)

	return bundle, nil
}

// AffectedDirectories lists, sorted and deduplicated, the directories whose
// filtered content differs between the two revisions. The repository root
// is reported as ".".
func (m *Maker) AffectedDirectories(repo *git.Repository, base, target string) ([]string, error) {
	_, targetTree, err := m.treeAt(repo, target)
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]struct{})

	if base == "" {
		// No prior revision: every matching directory is affected.
		err = targetTree.Files().ForEach(func(f *object.File) error {
			if m.included(f.Name) {
				dirs[moduleDir(f.Name)] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		_, baseTree, err := m.treeAt(repo, base)
		if err != nil {
			return nil, err
		}
		changes, err := object.DiffTree(baseTree, targetTree)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %s..%s: %w", base, target, err)
		}
		for _, change := range changes {
			action, err := change.Action()
			if err != nil {
				return nil, err
			}
			name := change.To.Name
			if action == merkletrie.Delete {
				name = change.From.Name
			}
			if m.included(name) {
				dirs[moduleDir(name)] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(dirs))
	for d := range dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

// appendModule reads the file from the tree and classifies it into the
// bundle. A data module that is not valid JSON is skipped with a warning
// rather than failing the whole bundle; a skipped module stays out of the
// manifest, so every manifest entry maps onto exactly one module.
func (m *Maker) appendModule(bundle *sdk.PolicyBundle, tree *object.Tree, p string) (bool, error) {
	f, err := tree.File(p)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", p, err)
	}
	content, err := f.Contents()
	if err != nil {
		return false, fmt.Errorf("failed to read blob of %s: %w", p, err)
	}

	if m.isData(p) {
		if !json.Valid([]byte(content)) {
			m.logger.Warn("skipping data module with invalid JSON", "path", p)
			return false, nil
		}
		bundle.DataModules = append(bundle.DataModules, sdk.DataModule{
			Path: moduleDir(p),
			Data: json.RawMessage(content),
		})
		return true, nil
	}

	bundle.PolicyModules = append(bundle.PolicyModules, sdk.PolicyModule{
		Path:        p,
		PackageName: extractPackageName(content),
		Rego:        content,
	})
	return true, nil
}

// manifestPaths maps ordered file paths onto manifest entries: policy
// modules keep their path, data modules are represented by their containing
// directory.
func (m *Maker) manifestPaths(ordered []string) []string {
	seen := make(map[string]struct{}, len(ordered))
	out := make([]string, 0, len(ordered))
	for _, p := range ordered {
		entry := p
		if m.isData(p) {
			entry = moduleDir(p)
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out
}

func (m *Maker) treeAt(repo *git.Repository, revision string) (*object.Commit, *object.Tree, error) {
	if revision == "" {
		return nil, nil, fmt.Errorf("%w: empty revision", ErrCommitNotFound)
	}
	if !plumbing.IsHash(revision) {
		return nil, nil, fmt.Errorf("%w: %q is not a commit id", ErrCommitNotFound, revision)
	}

	commit, err := repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrCommitNotFound, revision)
		}
		return nil, nil, fmt.Errorf("failed to resolve commit %s: %w", revision, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tree of %s: %w", revision, err)
	}
	return commit, tree, nil
}

func (m *Maker) manifestReader(tree *object.Tree) ManifestReader {
	return func(dir string) ([]string, bool) {
		name := m.manifestName
		if dir != "." {
			name = dir + "/" + m.manifestName
		}
		f, err := tree.File(name)
		if err != nil {
			return nil, false
		}
		content, err := f.Contents()
		if err != nil {
			return nil, false
		}

		var entries []string
		for _, line := range strings.Split(content, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				entries = append(entries, line)
			}
		}
		return entries, true
	}
}

// included applies the directory, extension and ignore filters.
func (m *Maker) included(p string) bool {
	if m.noMatch {
		return false
	}
	if !m.inDirectories(p) {
		return false
	}
	if !m.isData(p) && !m.hasPolicyExtension(p) {
		return false
	}

	skip := false
	for _, entry := range m.ignore {
		if entry.pattern.Match(p) {
			skip = !entry.negated
		}
	}
	return !skip
}

func (m *Maker) inDirectories(p string) bool {
	if len(m.directories) == 0 {
		return true
	}
	for _, dir := range m.directories {
		if dir == "." || dir == "" || p == dir || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

func (m *Maker) isData(p string) bool {
	return path.Base(p) == m.dataName
}

func (m *Maker) hasPolicyExtension(p string) bool {
	for _, ext := range m.extensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// moduleDir is the directory a module path lives in; "." for the root.
func moduleDir(p string) string {
	return path.Dir(p)
}

// extractPackageName scans the module source for its package declaration.
func extractPackageName(source string) string {
	if match := packageRe.FindStringSubmatch(source); match != nil {
		return match[1]
	}
	return ""
}
