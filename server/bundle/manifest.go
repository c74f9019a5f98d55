// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"path"
	"sort"
	"strings"
)

// ManifestReader returns the ordered entries of the manifest file for a
// directory, and whether one exists. The repository root is directory ".".
type ManifestReader func(dir string) ([]string, bool)

// OrderPaths computes the canonical load order for a set of repository file
// paths. Manifest-directed ordering is pure tree computation, kept free of
// any I/O so it can be tested in isolation:
//
//   - entries listed by a directory's manifest come first, in manifest
//     order;
//   - an entry naming a subdirectory recurses into that subdirectory's
//     manifest;
//   - already-visited entries are skipped, which also guards against
//     manifest cycles;
//   - absolute entries and entries escaping the repository are rejected;
//   - files not referenced by any manifest are appended afterwards in
//     lexicographic order.
func OrderPaths(files []string, readManifest ManifestReader) []string {
	fileSet := make(map[string]struct{}, len(files))
	dirSet := make(map[string]struct{})
	for _, f := range files {
		fileSet[f] = struct{}{}
		for d := path.Dir(f); d != "."; d = path.Dir(d) {
			dirSet[d] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(files))
	visitedFiles := make(map[string]struct{})
	visitedDirs := make(map[string]struct{})

	appendFile := func(p string) {
		if _, ok := visitedFiles[p]; ok {
			return
		}
		if _, ok := fileSet[p]; !ok {
			return
		}
		visitedFiles[p] = struct{}{}
		ordered = append(ordered, p)
	}

	var appendDir func(dir string)
	var walk func(dir string)

	// appendDir flushes a directory's unvisited files in lexicographic
	// order; used for manifest entries naming a directory that carries no
	// manifest of its own.
	appendDir = func(dir string) {
		var pending []string
		prefix := dir + "/"
		if dir == "." {
			prefix = ""
		}
		for f := range fileSet {
			if strings.HasPrefix(f, prefix) {
				pending = append(pending, f)
			}
		}
		sort.Strings(pending)
		for _, f := range pending {
			appendFile(f)
		}
	}

	walk = func(dir string) {
		if _, ok := visitedDirs[dir]; ok {
			return
		}
		visitedDirs[dir] = struct{}{}

		entries, ok := readManifest(dir)
		if !ok {
			return
		}

		for _, entry := range entries {
			rel, ok := resolveEntry(dir, entry)
			if !ok {
				continue
			}

			if _, isDir := dirSet[rel]; isDir {
				if _, hasManifest := readManifest(rel); hasManifest {
					walk(rel)
				} else {
					appendDir(rel)
				}
				continue
			}
			appendFile(rel)
		}
	}

	walk(".")

	// Unreferenced files follow in deterministic order.
	rest := make([]string, 0, len(files))
	for _, f := range files {
		if _, ok := visitedFiles[f]; !ok {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)

	return append(ordered, rest...)
}

// resolveEntry normalizes a manifest entry relative to the manifest's
// directory and rejects entries pointing outside the repository.
func resolveEntry(dir, entry string) (string, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" || strings.HasPrefix(entry, "#") {
		return "", false
	}
	if strings.HasPrefix(entry, "/") {
		return "", false
	}
	for _, seg := range strings.Split(entry, "/") {
		if seg == ".." {
			return "", false
		}
	}

	rel := path.Clean(path.Join(dir, entry))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}
