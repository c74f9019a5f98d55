// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

type ignoreEntry struct {
	pattern glob.Glob
	negated bool
}

// IgnoreList decides which bundle file paths the client skips when writing
// to the store. Entries are glob patterns matched against the full path;
// an entry prefixed with "!" re-includes matches. The last matching entry
// wins.
type IgnoreList struct {
	entries []ignoreEntry
}

// NewIgnoreList compiles the patterns.
func NewIgnoreList(patterns []string) (*IgnoreList, error) {
	l := &IgnoreList{}
	for _, raw := range patterns {
		pattern := raw
		negated := strings.HasPrefix(raw, "!")
		if negated {
			pattern = raw[1:]
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", raw, err)
		}
		l.entries = append(l.entries, ignoreEntry{pattern: g, negated: negated})
	}
	return l, nil
}

// Ignored reports whether the path should be skipped.
func (l *IgnoreList) Ignored(path string) bool {
	if l == nil {
		return false
	}
	skip := false
	for _, entry := range l.entries {
		if entry.pattern.Match(path) {
			skip = !entry.negated
		}
	}
	return skip
}
