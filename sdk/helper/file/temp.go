// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package file

import "strings"

// IsTemporaryFile reports whether the file name looks like an editor
// temporary file (vim or emacs conventions).
func IsTemporaryFile(name string) bool {
	return strings.HasSuffix(name, "~") ||
		strings.HasPrefix(name, ".#") ||
		(strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#"))
}
