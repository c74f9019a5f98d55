// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxBundleFileSize caps a single extracted file to keep a hostile bundle
// from filling the disk.
const maxBundleFileSize = 64 << 20

// extractTarGz unpacks a gzipped tarball into dst. Entries with absolute
// paths, ".." segments or ".git" components are rejected so a bundle cannot
// write outside dst or tamper with the local history.
func extractTarGz(r io.Reader, dst string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}

		name, err := sanitizeEntryName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", name, err)
			}
			_, err = io.Copy(f, io.LimitReader(tr, maxBundleFileSize))
			closeErr := f.Close()
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", name, err)
			}
			if closeErr != nil {
				return fmt.Errorf("failed to close %s: %w", name, closeErr)
			}
		default:
			// Symlinks, devices and the rest have no place in a policy
			// bundle.
			return fmt.Errorf("unsupported entry type %d for %s", hdr.Typeflag, name)
		}
	}
}

// sanitizeEntryName normalizes a tar entry name and rejects anything that
// would land outside the extraction root. An empty return with nil error
// means the entry should be skipped.
func sanitizeEntryName(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("bundle entry %q has an absolute path", name)
	}

	clean := filepath.ToSlash(filepath.Clean(name))
	if clean == "." {
		return "", nil
	}
	for _, seg := range strings.Split(clean, "/") {
		switch seg {
		case "..":
			return "", fmt.Errorf("bundle entry %q escapes the extraction root", name)
		case ".git":
			return "", fmt.Errorf("bundle entry %q touches the git directory", name)
		}
	}
	return clean, nil
}
