// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "fmt"

var (
	// GitCommit is the commit the binary was built from, set by the build
	// toolchain.
	GitCommit string

	// GitDescribe is set when the build sits exactly on a release tag.
	GitDescribe string

	// Version is the main version number that is being run at the moment.
	Version = "0.1.0"

	// VersionPrerelease is a pre-release marker for the version. If this
	// is "" (empty string) then it means that it is a final release.
	// Otherwise, this is a pre-release such as "dev" (in development),
	// "beta", "rc1", etc.
	VersionPrerelease = "dev"

	// VersionMetadata is metadata further describing the build type.
	VersionMetadata = ""
)

// GetHumanVersion composes the parts of the version in a way that's
// suitable for displaying to humans.
func GetHumanVersion() string {
	version := fmt.Sprintf("v%s", Version)
	if GitDescribe != "" {
		version = GitDescribe
	}

	if VersionPrerelease != "" {
		version += fmt.Sprintf("-%s", VersionPrerelease)
		if GitCommit != "" {
			version += fmt.Sprintf(" (%s)", GitCommit)
		}
	}

	if VersionMetadata != "" {
		version += fmt.Sprintf("+%s", VersionMetadata)
	}

	return version
}
