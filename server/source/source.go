// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"

	git "github.com/go-git/go-git/v5"
)

// Event describes a revision change of the tracked policy source. The first
// event after startup has an empty OldRevision.
type Event struct {
	OldRevision string
	NewRevision string
}

// Source tracks an external policy repository and reports revision changes.
//
// Run blocks until the context is cancelled or the source fails terminally.
// Implementations deliver events on the Events channel; events may be
// dropped if the receiver lags, consumers always act on the latest revision.
type Source interface {
	// Name identifies the source kind for logging.
	Name() string

	// Run starts tracking. It returns nil on context cancellation and an
	// error on terminal failure.
	Run(ctx context.Context) error

	// Events is the change feed. Closed when Run returns.
	Events() <-chan Event

	// Trigger requests an immediate check outside the polling schedule,
	// e.g. on webhook receipt. Never blocks.
	Trigger()

	// Repository is the local git repository mirroring the source. Nil
	// until the first successful sync.
	Repository() *git.Repository

	// Revision is the currently checked out revision, empty until the
	// first successful sync.
	Revision() string
}
