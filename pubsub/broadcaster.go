// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"encoding/json"
)

// Broadcaster fans published messages out to the Notifier of every server
// worker, including the publisher. Implementations deliver each message
// exactly once under normal operation; duplicates are tolerated downstream.
type Broadcaster interface {
	// Run operates the bus connection until the context is cancelled. It is
	// expected to be launched in its own goroutine and to keep the
	// connection healthy across transient failures.
	Run(ctx context.Context) error

	// Publish sends the payload to every worker on the given logical
	// topics. Loss of the bus connection must not deadlock the caller.
	Publish(topics []string, data interface{}) error
}

// LocalBroadcaster is the single-worker Broadcaster: it delivers straight
// into the local Notifier. Used when no bus is configured.
type LocalBroadcaster struct {
	notifier *Notifier
}

// NewLocalBroadcaster wraps the notifier in the Broadcaster contract.
func NewLocalBroadcaster(n *Notifier) *LocalBroadcaster {
	return &LocalBroadcaster{notifier: n}
}

// Run blocks until the context is cancelled; the local broadcaster has no
// connection to maintain.
func (b *LocalBroadcaster) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Publish delivers into the local notifier.
func (b *LocalBroadcaster) Publish(topics []string, data interface{}) error {
	return b.notifier.Publish(topics, data)
}

// busEnvelope is the wire form a broadcast message travels in on the bus.
type busEnvelope struct {
	Topics []string        `json:"topics"`
	Data   json.RawMessage `json:"data"`
}
