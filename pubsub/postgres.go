// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/lib/pq"

	"github.com/opal-project/opal/sdk"
)

const (
	// publishTimeout bounds a single pg_notify call so a broken bus cannot
	// deadlock local publishers.
	publishTimeout = 5 * time.Second

	// listenerMinReconnect and listenerMaxReconnect bound the reconnect
	// backoff of the underlying LISTEN connection.
	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
)

// PostgresBroadcaster fans messages out across server workers over a
// Postgres NOTIFY channel. Every worker LISTENs on the shared channel, so a
// publish from any worker reaches the Notifier of all of them, the
// publisher included.
type PostgresBroadcaster struct {
	logger   hclog.Logger
	notifier *Notifier

	db       *sql.DB
	listener *pq.Listener

	channel           string
	keepaliveInterval time.Duration
}

// NewPostgresBroadcaster connects to the bus described by conninfo. The
// channel names the NOTIFY channel shared by all workers.
func NewPostgresBroadcaster(logger hclog.Logger, n *Notifier, conninfo, channel string, keepalive time.Duration) (*PostgresBroadcaster, error) {
	db, err := sql.Open("postgres", conninfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open broadcast bus connection: %w", err)
	}

	b := &PostgresBroadcaster{
		logger:            logger.Named("broadcaster"),
		notifier:          n,
		db:                db,
		channel:           channel,
		keepaliveInterval: keepalive,
	}

	b.listener = pq.NewListener(conninfo, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected, pq.ListenerEventReconnected:
				b.logger.Info("broadcast bus connected")
			case pq.ListenerEventDisconnected:
				b.logger.Warn("broadcast bus disconnected", "error", err)
			case pq.ListenerEventConnectionAttemptFailed:
				b.logger.Warn("broadcast bus connection attempt failed", "error", err)
			}
		})

	return b, nil
}

// Run listens on the shared channel and re-delivers every received envelope
// into the local notifier. A keepalive message is published periodically on
// the well-known topic so transport breakage surfaces quickly.
func (b *PostgresBroadcaster) Run(ctx context.Context) error {
	if err := b.listener.Listen(b.channel); err != nil {
		return fmt.Errorf("failed to LISTEN on channel %q: %w", b.channel, err)
	}

	keepalive := time.NewTicker(b.keepaliveInterval)
	defer keepalive.Stop()

	b.logger.Info("broadcast bus loop started", "channel", b.channel)

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("stopping broadcast bus loop")
			_ = b.listener.Close()
			_ = b.db.Close()
			return nil

		case <-keepalive.C:
			if err := b.Publish([]string{sdk.TopicKeepalive}, map[string]string{"type": "keepalive"}); err != nil {
				b.logger.Warn("failed to publish keepalive", "error", err)
			}
			// Ping nudges the listener into reconnecting if the
			// connection died without an event.
			if err := b.listener.Ping(); err != nil {
				b.logger.Warn("broadcast bus ping failed", "error", err)
			}

		case notice := <-b.listener.Notify:
			// A nil notification is delivered after a reconnect; local
			// state may be stale but clients recover via resync.
			if notice == nil {
				b.logger.Debug("broadcast bus reconnected, notifications may have been missed")
				continue
			}
			b.deliver(notice.Extra)
		}
	}
}

// Publish encodes the envelope and NOTIFYs the shared channel. Messages are
// dropped, not queued, when the bus is unreachable.
func (b *PostgresBroadcaster) Publish(topics []string, data interface{}) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast payload: %w", err)
	}

	envelope, err := json.Marshal(busEnvelope{Topics: topics, Data: raw})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, string(envelope)); err != nil {
		metricBroadcastErrors.Inc()
		return fmt.Errorf("failed to publish to broadcast bus: %w", err)
	}

	metricBroadcastMessages.Inc()
	return nil
}

func (b *PostgresBroadcaster) deliver(payload string) {
	var envelope busEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		b.logger.Warn("discarding malformed broadcast envelope", "error", err)
		return
	}
	b.notifier.PublishRaw(envelope.Topics, envelope.Data)
}
