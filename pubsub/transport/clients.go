// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/pubsub"
	"github.com/opal-project/opal/sdk"
)

// connIDSeparator joins a client ID with a per-connection suffix to form the
// notifier subscriber ID. Client IDs never contain this character.
const connIDSeparator = "#"

// ClientInfo is the server-side record of one connected client identity. A
// client that opens several websocket connections under the same ID shares a
// single record; RefCount tracks the live connections.
type ClientInfo struct {
	ClientID    string    `json:"client_id"`
	SourceHost  string    `json:"source_host"`
	SourcePort  int       `json:"source_port"`
	ConnectTime time.Time `json:"connect_time"`

	// SubscribedTopics is the union of the topics subscribed across the
	// client's connections.
	SubscribedTopics []string `json:"subscribed_topics"`

	RefCount int `json:"refcount"`

	// topics is the mutable backing set for SubscribedTopics.
	topics map[string]int
}

func (c *ClientInfo) snapshot() ClientInfo {
	out := *c
	out.SubscribedTopics = make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out.SubscribedTopics = append(out.SubscribedTopics, topic)
	}
	out.topics = nil
	return out
}

// ClientTracker maintains ClientInfo records for all live websocket
// connections and optionally publishes connect/disconnect telemetry on the
// stats topics. It observes the notifier to keep topic sets current.
type ClientTracker struct {
	logger hclog.Logger

	mu      sync.RWMutex
	clients map[string]*ClientInfo

	// statsPublisher, when set, receives stats events for every connect and
	// final disconnect.
	statsPublisher pubsub.Broadcaster
}

// Ensure the tracker satisfies the notifier observer contract.
var _ pubsub.Observer = (*ClientTracker)(nil)

// NewClientTracker returns an empty tracker. Pass a nil publisher to
// disable the stats topics.
func NewClientTracker(logger hclog.Logger, statsPublisher pubsub.Broadcaster) *ClientTracker {
	return &ClientTracker{
		logger:         logger.Named("client_tracker"),
		clients:        make(map[string]*ClientInfo),
		statsPublisher: statsPublisher,
	}
}

// Connect records a new connection for the client ID, reusing an existing
// record when one exists.
func (t *ClientTracker) Connect(clientID, remoteAddr string) {
	host, port := splitRemoteAddr(remoteAddr)

	t.mu.Lock()
	info, ok := t.clients[clientID]
	if !ok {
		info = &ClientInfo{
			ClientID:    clientID,
			SourceHost:  host,
			SourcePort:  port,
			ConnectTime: time.Now().UTC(),
			topics:      make(map[string]int),
		}
		t.clients[clientID] = info
	}
	info.RefCount++
	refs := info.RefCount
	t.mu.Unlock()

	t.logger.Debug("client connected", "client_id", clientID, "refcount", refs)
	t.publishStats(sdk.TopicStatsAdd, clientID, remoteAddr)
}

// Disconnect drops one connection reference; the record is evicted when the
// last connection for the ID goes away.
func (t *ClientTracker) Disconnect(clientID string) {
	t.mu.Lock()
	info, ok := t.clients[clientID]
	if !ok {
		t.mu.Unlock()
		return
	}
	info.RefCount--
	evicted := info.RefCount <= 0
	if evicted {
		delete(t.clients, clientID)
	}
	t.mu.Unlock()

	t.logger.Debug("client disconnected", "client_id", clientID, "evicted", evicted)
	if evicted {
		t.publishStats(sdk.TopicStatsRemove, clientID, "")
	}
}

// HandleSubscribe implements pubsub.Observer.
func (t *ClientTracker) HandleSubscribe(subscriberID string, topics []string) {
	t.updateTopics(subscriberID, topics, 1)
}

// HandleUnsubscribe implements pubsub.Observer.
func (t *ClientTracker) HandleUnsubscribe(subscriberID string, topics []string) {
	t.updateTopics(subscriberID, topics, -1)
}

func (t *ClientTracker) updateTopics(subscriberID string, topics []string, delta int) {
	clientID := clientIDFromConnID(subscriberID)

	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.clients[clientID]
	if !ok {
		return
	}
	for _, topic := range topics {
		info.topics[topic] += delta
		if info.topics[topic] <= 0 {
			delete(info.topics, topic)
		}
	}
}

// List returns a snapshot of every tracked client.
func (t *ClientTracker) List() []ClientInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ClientInfo, 0, len(t.clients))
	for _, info := range t.clients {
		out = append(out, info.snapshot())
	}
	return out
}

func (t *ClientTracker) publishStats(topic, clientID, source string) {
	if t.statsPublisher == nil {
		return
	}
	payload := map[string]string{"client_id": clientID}
	if source != "" {
		payload["source"] = source
	}
	if err := t.statsPublisher.Publish([]string{topic}, payload); err != nil {
		t.logger.Warn("failed to publish client stats", "topic", topic, "error", err)
	}
}

func clientIDFromConnID(connID string) string {
	if idx := strings.LastIndex(connID, connIDSeparator); idx >= 0 {
		return connID[:idx]
	}
	return connID
}

func splitRemoteAddr(remoteAddr string) (string, int) {
	host, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
