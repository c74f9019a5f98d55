// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/opal-project/opal/sdk"
)

// ErrUnauthorized is returned by Subscribe when a channel restriction
// rejects one or more of the requested topics.
var ErrUnauthorized = errors.New("unauthorized subscription")

// subscriptionBuffer bounds the per-subscription delivery channel. A
// subscriber that falls further behind than this loses messages; the
// reconnect resync contract recovers the lost state.
const subscriptionBuffer = 64

// Handler receives messages delivered to a subscription. Handlers for
// different subscriptions run concurrently; within one subscription messages
// are delivered serially in publication order.
type Handler func(topic string, data json.RawMessage)

// Restriction is consulted on subscribe when set. It reports whether the
// subscriber owning the passed claims may register on the topic.
type Restriction func(claims map[string]interface{}, topic string) bool

// Observer is notified after subscriptions are registered or removed. The
// websocket client tracker uses this to maintain per-client topic sets.
type Observer interface {
	HandleSubscribe(subscriberID string, topics []string)
	HandleUnsubscribe(subscriberID string, topics []string)
}

// message pairs a payload with the topic it is delivered under.
type message struct {
	topic string
	data  json.RawMessage
}

// subscription is one (subscriber, topic, handler) registration. Delivery
// goes through a bounded channel drained by a dedicated goroutine so one
// slow subscriber never blocks the others.
type subscription struct {
	subscriberID string
	topic        string
	ch           chan message
	done         chan struct{}
}

func (s *subscription) run(handler Handler) {
	for msg := range s.ch {
		handler(msg.topic, msg.data)
	}
	close(s.done)
}

// Notifier maps topics onto subscriber callbacks. It makes no durability
// promises: a publish with no live subscription is lost.
type Notifier struct {
	logger hclog.Logger

	mu sync.RWMutex

	// subs indexes subscriptions by topic then subscriber ID.
	subs map[string]map[string]*subscription

	// topicsByID tracks the reverse mapping for O(1) removal on disconnect.
	topicsByID map[string]map[string]struct{}

	restriction Restriction
	observers   []Observer
}

// NewNotifier returns a ready to use Notifier.
func NewNotifier(logger hclog.Logger) *Notifier {
	return &Notifier{
		logger:     logger.Named("notifier"),
		subs:       make(map[string]map[string]*subscription),
		topicsByID: make(map[string]map[string]struct{}),
	}
}

// SetRestriction installs the subscribe-time authorization predicate.
func (n *Notifier) SetRestriction(r Restriction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restriction = r
}

// AddObserver registers an observer for subscribe/unsubscribe events.
func (n *Notifier) AddObserver(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// Subscribe registers the handler on every passed topic. The registration is
// all-or-nothing: if the channel restriction rejects any topic, no
// subscription is created and ErrUnauthorized is returned. Duplicate
// (subscriber, topic) pairs are idempotent.
func (n *Notifier) Subscribe(subscriberID string, claims map[string]interface{}, topics []string, handler Handler) error {
	n.mu.Lock()

	if n.restriction != nil {
		var denied []string
		for _, topic := range topics {
			if !n.restriction(claims, topic) {
				denied = append(denied, topic)
			}
		}
		if len(denied) > 0 {
			n.mu.Unlock()
			return fmt.Errorf("%w: topics %v", ErrUnauthorized, denied)
		}
	}

	var added []string
	for _, topic := range topics {
		byID, ok := n.subs[topic]
		if !ok {
			byID = make(map[string]*subscription)
			n.subs[topic] = byID
		}
		if _, ok := byID[subscriberID]; ok {
			continue
		}

		sub := &subscription{
			subscriberID: subscriberID,
			topic:        topic,
			ch:           make(chan message, subscriptionBuffer),
			done:         make(chan struct{}),
		}
		byID[subscriberID] = sub
		go sub.run(handler)

		if _, ok := n.topicsByID[subscriberID]; !ok {
			n.topicsByID[subscriberID] = make(map[string]struct{})
		}
		n.topicsByID[subscriberID][topic] = struct{}{}
		added = append(added, topic)
	}

	observers := n.observers
	n.mu.Unlock()

	if len(added) > 0 {
		n.logger.Debug("registered subscription", "subscriber_id", subscriberID, "topics", added)
		for _, o := range observers {
			o.HandleSubscribe(subscriberID, added)
		}
	}
	return nil
}

// Unsubscribe removes the subscriber from the passed topics, or from every
// topic when none are passed.
func (n *Notifier) Unsubscribe(subscriberID string, topics ...string) {
	n.mu.Lock()

	if len(topics) == 0 {
		for topic := range n.topicsByID[subscriberID] {
			topics = append(topics, topic)
		}
	}

	var removed []string
	for _, topic := range topics {
		byID, ok := n.subs[topic]
		if !ok {
			continue
		}
		sub, ok := byID[subscriberID]
		if !ok {
			continue
		}

		close(sub.ch)
		delete(byID, subscriberID)
		if len(byID) == 0 {
			delete(n.subs, topic)
		}
		delete(n.topicsByID[subscriberID], topic)
		removed = append(removed, topic)
	}
	if len(n.topicsByID[subscriberID]) == 0 {
		delete(n.topicsByID, subscriberID)
	}

	observers := n.observers
	n.mu.Unlock()

	if len(removed) > 0 {
		n.logger.Debug("removed subscription", "subscriber_id", subscriberID, "topics", removed)
		for _, o := range observers {
			o.HandleUnsubscribe(subscriberID, removed)
		}
	}
}

// Publish expands every logical topic into its ancestor set and delivers the
// payload to each matching subscription. Delivery is asynchronous; a
// subscription whose buffer is full drops the message with a warning.
func (n *Notifier) Publish(topics []string, data interface{}) error {
	raw, err := marshalPayload(data)
	if err != nil {
		return fmt.Errorf("failed to encode publish payload: %w", err)
	}
	n.PublishRaw(topics, raw)
	return nil
}

// PublishRaw is Publish for pre-encoded payloads; the broadcaster uses it to
// re-deliver bus messages without a decode/encode round trip.
func (n *Notifier) PublishRaw(topics []string, data json.RawMessage) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	delivered := 0
	for _, topic := range sdk.ExpandTopics(topics) {
		for _, sub := range n.subs[topic] {
			select {
			case sub.ch <- message{topic: topic, data: data}:
				delivered++
			default:
				n.logger.Warn("subscriber too slow, dropping message",
					"subscriber_id", sub.subscriberID, "topic", topic)
			}
		}
	}
	metricPublishedMessages.Add(float64(delivered))
}

// SubscriberTopics returns the topics the subscriber is registered on.
func (n *Notifier) SubscriberTopics(subscriberID string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out []string
	for topic := range n.topicsByID[subscriberID] {
		out = append(out, topic)
	}
	return out
}

func marshalPayload(data interface{}) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
