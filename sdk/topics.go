// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"strings"
)

const (
	// TopicKeepalive is the well-known topic on which the broadcaster
	// publishes periodic liveness messages so broken bus connections are
	// detected promptly.
	TopicKeepalive = "__keepalive__"

	// TopicWebhook is the server-internal topic used to fan webhook hits out
	// to the leader worker.
	TopicWebhook = "webhook"

	// TopicStatsAdd and TopicStatsRemove carry optional client telemetry
	// events when the server tracker is configured to emit them.
	TopicStatsAdd    = "__opal_stats_add"
	TopicStatsRemove = "__opal_stats_rm"

	// DefaultDataTopic is the data topic clients subscribe to when the
	// operator has not configured an explicit set.
	DefaultDataTopic = "policy_data"

	// policyTopicPrefix namespaces the per-directory policy change topics.
	policyTopicPrefix = "policy:"

	// scopeDelimiter separates an optional scope prefix from the topic body.
	scopeDelimiter = ":"
)

// PolicyTopic returns the topic on which changes under the given repository
// directory are announced. The repository root is "policy:.".
func PolicyTopic(dir string) string {
	if dir == "" {
		dir = "."
	}
	return policyTopicPrefix + dir
}

// IsPolicyTopic reports whether the passed topic carries policy change
// notifications rather than data update notifications.
func IsPolicyTopic(topic string) bool {
	_, bare := SplitScope(topic)
	return strings.HasPrefix(bare, policyTopicPrefix)
}

// PolicyTopicDir returns the repository directory a policy topic addresses
// and whether the topic is a policy topic at all.
func PolicyTopicDir(topic string) (string, bool) {
	_, bare := SplitScope(topic)
	if !strings.HasPrefix(bare, policyTopicPrefix) {
		return "", false
	}
	dir := strings.TrimPrefix(bare, policyTopicPrefix)
	if dir == "" {
		dir = "."
	}
	return dir, true
}

// SplitScope splits an optional "scope:" prefix from a topic. Policy topics
// already contain a colon ("policy:other"), so only a prefix that is not the
// policy namespace is treated as a scope.
func SplitScope(topic string) (scope, bare string) {
	if strings.HasPrefix(topic, policyTopicPrefix) {
		return "", topic
	}
	idx := strings.Index(topic, scopeDelimiter)
	if idx < 0 {
		return "", topic
	}
	return topic[:idx], topic[idx+1:]
}

// ExpandTopic expands a logical topic into the set of itself plus every
// slash-separated ancestor, so that a subscriber registered at any ancestor
// receives the message. A scope prefix, when present, is preserved on every
// element:
//
//	ExpandTopic("a/b/c")   => ["a", "a/b", "a/b/c"]
//	ExpandTopic("s:a/b/c") => ["s:a", "s:a/b", "s:a/b/c"]
//
// Policy topics are never hierarchical below their directory, but expansion
// is still well defined for them and returns prefix-preserved elements.
func ExpandTopic(topic string) []string {
	scope, bare := SplitScope(topic)

	segments := strings.Split(bare, "/")
	expanded := make([]string, 0, len(segments))

	for i := range segments {
		t := strings.Join(segments[:i+1], "/")
		if scope != "" {
			t = scope + scopeDelimiter + t
		}
		expanded = append(expanded, t)
	}
	return expanded
}

// ExpandTopics expands every passed topic and returns the deduplicated union
// in first-seen order.
func ExpandTopics(topics []string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, topic := range topics {
		for _, t := range ExpandTopic(topic) {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
