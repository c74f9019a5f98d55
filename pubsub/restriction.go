// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package pubsub

// PermittedTopicsClaim is the token claim the restriction consults.
const PermittedTopicsClaim = "permitted_topics"

// PermittedTopicsRestriction authorizes subscriptions against the
// permitted_topics token claim. Claims without the key are unrestricted;
// claims with the key admit only exact topic matches.
func PermittedTopicsRestriction(claims map[string]interface{}, topic string) bool {
	if claims == nil {
		return true
	}
	raw, ok := claims[PermittedTopicsClaim]
	if !ok {
		return true
	}

	for _, permitted := range toStringSlice(raw) {
		if permitted == topic {
			return true
		}
	}
	return false
}

// toStringSlice handles the two shapes the claim arrives in: []string when
// set programmatically and []interface{} when decoded from a JWT.
func toStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
