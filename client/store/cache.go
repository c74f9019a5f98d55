// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// DataCache mirrors the data documents the client has written to the
// store, keyed by destination path. It backs the data export endpoint and
// lets a restarted store be re-seeded without refetching every source.
type DataCache struct {
	mu   sync.RWMutex
	root map[string]interface{}
}

func NewDataCache() *DataCache {
	return &DataCache{root: make(map[string]interface{})}
}

// Set places the document at path, creating intermediate objects. The root
// path replaces the whole tree and requires an object document.
func (c *DataCache) Set(path string, doc json.RawMessage) error {
	var value interface{}
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("invalid document for %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	segments := splitDataPath(path)
	if len(segments) == 0 {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("root document must be an object")
		}
		c.root = obj
		return nil
	}

	node := c.root
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
	return nil
}

// Delete removes the document at path. Deleting a missing path is a no-op.
func (c *DataCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	segments := splitDataPath(path)
	if len(segments) == 0 {
		c.root = make(map[string]interface{})
		return
	}

	node := c.root
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]interface{})
		if !ok {
			return
		}
		node = child
	}
	delete(node, segments[len(segments)-1])
}

// Get reads the document at path, reporting whether it exists.
func (c *DataCache) Get(path string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var node interface{} = c.root
	for _, seg := range splitDataPath(path) {
		obj, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if node, ok = obj[seg]; !ok {
			return nil, false
		}
	}

	raw, err := json.Marshal(node)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Export snapshots the whole mirrored tree.
func (c *DataCache) Export() (json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.root)
}

func splitDataPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
