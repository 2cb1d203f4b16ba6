/*
 * Copyright 2024 The Weavego Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cache provides the in-memory types.Cache implementation and a named
// cache manager with scheduled flushing, used by the cache interceptor.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/weavego/weavego/api/types"
)

// DefaultCache is the process-wide cache used when no explicit cache manager is configured.
var DefaultCache = NewMemoryCache(time.Minute * 5)

// MemoryCache is an in-memory types.Cache implementation storing key-value
// pairs with optional expiration.
type MemoryCache struct {
	items      map[string]item
	mu         sync.RWMutex
	stopGc     chan struct{}
	ticker     *time.Ticker
	gcInterval time.Duration
}

// item holds a cached value and its expiration as a Unix nano timestamp.
// Zero expiration means the item never expires.
type item struct {
	value      interface{}
	expiration int64
}

// NewMemoryCache creates a MemoryCache. Garbage collection of expired entries
// starts lazily once the first expirable item is stored.
func NewMemoryCache(gcInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		items:      make(map[string]item),
		stopGc:     make(chan struct{}),
		gcInterval: time.Minute * 5,
	}
	if gcInterval > 0 {
		c.gcInterval = gcInterval
	}
	return c
}

var _ types.Cache = (*MemoryCache)(nil)

// Set stores a value. ttl is a duration string (e.g. "10m"); empty means no expiration.
func (c *MemoryCache) Set(key string, value interface{}, ttl string) error {
	var expiration int64
	var dur time.Duration
	var err error

	if ttl != "" {
		dur, err = time.ParseDuration(ttl)
		if err != nil {
			return err
		}
	}
	if dur > 0 {
		expiration = time.Now().Add(dur).UnixNano()
	}

	c.mu.Lock()
	c.items[key] = item{value: value, expiration: expiration}
	// start GC outside the lock once the first expirable item appears
	shouldStartGC := expiration > 0 && c.ticker == nil
	c.mu.Unlock()

	if shouldStartGC {
		c.StartGC()
	}
	return nil
}

// Get returns the value for key, or nil if absent or expired.
func (c *MemoryCache) Get(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, found := c.items[key]
	if !found {
		return nil
	}
	if it.expiration > 0 && time.Now().UnixNano() > it.expiration {
		return nil
	}
	return it.value
}

// Has reports whether key exists and has not expired.
func (c *MemoryCache) Has(key string) bool {
	return c.Get(key) != nil
}

// Delete removes key.
func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// DeleteByPrefix removes all items whose keys start with prefix.
func (c *MemoryCache) DeleteByPrefix(prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	return nil
}

// GetByPrefix returns all live items whose keys start with prefix.
func (c *MemoryCache) GetByPrefix(prefix string) map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]interface{})
	now := time.Now().UnixNano()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			if it.expiration > 0 && now > it.expiration {
				continue
			}
			result[k] = it.value
		}
	}
	return result
}

// StartGC starts periodic collection of expired items.
func (c *MemoryCache) StartGC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker != nil {
		return
	}
	c.ticker = time.NewTicker(c.gcInterval)
	go func() {
		for {
			select {
			case <-c.ticker.C:
				c.gcExpired()
			case <-c.stopGc:
				return
			}
		}
	}()
}

// StopGC stops the collection goroutine.
func (c *MemoryCache) StopGC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker != nil {
		c.ticker.Stop()
		close(c.stopGc)
		c.ticker = nil
		c.stopGc = make(chan struct{})
	}
}

func (c *MemoryCache) gcExpired() {
	now := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if it.expiration > 0 && now > it.expiration {
			delete(c.items, k)
		}
	}
}
