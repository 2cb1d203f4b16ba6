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

package cache

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weavego/weavego/api/types"
)

// MemoryCacheManager resolves named MemoryCache instances, creating missing
// caches on demand. Optional flush specs clear a cache on a cron schedule.
type MemoryCacheManager struct {
	caches     map[string]types.Cache
	mu         sync.RWMutex
	gcInterval time.Duration
	cron       *cron.Cron
	entries    map[string]cron.EntryID
}

var _ types.CacheManager = (*MemoryCacheManager)(nil)

// NewMemoryCacheManager creates a manager whose caches collect expired items
// at the given interval.
func NewMemoryCacheManager(gcInterval time.Duration) *MemoryCacheManager {
	return &MemoryCacheManager{
		caches:     make(map[string]types.Cache),
		gcInterval: gcInterval,
		entries:    make(map[string]cron.EntryID),
	}
}

// GetCache returns the cache with the given name, creating it when missing.
func (m *MemoryCacheManager) GetCache(name string) types.Cache {
	m.mu.RLock()
	c, ok := m.caches[name]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.caches[name]; ok {
		return c
	}
	c = NewMemoryCache(m.gcInterval)
	m.caches[name] = c
	return c
}

// AddCache registers an externally built cache under name, replacing any
// previous cache with that name.
func (m *MemoryCacheManager) AddCache(name string, cache types.Cache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches[name] = cache
}

// CacheNames returns the known cache names.
func (m *MemoryCacheManager) CacheNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	return names
}

// ScheduleFlush clears the named cache on the given cron spec (e.g. "0 3 * * *"
// or "@every 30m"). Replaces any previous flush spec for that cache.
func (m *MemoryCacheManager) ScheduleFlush(name string, spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron == nil {
		m.cron = cron.New()
		m.cron.Start()
	}
	if id, ok := m.entries[name]; ok {
		m.cron.Remove(id)
		delete(m.entries, name)
	}
	cacheName := name
	id, err := m.cron.AddFunc(spec, func() {
		if c := m.GetCache(cacheName); c != nil {
			_ = c.DeleteByPrefix("")
		}
	})
	if err != nil {
		return err
	}
	m.entries[name] = id
	return nil
}

// Stop halts scheduled flushes and the GC of all managed caches.
func (m *MemoryCacheManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
		m.entries = make(map[string]cron.EntryID)
	}
	for _, c := range m.caches {
		if mc, ok := c.(*MemoryCache); ok {
			mc.StopGC()
		}
	}
}
