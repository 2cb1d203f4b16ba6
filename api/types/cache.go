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

package types

import (
	"context"
	"reflect"
)

// Cache defines the interface for cache storage.
// Provides key-value based storage and retrieval functionality with expiration support.
// Implementations must ensure thread safety.
type Cache interface {
	// Set stores a key-value pair in cache with optional expiration.
	// ttl is a duration string (e.g. "10m", "1h"); if ttl is the empty string
	// the item never expires. Returns an error if the ttl format is invalid.
	Set(key string, value interface{}, ttl string) error
	// Get retrieves a value by key. Returns nil if the key does not exist or expired.
	Get(key string) interface{}
	// Has checks whether a key exists and has not expired.
	Has(key string) bool
	// Delete removes a cache item by key. Deleting a missing key is not an error.
	Delete(key string) error
	// DeleteByPrefix removes all cache items whose keys match the given prefix.
	DeleteByPrefix(prefix string) error
	// GetByPrefix retrieves all values whose keys match the given prefix.
	GetByPrefix(prefix string) map[string]interface{}
}

// CacheManager resolves named caches for the cache interceptor. Implementations
// decide whether unknown names are created on demand or are an error.
type CacheManager interface {
	// GetCache returns the cache with the given name, or nil if the manager does
	// not know it and does not create caches on demand.
	GetCache(name string) Cache
	// CacheNames returns the names of the caches known to this manager.
	CacheNames() []string
}

// KeyGenerator computes the cache key for an invocation when the cache operation
// does not declare an explicit key expression.
type KeyGenerator interface {
	// GenerateKey must return a non-empty key; an empty key is treated as a
	// configuration error by the cache interceptor.
	GenerateKey(ctx context.Context, method reflect.Method, args []interface{}, target interface{}) (string, error)
}
