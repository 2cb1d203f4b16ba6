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

package advice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/test/assert"
	"github.com/weavego/weavego/utils/cache"
)

type userService struct {
	loads   int
	saves   int
	failErr error
}

func (s *userService) GetUser(id string) (string, error) {
	s.loads++
	if s.failErr != nil {
		return "", s.failErr
	}
	return "user-" + id, nil
}

func (s *userService) SaveUser(id string, name string) (string, error) {
	s.saves++
	return name, nil
}

func (s *userService) DeleteUser(id string) error {
	return nil
}

func newCachedProxy(t *testing.T, service *userService, operations map[string][]CacheOperation) *aop.Proxy {
	t.Helper()
	manager := cache.NewMemoryCacheManager(time.Minute)
	interceptor := NewCacheInterceptor(types.NewConfig(), manager, nil)
	interceptor.Config = CacheInterceptorConfiguration{Operations: operations}

	factory := aop.NewProxyFactory(service)
	if err := factory.AddAdvice(interceptor); err != nil {
		t.Fatal(err)
	}
	proxy, err := factory.GetProxy()
	if err != nil {
		t.Fatal(err)
	}
	return proxy
}

func TestCacheableRoundTripInvokesOnce(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}"}},
	})

	first, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.Nil(t, err)
	assert.Equal(t, "user-7", first)

	second, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.Nil(t, err)
	assert.Equal(t, "user-7", second)
	assert.Equal(t, 1, service.loads)

	// A different key misses.
	_, err = proxy.Call(context.Background(), "GetUser", "8")
	assert.Nil(t, err)
	assert.Equal(t, 2, service.loads)
}

func TestCacheableWithGeneratedKey(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users"}},
	})

	_, err := proxy.Call(context.Background(), "GetUser", "1")
	assert.Nil(t, err)
	_, err = proxy.Call(context.Background(), "GetUser", "1")
	assert.Nil(t, err)
	assert.Equal(t, 1, service.loads)
}

func TestCachePutAlwaysInvokes(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"SaveUser": {{Kind: OpCachePut, CacheName: "users", Key: "${args[0]}"}},
		"GetUser":  {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}"}},
	})

	_, err := proxy.Call(context.Background(), "SaveUser", "7", "alice")
	assert.Nil(t, err)
	_, err = proxy.Call(context.Background(), "SaveUser", "7", "bob")
	assert.Nil(t, err)
	assert.Equal(t, 2, service.saves)

	// The put refreshed the entry the cacheable read sees.
	value, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.Nil(t, err)
	assert.Equal(t, "bob", value)
	assert.Equal(t, 0, service.loads)
}

func TestCacheEvictRemovesEntry(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser":    {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}"}},
		"DeleteUser": {{Kind: OpCacheEvict, CacheName: "users", Key: "${args[0]}"}},
	})

	_, _ = proxy.Call(context.Background(), "GetUser", "7")
	_, err := proxy.Call(context.Background(), "DeleteUser", "7")
	assert.Nil(t, err)
	_, _ = proxy.Call(context.Background(), "GetUser", "7")
	assert.Equal(t, 2, service.loads)
}

func TestCacheableConditionSkipsCache(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}", Condition: `args[0] != "skip"`}},
	})

	_, _ = proxy.Call(context.Background(), "GetUser", "skip")
	_, _ = proxy.Call(context.Background(), "GetUser", "skip")
	assert.Equal(t, 2, service.loads)
}

func TestCacheableUnlessVetoesPut(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}", Unless: `result == "user-secret"`}},
	})

	_, _ = proxy.Call(context.Background(), "GetUser", "secret")
	_, _ = proxy.Call(context.Background(), "GetUser", "secret")
	assert.Equal(t, 2, service.loads)
}

func TestSyncCombinedWithOtherOperationsFailsFast(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {
			{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}", Sync: true},
			{Kind: OpCacheEvict, CacheName: "other", Key: "${args[0]}"},
		},
	})

	_, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.True(t, types.IsConfigurationError(err))
	assert.Equal(t, 0, service.loads)
}

func TestSyncFastPath(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}", Sync: true}},
	})

	_, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.Nil(t, err)
	_, err = proxy.Call(context.Background(), "GetUser", "7")
	assert.Nil(t, err)
	assert.Equal(t, 1, service.loads)
}

func TestSyncLoaderErrorUnwraps(t *testing.T) {
	boom := errors.New("db down")
	service := &userService{failErr: boom}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}", Sync: true}},
	})

	_, err := proxy.Call(context.Background(), "GetUser", "7")
	// The retrieval wrapper never reaches the caller.
	assert.Equal(t, boom, err)
}

func TestNilKeyIsConfigurationError(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users", Key: "${nothing}"}},
	})

	_, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.True(t, types.IsConfigurationError(err))
}

func TestUnknownOperationKindFailsFast(t *testing.T) {
	service := &userService{}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: "CacheMaybe", CacheName: "users"}},
	})

	_, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.True(t, types.IsConfigurationError(err))
}

func TestInvocationErrorSkipsPuts(t *testing.T) {
	boom := errors.New("boom")
	service := &userService{failErr: boom}
	proxy := newCachedProxy(t, service, map[string][]CacheOperation{
		"GetUser": {{Kind: OpCacheable, CacheName: "users", Key: "${args[0]}"}},
	})

	_, err := proxy.Call(context.Background(), "GetUser", "7")
	assert.Equal(t, boom, err)

	service.failErr = nil
	_, err = proxy.Call(context.Background(), "GetUser", "7")
	assert.Nil(t, err)
	// The failed call cached nothing.
	assert.Equal(t, 2, service.loads)
}
