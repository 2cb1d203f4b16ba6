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

// Package advice provides the built-in advice implementations: caching,
// transaction demarcation, async dispatch, script hooks and debug tracing.
// Each advice is a bean configured through a Configuration map and wired into
// proxies via advisors.
//
// advice 包提供内置的增强实现：缓存、事务、异步调度、脚本钩子和调试跟踪。
package advice

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/utils/el"
	"github.com/weavego/weavego/utils/maps"
	"github.com/weavego/weavego/utils/str"
)

// Cache operation kinds.
const (
	OpCacheable  = "Cacheable"
	OpCachePut   = "CachePut"
	OpCacheEvict = "CacheEvict"
)

// CacheOperation declares one cache behavior on a method.
// CacheOperation 声明方法上的一个缓存行为。
type CacheOperation struct {
	// Kind is Cacheable, CachePut or CacheEvict.
	Kind string
	// CacheName names the cache in the cache manager.
	CacheName string
	// Key 缓存键表达式，支持 ${expr} 变量，例如 user:${args[0]}。
	// 为空时使用配置的 KeyGenerator。
	Key string
	// Condition gates the operation; empty means always.
	Condition string
	// Unless vetoes a put after the value is known; empty means never veto.
	Unless string
	// TTL is a duration string for stored entries, empty means no expiration.
	TTL string
	// Sync requests the synchronized get-or-compute fast path (Cacheable only).
	Sync bool
	// AllEntries evicts the whole cache instead of one key (CacheEvict only).
	AllEntries bool
	// BeforeInvocation runs the eviction before the method instead of after.
	BeforeInvocation bool
}

// CacheInterceptorConfiguration maps method names to their cache operations.
type CacheInterceptorConfiguration struct {
	Operations map[string][]CacheOperation
}

// CacheInterceptor executes cache operations around advised method calls.
//
// Per invocation it runs either the sync fast path (exactly one Cacheable
// operation with Sync set; combining Sync with any other operation on the
// same method is a configuration error) or the normal path:
//
//  1. run before-invocation evictions whose condition passes
//  2. look for a cached hit among Cacheable operations, declaration order,
//     first match wins
//  3. on a miss, pre-collect put requests for Cacheable operations whose
//     condition passes
//  4. skip the method when a hit exists and no CachePut is declared,
//     otherwise invoke it
//  5. collect put requests for CachePut operations against the final value
//  6. apply all collected puts, re-checking each Unless predicate
//  7. run after-invocation evictions
//
// 缓存拦截器。每次调用要么走同步快路径，要么按上述 1-7 步执行。
type CacheInterceptor struct {
	Config CacheInterceptorConfiguration

	config       types.Config
	manager      types.CacheManager
	keyGenerator types.KeyGenerator

	metadataMu sync.Mutex
	metadata   sync.Map
}

var _ types.MethodInterceptor = (*CacheInterceptor)(nil)

// NewCacheInterceptor creates an interceptor over the cache manager. A nil
// keyGenerator falls back to DefaultKeyGenerator.
func NewCacheInterceptor(config types.Config, manager types.CacheManager, keyGenerator types.KeyGenerator) *CacheInterceptor {
	if keyGenerator == nil {
		keyGenerator = DefaultKeyGenerator
	}
	return &CacheInterceptor{config: config, manager: manager, keyGenerator: keyGenerator}
}

// Init implements types.Initializable.
func (i *CacheInterceptor) Init(config types.Config, configuration types.Configuration) error {
	i.config = config
	if i.keyGenerator == nil {
		i.keyGenerator = DefaultKeyGenerator
	}
	return maps.Map2Struct(configuration, &i.Config)
}

// SetCacheManager wires the cache manager collaborator.
func (i *CacheInterceptor) SetCacheManager(manager types.CacheManager) {
	i.manager = manager
}

type cacheMetadataKey struct {
	method     string
	targetType reflect.Type
}

// cacheMetadata is the compiled form of a method's operations. Built once per
// (method, target type) and reused on every invocation.
type cacheMetadata struct {
	operations []*compiledCacheOperation
	// syncOperation is set iff the sync fast path applies.
	syncOperation *compiledCacheOperation
}

type compiledCacheOperation struct {
	op        CacheOperation
	key       el.Template
	condition *el.BoolTemplate
	unless    *el.BoolTemplate
}

// Invoke implements types.MethodInterceptor.
func (i *CacheInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	method := invocation.Method()
	operations := i.Config.Operations[method.Name]
	if len(operations) == 0 {
		return invocation.Proceed()
	}
	targetType := reflect.TypeOf(invocation.Target())
	metadata, err := i.metadataFor(method.Name, targetType, operations)
	if err != nil {
		return nil, err
	}
	if metadata.syncOperation != nil {
		return i.invokeSync(invocation, metadata.syncOperation)
	}
	return i.invokeNormal(invocation, metadata)
}

// metadataFor returns the compiled metadata, populating the cache with a
// synchronized double-check. Population failures are not retried silently;
// they surface on every call until the configuration is fixed.
func (i *CacheInterceptor) metadataFor(methodName string, targetType reflect.Type, operations []CacheOperation) (*cacheMetadata, error) {
	key := cacheMetadataKey{method: methodName, targetType: targetType}
	if cached, ok := i.metadata.Load(key); ok {
		return cached.(*cacheMetadata), nil
	}
	i.metadataMu.Lock()
	defer i.metadataMu.Unlock()
	if cached, ok := i.metadata.Load(key); ok {
		return cached.(*cacheMetadata), nil
	}
	metadata, err := compileCacheMetadata(methodName, operations)
	if err != nil {
		return nil, err
	}
	i.metadata.Store(key, metadata)
	return metadata, nil
}

func compileCacheMetadata(methodName string, operations []CacheOperation) (*cacheMetadata, error) {
	metadata := &cacheMetadata{}
	for index, op := range operations {
		switch op.Kind {
		case OpCacheable, OpCachePut, OpCacheEvict:
		default:
			return nil, types.NewConfigurationError("method %s: unknown cache operation kind %q", methodName, op.Kind)
		}
		if op.CacheName == "" {
			return nil, types.NewConfigurationError("method %s: cache operation %d has no cache name", methodName, index)
		}
		if op.Sync && op.Kind != OpCacheable {
			return nil, types.NewConfigurationError("method %s: sync is only valid on %s operations", methodName, OpCacheable)
		}
		compiled := &compiledCacheOperation{op: op}
		var err error
		if op.Key != "" {
			if compiled.key, err = el.NewTemplate(op.Key); err != nil {
				return nil, types.NewConfigurationError("method %s: bad key expression %q: %v", methodName, op.Key, err)
			}
		}
		if compiled.condition, err = el.CompileBool(op.Condition, true); err != nil {
			return nil, types.NewConfigurationError("method %s: bad condition %q: %v", methodName, op.Condition, err)
		}
		if compiled.unless, err = el.CompileBool(op.Unless, false); err != nil {
			return nil, types.NewConfigurationError("method %s: bad unless %q: %v", methodName, op.Unless, err)
		}
		metadata.operations = append(metadata.operations, compiled)
	}
	for _, compiled := range metadata.operations {
		if compiled.op.Sync {
			// The sync fast path tolerates no other operation on the method.
			if len(metadata.operations) > 1 {
				return nil, types.NewConfigurationError(
					"method %s: a sync %s operation cannot be combined with other cache operations", methodName, OpCacheable)
			}
			metadata.syncOperation = compiled
		}
	}
	return metadata, nil
}

// invokeSync is the synchronized get-or-compute fast path.
func (i *CacheInterceptor) invokeSync(invocation types.MethodInvocation, compiled *compiledCacheOperation) (interface{}, error) {
	cache, err := i.cacheFor(compiled.op.CacheName)
	if err != nil {
		return nil, err
	}
	env := invocationEnv(invocation, nil, false)
	if pass, condErr := compiled.condition.ExecuteBool(env); condErr != nil {
		return nil, condErr
	} else if !pass {
		return invocation.Proceed()
	}
	key, err := i.computeKey(invocation, compiled, env)
	if err != nil {
		return nil, err
	}
	if cache.Has(key) {
		return cache.Get(key), nil
	}
	value, err := i.loadValue(invocation, cache, key, compiled)
	if err != nil {
		// Unwrap back to the loader's original error.
		var retrieval *types.ValueRetrievalError
		if errors.As(err, &retrieval) {
			return nil, retrieval.Cause
		}
		return nil, err
	}
	return value, nil
}

func (i *CacheInterceptor) loadValue(invocation types.MethodInvocation, cache types.Cache, key string, compiled *compiledCacheOperation) (interface{}, error) {
	value, err := invocation.Proceed()
	if err != nil {
		return nil, &types.ValueRetrievalError{Key: key, Cause: err}
	}
	env := invocationEnv(invocation, value, true)
	if veto, unlessErr := compiled.unless.ExecuteBool(env); unlessErr != nil {
		return nil, unlessErr
	} else if !veto {
		if err := cache.Set(key, value, compiled.op.TTL); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// putRequest is a deferred cache write collected in steps 3 and 5.
type putRequest struct {
	cache    types.Cache
	key      string
	compiled *compiledCacheOperation
}

func (i *CacheInterceptor) invokeNormal(invocation types.MethodInvocation, metadata *cacheMetadata) (interface{}, error) {
	env := invocationEnv(invocation, nil, false)

	// Step 1: before-invocation evictions.
	if err := i.processEvicts(invocation, metadata, env, true); err != nil {
		return nil, err
	}

	// Step 2: look for a cached hit, declaration order, first match wins.
	var hit bool
	var hitValue interface{}
	for _, compiled := range metadata.operations {
		if compiled.op.Kind != OpCacheable {
			continue
		}
		pass, err := compiled.condition.ExecuteBool(env)
		if err != nil {
			return nil, err
		}
		if !pass {
			continue
		}
		cache, err := i.cacheFor(compiled.op.CacheName)
		if err != nil {
			return nil, err
		}
		key, err := i.computeKey(invocation, compiled, env)
		if err != nil {
			return nil, err
		}
		if cache.Has(key) {
			hit = true
			hitValue = cache.Get(key)
			break
		}
	}

	// Step 3: on a miss, pre-collect puts for passing Cacheable operations.
	var puts []putRequest
	if !hit {
		for _, compiled := range metadata.operations {
			if compiled.op.Kind != OpCacheable {
				continue
			}
			pass, err := compiled.condition.ExecuteBool(env)
			if err != nil {
				return nil, err
			}
			if !pass {
				continue
			}
			request, err := i.newPutRequest(invocation, compiled, env)
			if err != nil {
				return nil, err
			}
			puts = append(puts, request)
		}
	}

	hasPut := false
	for _, compiled := range metadata.operations {
		if compiled.op.Kind == OpCachePut {
			hasPut = true
			break
		}
	}

	// Step 4: skip the method only on a hit with no explicit put declared.
	var result interface{}
	var err error
	if hit && !hasPut {
		result = hitValue
	} else {
		result, err = invocation.Proceed()
		if err != nil {
			return result, err
		}
	}

	resultEnv := invocationEnv(invocation, result, true)

	// Step 5: collect explicit puts against the final value.
	for _, compiled := range metadata.operations {
		if compiled.op.Kind != OpCachePut {
			continue
		}
		pass, condErr := compiled.condition.ExecuteBool(resultEnv)
		if condErr != nil {
			return nil, condErr
		}
		if !pass {
			continue
		}
		request, reqErr := i.newPutRequest(invocation, compiled, resultEnv)
		if reqErr != nil {
			return nil, reqErr
		}
		puts = append(puts, request)
	}

	// Step 6: apply the collected puts, honoring each Unless predicate.
	for _, request := range puts {
		veto, unlessErr := request.compiled.unless.ExecuteBool(resultEnv)
		if unlessErr != nil {
			return nil, unlessErr
		}
		if veto {
			continue
		}
		if setErr := request.cache.Set(request.key, result, request.compiled.op.TTL); setErr != nil {
			return nil, setErr
		}
	}

	// Step 7: after-invocation evictions.
	if err := i.processEvicts(invocation, metadata, resultEnv, false); err != nil {
		return nil, err
	}
	return result, nil
}

func (i *CacheInterceptor) processEvicts(invocation types.MethodInvocation, metadata *cacheMetadata,
	env map[string]interface{}, beforeInvocation bool) error {
	for _, compiled := range metadata.operations {
		if compiled.op.Kind != OpCacheEvict || compiled.op.BeforeInvocation != beforeInvocation {
			continue
		}
		pass, err := compiled.condition.ExecuteBool(env)
		if err != nil {
			return err
		}
		if !pass {
			continue
		}
		cache, err := i.cacheFor(compiled.op.CacheName)
		if err != nil {
			return err
		}
		if compiled.op.AllEntries {
			if err := cache.DeleteByPrefix(""); err != nil {
				return err
			}
			continue
		}
		key, err := i.computeKey(invocation, compiled, env)
		if err != nil {
			return err
		}
		if err := cache.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (i *CacheInterceptor) newPutRequest(invocation types.MethodInvocation, compiled *compiledCacheOperation,
	env map[string]interface{}) (putRequest, error) {
	cache, err := i.cacheFor(compiled.op.CacheName)
	if err != nil {
		return putRequest{}, err
	}
	key, err := i.computeKey(invocation, compiled, env)
	if err != nil {
		return putRequest{}, err
	}
	return putRequest{cache: cache, key: key, compiled: compiled}, nil
}

func (i *CacheInterceptor) cacheFor(name string) (types.Cache, error) {
	if i.manager == nil {
		return nil, types.NewConfigurationError("cache interceptor has no cache manager")
	}
	cache := i.manager.GetCache(name)
	if cache == nil {
		return nil, types.NewConfigurationError("cache %q is not known to the cache manager", name)
	}
	return cache, nil
}

// computeKey evaluates the operation's key expression, else defers to the key
// generator. An empty key is a configuration error, surfaced immediately.
func (i *CacheInterceptor) computeKey(invocation types.MethodInvocation, compiled *compiledCacheOperation,
	env map[string]interface{}) (string, error) {
	if compiled.key != nil {
		value, err := compiled.key.Execute(env)
		if err != nil {
			return "", err
		}
		key := str.ToString(value)
		if key == "" || value == nil {
			return "", types.NewConfigurationError(
				"key expression %q for method %s produced no key", compiled.op.Key, invocation.Method().Name)
		}
		return key, nil
	}
	key, err := i.keyGenerator.GenerateKey(invocation.Context(), invocation.Method(), invocation.Args(), invocation.Target())
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", types.NewConfigurationError("key generator produced no key for method %s", invocation.Method().Name)
	}
	return key, nil
}

// invocationEnv builds the expression environment. result is only present
// after the value is known.
func invocationEnv(invocation types.MethodInvocation, result interface{}, hasResult bool) map[string]interface{} {
	env := map[string]interface{}{
		"method": invocation.Method().Name,
		"args":   invocation.Args(),
		"target": invocation.Target(),
	}
	if hasResult {
		env["result"] = result
	}
	return env
}

// simpleKeyGenerator joins the method name and stringified arguments.
type simpleKeyGenerator struct{}

// DefaultKeyGenerator is the fallback when no key expression or custom
// generator is configured.
var DefaultKeyGenerator types.KeyGenerator = simpleKeyGenerator{}

func (simpleKeyGenerator) GenerateKey(ctx context.Context, method reflect.Method, args []interface{}, target interface{}) (string, error) {
	key := method.Name
	for _, arg := range args {
		key += ":" + str.ToString(arg)
	}
	return key, nil
}
