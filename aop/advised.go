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

package aop

import (
	"reflect"
	"sync"

	"github.com/weavego/weavego/api/types"
)

// AdvisedSupport holds the full configuration of one proxy: target source,
// advisor list, behavior flags and the per-method interceptor chain cache.
// The chain cache is invalidated whenever the advisor list changes.
//
// AdvisedSupport 保存一个代理的完整配置：目标来源、Advisor 列表、行为开关以及
// 按方法缓存的拦截器链。Advisor 列表变化时链缓存会被清空。
type AdvisedSupport struct {
	mu sync.RWMutex

	targetSource types.TargetSource
	advisors     []types.Advisor

	// ProxyTargetType forces dispatch on the concrete target type instead of
	// the target's interfaces.
	proxyTargetType bool
	// ExposeProxy publishes the proxy into the invocation context.
	exposeProxy bool
	// Frozen rejects any further advisor mutation.
	frozen bool
	// Optimize allows empty-chain invocations to bypass invocation construction.
	optimize bool
	// PreFiltered means advisors were already matched against the target type,
	// so chain resolution skips the type filter.
	preFiltered bool

	adapterRegistry *AdapterRegistry

	chainCache map[chainCacheKey][]interface{}
}

type chainCacheKey struct {
	methodName string
	targetType reflect.Type
}

// interceptorAndDynamicMethodMatcher pairs an interceptor with the runtime
// matcher that must approve each invocation before the interceptor runs.
type interceptorAndDynamicMethodMatcher struct {
	interceptor types.MethodInterceptor
	matcher     types.MethodMatcher
}

// NewAdvisedSupport creates an empty configuration for the given target source.
// A nil target source defaults to the empty source.
func NewAdvisedSupport(targetSource types.TargetSource) *AdvisedSupport {
	if targetSource == nil {
		targetSource = TargetSourceEmpty
	}
	return &AdvisedSupport{
		targetSource:    targetSource,
		adapterRegistry: GlobalAdapterRegistry,
		chainCache:      make(map[chainCacheKey][]interface{}),
	}
}

// SetTarget is shorthand for installing a SingletonTargetSource over the object.
func (a *AdvisedSupport) SetTarget(target interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targetSource = NewSingletonTargetSource(target)
	a.chainCache = make(map[chainCacheKey][]interface{})
}

// SetTargetSource replaces the target source.
func (a *AdvisedSupport) SetTargetSource(targetSource types.TargetSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if targetSource == nil {
		targetSource = TargetSourceEmpty
	}
	a.targetSource = targetSource
	a.chainCache = make(map[chainCacheKey][]interface{})
}

// TargetSource implements types.Advised.
func (a *AdvisedSupport) TargetSource() types.TargetSource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.targetSource
}

// SetAdapterRegistry replaces the advisor adapter registry. A nil registry
// restores the global one.
func (a *AdvisedSupport) SetAdapterRegistry(registry *AdapterRegistry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if registry == nil {
		registry = GlobalAdapterRegistry
	}
	a.adapterRegistry = registry
}

// IsFrozen implements types.Advised.
func (a *AdvisedSupport) IsFrozen() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frozen
}

// SetFrozen freezes or unfreezes the configuration.
func (a *AdvisedSupport) SetFrozen(frozen bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = frozen
}

// IsExposeProxy implements types.Advised.
func (a *AdvisedSupport) IsExposeProxy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exposeProxy
}

// SetExposeProxy controls whether the proxy publishes itself into the
// invocation context.
func (a *AdvisedSupport) SetExposeProxy(exposeProxy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exposeProxy = exposeProxy
}

// IsProxyTargetType implements types.Advised.
func (a *AdvisedSupport) IsProxyTargetType() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.proxyTargetType
}

// SetProxyTargetType controls concrete-type vs interface dispatch.
func (a *AdvisedSupport) SetProxyTargetType(proxyTargetType bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proxyTargetType = proxyTargetType
}

// IsOptimize reports whether empty-chain fast paths are enabled.
func (a *AdvisedSupport) IsOptimize() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.optimize
}

// SetOptimize enables empty-chain fast paths.
func (a *AdvisedSupport) SetOptimize(optimize bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.optimize = optimize
}

// IsPreFiltered implements types.Advised.
func (a *AdvisedSupport) IsPreFiltered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.preFiltered
}

// SetPreFiltered marks the advisor list as already type-matched.
func (a *AdvisedSupport) SetPreFiltered(preFiltered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preFiltered = preFiltered
}

// Advisors implements types.Advised. Returns a copy.
func (a *AdvisedSupport) Advisors() []types.Advisor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	advisors := make([]types.Advisor, len(a.advisors))
	copy(advisors, a.advisors)
	return advisors
}

// AdvisorCount returns the current number of advisors.
func (a *AdvisedSupport) AdvisorCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.advisors)
}

// AddAdvisor implements types.Advised.
func (a *AdvisedSupport) AddAdvisor(advisor types.Advisor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return types.NewConfigurationError("cannot add advisor: configuration is frozen")
	}
	a.advisors = append(a.advisors, advisor)
	a.chainCache = make(map[chainCacheKey][]interface{})
	return nil
}

// AddAdvisors appends multiple advisors in order.
func (a *AdvisedSupport) AddAdvisors(advisors ...types.Advisor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return types.NewConfigurationError("cannot add advisors: configuration is frozen")
	}
	a.advisors = append(a.advisors, advisors...)
	a.chainCache = make(map[chainCacheKey][]interface{})
	return nil
}

// AddAdvice wraps the advice into a match-everything advisor and appends it.
func (a *AdvisedSupport) AddAdvice(advice types.Advice) error {
	advisor, err := a.adapterRegistry.Wrap(advice)
	if err != nil {
		return err
	}
	return a.AddAdvisor(advisor)
}

// RemoveAdvisor implements types.Advised.
func (a *AdvisedSupport) RemoveAdvisor(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return types.NewConfigurationError("cannot remove advisor: configuration is frozen")
	}
	if index < 0 || index >= len(a.advisors) {
		return types.NewConfigurationError("advisor index %d out of bounds [0, %d)", index, len(a.advisors))
	}
	a.advisors = append(a.advisors[:index], a.advisors[index+1:]...)
	a.chainCache = make(map[chainCacheKey][]interface{})
	return nil
}

// InterceptorChain resolves the interceptor chain for one method of the target
// type. Entries are either types.MethodInterceptor (static match, runs
// unconditionally) or interceptorAndDynamicMethodMatcher (runtime matcher must
// approve the actual arguments first). The resolved chain is cached per
// (method, target type).
//
// InterceptorChain 解析目标类型某个方法的拦截器链。链条目要么是静态匹配的
// MethodInterceptor，要么是需要运行时参数匹配的 interceptorAndDynamicMethodMatcher。
// 解析结果按（方法，目标类型）缓存。
func (a *AdvisedSupport) InterceptorChain(method reflect.Method, targetType reflect.Type) ([]interface{}, error) {
	key := chainCacheKey{methodName: method.Name, targetType: targetType}
	a.mu.RLock()
	if chain, ok := a.chainCache[key]; ok {
		a.mu.RUnlock()
		return chain, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if chain, ok := a.chainCache[key]; ok {
		return chain, nil
	}
	chain, err := a.buildChain(method, targetType)
	if err != nil {
		return nil, err
	}
	a.chainCache[key] = chain
	return chain, nil
}

// buildChain walks the advisor list in order. Caller holds the write lock.
func (a *AdvisedSupport) buildChain(method reflect.Method, targetType reflect.Type) ([]interface{}, error) {
	hasIntroductions := hasMatchingIntroductions(a.advisors, targetType)
	chain := make([]interface{}, 0, len(a.advisors))
	for _, advisor := range a.advisors {
		switch adv := advisor.(type) {
		case types.PointcutAdvisor:
			pointcut := adv.Pointcut()
			if pointcut == nil {
				pointcut = PointcutTrue
			}
			if !a.preFiltered && !pointcut.TypeFilter().Matches(targetType) {
				continue
			}
			matcher := pointcut.MethodMatcher()
			var staticMatch bool
			if iamm, ok := matcher.(types.IntroductionAwareMethodMatcher); ok {
				staticMatch = iamm.MatchesWithIntroductions(method, targetType, hasIntroductions)
			} else {
				staticMatch = matcher.Matches(method, targetType)
			}
			if !staticMatch {
				continue
			}
			interceptors, err := a.adapterRegistry.GetInterceptors(advisor)
			if err != nil {
				return nil, err
			}
			if matcher.IsRuntime() {
				for _, interceptor := range interceptors {
					chain = append(chain, interceptorAndDynamicMethodMatcher{interceptor: interceptor, matcher: matcher})
				}
			} else {
				for _, interceptor := range interceptors {
					chain = append(chain, interceptor)
				}
			}
		case types.IntroductionAdvisor:
			if a.preFiltered || adv.TypeFilter().Matches(targetType) {
				interceptors, err := a.adapterRegistry.GetInterceptors(advisor)
				if err != nil {
					return nil, err
				}
				for _, interceptor := range interceptors {
					chain = append(chain, interceptor)
				}
			}
		default:
			interceptors, err := a.adapterRegistry.GetInterceptors(advisor)
			if err != nil {
				return nil, err
			}
			for _, interceptor := range interceptors {
				chain = append(chain, interceptor)
			}
		}
	}
	return chain, nil
}

func hasMatchingIntroductions(advisors []types.Advisor, targetType reflect.Type) bool {
	for _, advisor := range advisors {
		if ia, ok := advisor.(types.IntroductionAdvisor); ok {
			if ia.TypeFilter().Matches(targetType) {
				return true
			}
		}
	}
	return false
}
