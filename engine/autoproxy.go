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

package engine

import (
	"reflect"
	"strings"
	"sync"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
)

// TargetSourceCreator supplies a custom target source for selected beans,
// enabling pooled or lazily materialized targets. A non-nil result makes the
// auto-proxy creator build the proxy before normal instantiation even starts.
type TargetSourceCreator interface {
	GetTargetSource(beanName string, beanType reflect.Type) types.TargetSource
}

// AdvisorSource contributes candidate advisors to auto-proxying, beyond the
// advisor beans registered in the container. The aspect advisor builder is the
// canonical implementation.
type AdvisorSource interface {
	BuildAdvisors() ([]types.Advisor, error)
}

// beanCacheKey identifies one bean in the creator's eligibility caches: the
// bean name (factory-bean prefixed where applicable) or the type for unnamed
// beans.
type beanCacheKey struct {
	name string
	typ  reflect.Type
}

// AutoProxyCreator is the bean post-processor that replaces eligible beans with
// AOP proxies. Per bean it moves through a small state machine: not yet
// evaluated, ineligible, or eligible with a cached proxy type. Infrastructure
// beans (advice, pointcuts, advisors, the creator itself) are never wrapped.
// AutoProxyCreator 是将符合条件的 bean 替换为 AOP 代理的 bean 后置处理器。
type AutoProxyCreator struct {
	factory         types.BeanFactory
	adapterRegistry *aop.AdapterRegistry

	// AdvisorSources contribute synthesized advisors (aspects).
	AdvisorSources []AdvisorSource
	// TargetSourceCreators are consulted before instantiation.
	TargetSourceCreators []TargetSourceCreator
	// InterceptorNames are common interceptor bean names merged into every
	// proxy, before or after the bean-specific advisors.
	InterceptorNames             []string
	ApplyCommonInterceptorsFirst bool

	// ProxyTargetType, ExposeProxy, FreezeProxy and Optimize are copied onto
	// every proxy configuration this creator builds.
	ProxyTargetType bool
	ExposeProxy     bool
	FreezeProxy     bool
	Optimize        bool

	// OrderValue ranks this post-processor; the creator registers in the
	// priority phase so it wraps beans built by later processors too.
	OrderValue int

	mu sync.Mutex
	// targetSourced marks beans proxied ahead of instantiation via a custom
	// target source.
	targetSourced map[beanCacheKey]bool
	// advisedBeans caches the eligibility decision: true means proxied,
	// false means permanently ineligible.
	advisedBeans map[beanCacheKey]bool
	// earlyBeanReferences remembers the raw object wrapped during circular
	// dependency resolution, so AfterInitialization does not wrap twice.
	earlyBeanReferences map[beanCacheKey]interface{}
	// proxyTypes caches the proxy type per bean for type prediction.
	proxyTypes map[beanCacheKey]reflect.Type

	// cachedAdvisorNames caches the advisor bean names, recomputed only after
	// InvalidateAdvisorCache.
	cachedAdvisorNames []string
	advisorNamesValid  bool
}

var _ types.SmartInstantiationAwareBeanPostProcessor = (*AutoProxyCreator)(nil)
var _ types.PriorityOrdered = (*AutoProxyCreator)(nil)
var _ types.AopInfrastructureBean = (*AutoProxyCreator)(nil)

func NewAutoProxyCreator(factory types.BeanFactory) *AutoProxyCreator {
	return &AutoProxyCreator{
		factory:                      factory,
		adapterRegistry:              aop.GlobalAdapterRegistry,
		ApplyCommonInterceptorsFirst: true,
		targetSourced:                make(map[beanCacheKey]bool),
		advisedBeans:                 make(map[beanCacheKey]bool),
		earlyBeanReferences:          make(map[beanCacheKey]interface{}),
		proxyTypes:                   make(map[beanCacheKey]reflect.Type),
	}
}

func (c *AutoProxyCreator) Order() int { return c.OrderValue }

func (c *AutoProxyCreator) PriorityOrdered() {}

func (c *AutoProxyCreator) AopInfrastructure() {}

// SetAdapterRegistry replaces the advice adapter registry used for wrapping
// common interceptors and building chains.
func (c *AutoProxyCreator) SetAdapterRegistry(registry *aop.AdapterRegistry) {
	if registry != nil {
		c.adapterRegistry = registry
	}
}

// InvalidateAdvisorCache drops the cached advisor bean names, forcing a rescan
// on the next eligibility check. Call after registering advisor beans late.
func (c *AutoProxyCreator) InvalidateAdvisorCache() {
	c.mu.Lock()
	c.advisorNamesValid = false
	c.cachedAdvisorNames = nil
	c.mu.Unlock()
}

// BeforeInstantiation gives beans with a custom target source their proxy
// before normal instantiation, and records infrastructure beans as ineligible.
func (c *AutoProxyCreator) BeforeInstantiation(beanName string, beanType reflect.Type) (interface{}, error) {
	key := c.cacheKey(beanName, beanType)
	if beanName == "" || !c.isTargetSourced(key) {
		if eligible, seen := c.eligibility(key); seen && !eligible {
			return nil, nil
		}
		if isInfrastructureType(beanType) || c.shouldSkip(beanName, beanType) {
			c.setEligibility(key, false)
			return nil, nil
		}
	}
	if beanName == "" || beanType == nil {
		return nil, nil
	}
	targetSource := c.customTargetSource(beanName, beanType)
	if targetSource == nil {
		return nil, nil
	}
	c.mu.Lock()
	c.targetSourced[key] = true
	c.mu.Unlock()
	advisors, err := c.advisorsFor(beanType, beanName)
	if err != nil {
		return nil, err
	}
	proxy, err := c.createProxy(beanName, advisors, targetSource)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.proxyTypes[key] = reflect.TypeOf(proxy)
	c.mu.Unlock()
	return proxy, nil
}

func (c *AutoProxyCreator) AfterInstantiation(beanName string, bean interface{}) (bool, error) {
	return true, nil
}

func (c *AutoProxyCreator) BeforeInitialization(beanName string, bean interface{}) (interface{}, error) {
	return bean, nil
}

// GetEarlyBeanReference wraps the half-built bean if advisors apply, and
// remembers the raw identity so AfterInitialization returns the same proxy
// instead of wrapping a second time.
func (c *AutoProxyCreator) GetEarlyBeanReference(beanName string, bean interface{}) (interface{}, error) {
	key := c.cacheKey(beanName, reflect.TypeOf(bean))
	c.mu.Lock()
	c.earlyBeanReferences[key] = bean
	c.mu.Unlock()
	return c.wrapIfNecessary(bean, beanName, key)
}

// AfterInitialization evaluates proxy eligibility for the finished bean. Beans
// already wrapped through an early reference pass through unchanged.
func (c *AutoProxyCreator) AfterInitialization(beanName string, bean interface{}) (interface{}, error) {
	if bean == nil {
		return nil, nil
	}
	key := c.cacheKey(beanName, reflect.TypeOf(bean))
	c.mu.Lock()
	early, wrappedEarly := c.earlyBeanReferences[key]
	if wrappedEarly {
		delete(c.earlyBeanReferences, key)
	}
	c.mu.Unlock()
	if wrappedEarly && sameIdentity(early, bean) {
		return bean, nil
	}
	return c.wrapIfNecessary(bean, beanName, key)
}

func (c *AutoProxyCreator) PredictBeanType(beanName string, beanType reflect.Type) reflect.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.proxyTypes[c.cacheKeyLocked(beanName, beanType)]; ok {
		return t
	}
	return beanType
}

func (c *AutoProxyCreator) wrapIfNecessary(bean interface{}, beanName string, key beanCacheKey) (interface{}, error) {
	if beanName != "" && c.isTargetSourced(key) {
		return bean, nil
	}
	if eligible, seen := c.eligibility(key); seen && !eligible {
		return bean, nil
	}
	// An already advised object passes through: post-processing the same bean
	// twice must not stack a second proxy.
	if _, advised := bean.(types.Advised); advised {
		return bean, nil
	}
	beanType := reflect.TypeOf(bean)
	if isInfrastructureType(beanType) || c.shouldSkip(beanName, beanType) {
		c.setEligibility(key, false)
		return bean, nil
	}

	advisors, err := c.advisorsFor(beanType, beanName)
	if err != nil {
		return nil, err
	}
	if len(advisors) == 0 {
		c.setEligibility(key, false)
		return bean, nil
	}
	c.setEligibility(key, true)
	proxy, err := c.createProxy(beanName, advisors, aop.NewSingletonTargetSource(bean))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.proxyTypes[key] = reflect.TypeOf(proxy)
	c.mu.Unlock()
	return proxy, nil
}

// advisorsFor resolves the advisors applicable to the bean: candidates from
// advisor beans and advisor sources, filtered by type and method match, then
// sorted.
func (c *AutoProxyCreator) advisorsFor(beanType reflect.Type, beanName string) ([]types.Advisor, error) {
	candidates, err := c.findCandidateAdvisors()
	if err != nil {
		return nil, err
	}
	eligible := aop.FindAdvisorsThatCanApply(candidates, beanType)
	aop.SortAdvisors(eligible)
	return eligible, nil
}

func (c *AutoProxyCreator) findCandidateAdvisors() ([]types.Advisor, error) {
	var candidates []types.Advisor
	for _, name := range c.advisorBeanNames() {
		bean, err := c.factory.GetBean(name)
		if err != nil {
			return nil, err
		}
		advisor, ok := bean.(types.Advisor)
		if !ok {
			return nil, types.NewConfigurationError("bean %q does not implement Advisor", name)
		}
		candidates = append(candidates, advisor)
	}
	for _, source := range c.AdvisorSources {
		built, err := source.BuildAdvisors()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, built...)
	}
	return candidates, nil
}

var advisorType = types.InterfaceType((*types.Advisor)(nil))

func (c *AutoProxyCreator) advisorBeanNames() []string {
	c.mu.Lock()
	if c.advisorNamesValid {
		names := c.cachedAdvisorNames
		c.mu.Unlock()
		return names
	}
	c.mu.Unlock()

	names := c.factory.GetBeanNamesForType(advisorType)

	c.mu.Lock()
	c.cachedAdvisorNames = names
	c.advisorNamesValid = true
	c.mu.Unlock()
	return names
}

// createProxy assembles the proxy configuration: common interceptors merged
// with the bean-specific advisors, creator flags copied over, advisors marked
// pre-filtered since applicability was already decided per type.
func (c *AutoProxyCreator) createProxy(beanName string, advisors []types.Advisor, targetSource types.TargetSource) (*aop.Proxy, error) {
	merged, err := c.buildAdvisors(advisors)
	if err != nil {
		return nil, err
	}
	factory := aop.NewProxyFactoryForSource(targetSource)
	factory.SetAdapterRegistry(c.adapterRegistry)
	factory.SetProxyTargetType(c.ProxyTargetType)
	factory.SetExposeProxy(c.ExposeProxy)
	factory.SetOptimize(c.Optimize)
	factory.SetPreFiltered(true)
	if err := factory.AddAdvisors(merged...); err != nil {
		return nil, err
	}
	if c.FreezeProxy {
		factory.SetFrozen(true)
	}
	return factory.GetNamedProxy(beanName)
}

func (c *AutoProxyCreator) buildAdvisors(specific []types.Advisor) ([]types.Advisor, error) {
	var common []types.Advisor
	for _, name := range c.InterceptorNames {
		bean, err := c.factory.GetBean(name)
		if err != nil {
			return nil, err
		}
		advisor, err := c.adapterRegistry.Wrap(bean)
		if err != nil {
			return nil, types.NewConfigurationError("common interceptor %q: %v", name, err)
		}
		common = append(common, advisor)
	}
	if len(common) == 0 {
		return specific, nil
	}
	merged := make([]types.Advisor, 0, len(common)+len(specific))
	if c.ApplyCommonInterceptorsFirst {
		merged = append(merged, common...)
		merged = append(merged, specific...)
	} else {
		merged = append(merged, specific...)
		merged = append(merged, common...)
	}
	return merged, nil
}

func (c *AutoProxyCreator) customTargetSource(beanName string, beanType reflect.Type) types.TargetSource {
	for _, creator := range c.TargetSourceCreators {
		if ts := creator.GetTargetSource(beanName, beanType); ts != nil {
			return ts
		}
	}
	return nil
}

// shouldSkip rejects beans that are themselves the origin of advisors: aspect
// definitions and advisor beans must not be advised by their own advice.
func (c *AutoProxyCreator) shouldSkip(beanName string, beanType reflect.Type) bool {
	if beanName == "" {
		return false
	}
	registry, ok := c.factory.(types.BeanDefinitionRegistry)
	if !ok {
		return false
	}
	def, ok := registry.GetBeanDefinition(strings.TrimPrefix(beanName, types.FactoryBeanPrefix))
	return ok && def.Aspect
}

func (c *AutoProxyCreator) cacheKey(beanName string, beanType reflect.Type) beanCacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheKeyLocked(beanName, beanType)
}

func (c *AutoProxyCreator) cacheKeyLocked(beanName string, beanType reflect.Type) beanCacheKey {
	if beanName != "" {
		if beanType != nil && beanType.Implements(factoryBeanType) && !strings.HasPrefix(beanName, types.FactoryBeanPrefix) {
			return beanCacheKey{name: types.FactoryBeanPrefix + beanName}
		}
		return beanCacheKey{name: beanName}
	}
	return beanCacheKey{typ: beanType}
}

func (c *AutoProxyCreator) isTargetSourced(key beanCacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetSourced[key]
}

func (c *AutoProxyCreator) eligibility(key beanCacheKey) (eligible, seen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eligible, seen = c.advisedBeans[key]
	return
}

func (c *AutoProxyCreator) setEligibility(key beanCacheKey, eligible bool) {
	c.mu.Lock()
	c.advisedBeans[key] = eligible
	c.mu.Unlock()
}

var infrastructureTypes = []reflect.Type{
	types.InterfaceType((*types.AopInfrastructureBean)(nil)),
	types.InterfaceType((*types.Advisor)(nil)),
	types.InterfaceType((*types.Pointcut)(nil)),
	types.InterfaceType((*types.MethodInterceptor)(nil)),
	types.InterfaceType((*types.BeforeAdvice)(nil)),
	types.InterfaceType((*types.AfterReturningAdvice)(nil)),
	types.InterfaceType((*types.ThrowsAdvice)(nil)),
}

// isInfrastructureType reports whether t is part of the AOP machinery itself:
// advice, pointcuts, advisors and infrastructure-marked beans are never proxied.
func isInfrastructureType(t reflect.Type) bool {
	if t == nil {
		return false
	}
	for _, infra := range infrastructureTypes {
		if t.Implements(infra) {
			return true
		}
	}
	return false
}
