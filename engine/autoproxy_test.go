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
	"context"
	"reflect"
	"testing"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/test/assert"
)

type billingService struct {
	charges int
}

func (s *billingService) Charge(amount int) int {
	s.charges++
	return amount * 2
}

type auditInterceptor struct {
	calls []string
}

func (i *auditInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	i.calls = append(i.calls, invocation.Method().Name)
	return invocation.Proceed()
}

func billingDefinition(name string) *types.BeanDefinition {
	return &types.BeanDefinition{
		Name: name,
		Type: reflect.TypeOf((*billingService)(nil)),
		Factory: func(factory types.BeanFactory) (interface{}, error) {
			return &billingService{}, nil
		},
	}
}

// newAutoProxyRegistry wires a registry with an auto-proxy creator carrying
// the given advisors.
func newAutoProxyRegistry(t *testing.T, advisors ...types.Advisor) (*Registry, *AutoProxyCreator) {
	t.Helper()
	registry := NewRegistry(types.NewConfig())
	creator := NewAutoProxyCreator(registry)
	creator.AdvisorSources = append(creator.AdvisorSources, staticAdvisorSource(advisors))
	registry.AddBeanPostProcessor(creator)
	return registry, creator
}

type staticAdvisorSource []types.Advisor

func (s staticAdvisorSource) BuildAdvisors() ([]types.Advisor, error) {
	return s, nil
}

func TestAutoProxyWrapsMatchingBean(t *testing.T) {
	audit := &auditInterceptor{}
	registry, _ := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, audit))
	assert.Nil(t, registry.RegisterBeanDefinition(billingDefinition("billing")))

	bean, err := registry.GetBean("billing")
	assert.Nil(t, err)
	proxy, ok := bean.(*aop.Proxy)
	assert.True(t, ok, "advised bean must come back as a proxy, got %T", bean)

	result, err := proxy.Call(context.Background(), "Charge", 21)
	assert.Nil(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, []string{"Charge"}, audit.calls)
}

func TestAutoProxyIneligibleBeanUnwrapped(t *testing.T) {
	pointcut, err := aop.NewExpressionPointcut(`type == "orderService"`)
	assert.Nil(t, err)
	registry, creator := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(pointcut, &auditInterceptor{}))
	assert.Nil(t, registry.RegisterBeanDefinition(billingDefinition("billing")))

	bean, err := registry.GetBean("billing")
	assert.Nil(t, err)
	_, isProxy := bean.(*aop.Proxy)
	assert.False(t, isProxy, "no advisor applies, bean must stay raw")

	eligible, seen := creator.eligibility(beanCacheKey{name: "billing"})
	assert.True(t, seen)
	assert.False(t, eligible)
}

func TestAutoProxyNeverWrapsInfrastructure(t *testing.T) {
	registry, _ := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, &auditInterceptor{}))
	assert.Nil(t, registry.RegisterBeanDefinition(&types.BeanDefinition{
		Name: "interceptor",
		Type: reflect.TypeOf((*auditInterceptor)(nil)),
		Factory: func(factory types.BeanFactory) (interface{}, error) {
			return &auditInterceptor{}, nil
		},
	}))

	bean, err := registry.GetBean("interceptor")
	assert.Nil(t, err)
	_, isProxy := bean.(*aop.Proxy)
	assert.False(t, isProxy, "interceptors are AOP infrastructure and stay raw")
}

func TestAutoProxyAfterInitializationIdempotent(t *testing.T) {
	registry, creator := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, &auditInterceptor{}))
	_ = registry

	first, err := creator.AfterInitialization("billing", &billingService{})
	assert.Nil(t, err)
	_, isProxy := first.(*aop.Proxy)
	assert.True(t, isProxy)

	second, err := creator.AfterInitialization("billing", first)
	assert.Nil(t, err)
	assert.True(t, first == second, "post-processing an existing proxy must not wrap again")
}

func TestAutoProxyEarlyReferenceNoDoubleWrap(t *testing.T) {
	registry, creator := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, &auditInterceptor{}))
	_ = registry

	raw := &billingService{}
	early, err := creator.GetEarlyBeanReference("billing", raw)
	assert.Nil(t, err)
	_, isProxy := early.(*aop.Proxy)
	assert.True(t, isProxy, "early reference must already be the proxy")

	// The container reconciles the early reference, so AfterInitialization
	// still sees the raw instance and must not produce a second proxy.
	after, err := creator.AfterInitialization("billing", raw)
	assert.Nil(t, err)
	assert.True(t, after == interface{}(raw), "raw bean passes through; the early proxy is authoritative")
}

type advisedGateway struct {
	gatewayService interface{}
}

func (g *advisedGateway) Inject(factory types.BeanFactory) error {
	bean, err := factory.GetBean("gatewayService")
	if err != nil {
		return err
	}
	g.gatewayService = bean
	return nil
}

type gatewayService struct {
	gateway interface{}
}

func (s *gatewayService) Inject(factory types.BeanFactory) error {
	bean, err := factory.GetBean("gateway")
	if err != nil {
		return err
	}
	s.gateway = bean
	return nil
}

func (s *gatewayService) Route(path string) string {
	return "routed:" + path
}

func TestAutoProxyCircularDependencyGetsSingleProxy(t *testing.T) {
	registry, _ := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, &auditInterceptor{}))
	assert.Nil(t, registry.RegisterBeanDefinition(&types.BeanDefinition{
		Name: "gateway",
		Type: reflect.TypeOf((*advisedGateway)(nil)),
		Factory: func(factory types.BeanFactory) (interface{}, error) {
			return &advisedGateway{}, nil
		},
	}))
	assert.Nil(t, registry.RegisterBeanDefinition(&types.BeanDefinition{
		Name: "gatewayService",
		Type: reflect.TypeOf((*gatewayService)(nil)),
		Factory: func(factory types.BeanFactory) (interface{}, error) {
			return &gatewayService{}, nil
		},
	}))

	bean, err := registry.GetBean("gateway")
	assert.Nil(t, err)
	gatewayProxy, ok := bean.(*aop.Proxy)
	assert.True(t, ok)

	serviceBean, err := registry.GetBean("gatewayService")
	assert.Nil(t, err)
	serviceProxy, ok := serviceBean.(*aop.Proxy)
	assert.True(t, ok)

	// The reference injected into gatewayService mid-cycle must be the same
	// proxy the container hands out afterwards: one proxy per bean, ever.
	target, err := serviceProxy.TargetSource().GetTarget()
	assert.Nil(t, err)
	injected := target.(*gatewayService).gateway
	assert.True(t, injected == interface{}(gatewayProxy), "injected early reference and container proxy must be identical")

	gatewayTarget, err := gatewayProxy.TargetSource().GetTarget()
	assert.Nil(t, err)
	assert.True(t, gatewayTarget.(*advisedGateway).gatewayService == serviceBean,
		"gateway must hold the service proxy, not the raw service")
}

type fixedTargetSourceCreator struct {
	beanName string
	target   interface{}
}

func (c *fixedTargetSourceCreator) GetTargetSource(beanName string, beanType reflect.Type) types.TargetSource {
	if beanName != c.beanName {
		return nil
	}
	return aop.NewSingletonTargetSource(c.target)
}

func TestAutoProxyCustomTargetSource(t *testing.T) {
	audit := &auditInterceptor{}
	registry, creator := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, audit))
	replacement := &billingService{}
	creator.TargetSourceCreators = append(creator.TargetSourceCreators,
		&fixedTargetSourceCreator{beanName: "billing", target: replacement})

	factoryCalled := false
	def := billingDefinition("billing")
	def.Factory = func(factory types.BeanFactory) (interface{}, error) {
		factoryCalled = true
		return &billingService{}, nil
	}
	assert.Nil(t, registry.RegisterBeanDefinition(def))

	bean, err := registry.GetBean("billing")
	assert.Nil(t, err)
	proxy, ok := bean.(*aop.Proxy)
	assert.True(t, ok)
	assert.False(t, factoryCalled, "custom target source bypasses normal instantiation")

	_, err = proxy.Call(context.Background(), "Charge", 1)
	assert.Nil(t, err)
	assert.Equal(t, 1, replacement.charges)
}

type tagInterceptor struct {
	tag string
	log *[]string
}

func (i *tagInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	*i.log = append(*i.log, i.tag)
	return invocation.Proceed()
}

func TestAutoProxyCommonInterceptorsFirst(t *testing.T) {
	var log []string
	registry, creator := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, &tagInterceptor{tag: "specific", log: &log}))
	assert.Nil(t, registry.RegisterSingleton("commonAudit", &tagInterceptor{tag: "common", log: &log}))
	creator.InterceptorNames = []string{"commonAudit"}
	assert.Nil(t, registry.RegisterBeanDefinition(billingDefinition("billing")))

	bean, err := registry.GetBean("billing")
	assert.Nil(t, err)
	_, err = bean.(*aop.Proxy).Call(context.Background(), "Charge", 1)
	assert.Nil(t, err)
	assert.Equal(t, []string{"common", "specific"}, log)
}

func TestAutoProxyPredictBeanType(t *testing.T) {
	registry, creator := newAutoProxyRegistry(t, aop.NewPointcutAdvisor(nil, &auditInterceptor{}))
	assert.Nil(t, registry.RegisterBeanDefinition(billingDefinition("billing")))

	bean, err := registry.GetBean("billing")
	assert.Nil(t, err)
	predicted := creator.PredictBeanType("billing", reflect.TypeOf((*billingService)(nil)))
	assert.Equal(t, reflect.TypeOf(bean), predicted)
}
