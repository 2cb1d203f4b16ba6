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

type orderDesk struct {
	placed int
}

func (s *orderDesk) PlaceOrder(id string) string {
	s.placed++
	return "ok:" + id
}

func (s *orderDesk) CancelOrder(id string) string {
	return "cancelled:" + id
}

type loggingAspect struct {
	log *[]string
}

func (a *loggingAspect) LogBefore(ctx context.Context, method reflect.Method, args []interface{}, target interface{}) error {
	*a.log = append(*a.log, "before:"+method.Name)
	return nil
}

func (a *loggingAspect) WrapCall(invocation types.MethodInvocation) (interface{}, error) {
	*a.log = append(*a.log, "around:"+invocation.Method().Name)
	return invocation.Proceed()
}

// BadSignature takes no context; no advice kind accepts it.
func (a *loggingAspect) BadSignature(n int) {}

func orderDeskDefinition() *types.BeanDefinition {
	return &types.BeanDefinition{
		Name: "orders",
		Type: reflect.TypeOf((*orderDesk)(nil)),
		Factory: func(factory types.BeanFactory) (interface{}, error) {
			return &orderDesk{}, nil
		},
	}
}

// newAspectRegistry wires a registry with an auto-proxy creator backed by an
// aspect advisor builder.
func newAspectRegistry(t *testing.T) (*Registry, *AspectAdvisorBuilder) {
	t.Helper()
	registry := NewRegistry(types.NewConfig())
	creator := NewAutoProxyCreator(registry)
	builder := NewAspectAdvisorBuilder(registry, registry)
	creator.AdvisorSources = append(creator.AdvisorSources, builder)
	registry.AddBeanPostProcessor(creator)
	return registry, builder
}

func loggingAspectDefinition(log *[]string, configuration types.Configuration) *types.BeanDefinition {
	return &types.BeanDefinition{
		Name:   "loggingAspect",
		Type:   reflect.TypeOf((*loggingAspect)(nil)),
		Aspect: true,
		Factory: func(factory types.BeanFactory) (interface{}, error) {
			return &loggingAspect{log: log}, nil
		},
		Configuration: configuration,
	}
}

func TestSingletonAspectBeforeAdvice(t *testing.T) {
	var log []string
	registry, _ := newAspectRegistry(t)
	assert.Nil(t, registry.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"advices": []map[string]interface{}{
			{"kind": "before", "method": "LogBefore", "pointcut": `method startsWith "Place"`},
		},
	})))
	assert.Nil(t, registry.RegisterBeanDefinition(orderDeskDefinition()))

	bean, err := registry.GetBean("orders")
	assert.Nil(t, err)
	proxy, ok := bean.(*aop.Proxy)
	assert.True(t, ok, "matched bean must be proxied, got %T", bean)

	result, err := proxy.Call(context.Background(), "PlaceOrder", "o-1")
	assert.Nil(t, err)
	assert.Equal(t, "ok:o-1", result)

	// CancelOrder falls outside the pointcut.
	_, err = proxy.Call(context.Background(), "CancelOrder", "o-1")
	assert.Nil(t, err)
	assert.Equal(t, []string{"before:PlaceOrder"}, log)
}

func TestSingletonAspectAroundAdvice(t *testing.T) {
	var log []string
	registry, _ := newAspectRegistry(t)
	assert.Nil(t, registry.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"advices": []map[string]interface{}{
			{"kind": "around", "method": "WrapCall"},
		},
	})))
	assert.Nil(t, registry.RegisterBeanDefinition(orderDeskDefinition()))

	bean, err := registry.GetBean("orders")
	assert.Nil(t, err)
	_, err = bean.(*aop.Proxy).Call(context.Background(), "PlaceOrder", "o-2")
	assert.Nil(t, err)
	assert.Equal(t, []string{"around:PlaceOrder"}, log)
}

func TestAspectBeanItselfNotProxied(t *testing.T) {
	var log []string
	registry, _ := newAspectRegistry(t)
	assert.Nil(t, registry.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"advices": []map[string]interface{}{
			{"kind": "around", "method": "WrapCall"},
		},
	})))

	bean, err := registry.GetBean("loggingAspect")
	assert.Nil(t, err)
	_, isProxy := bean.(*aop.Proxy)
	assert.False(t, isProxy, "aspects must not be advised by their own advice")
}

type countingAspect struct {
	constructions *int
	log           *[]string
}

func (a *countingAspect) WrapCall(invocation types.MethodInvocation) (interface{}, error) {
	*a.log = append(*a.log, "around:"+invocation.Method().Name)
	return invocation.Proceed()
}

func TestPerTargetAspectLazyMaterialization(t *testing.T) {
	var log []string
	constructions := 0
	registry, _ := newAspectRegistry(t)
	assert.Nil(t, registry.RegisterBeanDefinition(&types.BeanDefinition{
		Name:   "countingAspect",
		Type:   reflect.TypeOf((*countingAspect)(nil)),
		Scope:  types.ScopePrototype,
		Aspect: true,
		Factory: func(factory types.BeanFactory) (interface{}, error) {
			constructions++
			return &countingAspect{constructions: &constructions, log: &log}, nil
		},
		Configuration: types.Configuration{
			"instantiationModel": "pertarget",
			"advices": []map[string]interface{}{
				{"kind": "around", "method": "WrapCall", "pointcut": `method startsWith "Place"`},
			},
		},
	}))
	assert.Nil(t, registry.RegisterBeanDefinition(orderDeskDefinition()))

	bean, err := registry.GetBean("orders")
	assert.Nil(t, err)
	proxy, ok := bean.(*aop.Proxy)
	assert.True(t, ok)
	assert.Equal(t, 0, constructions, "aspect must not exist before a join point fires")

	_, err = proxy.Call(context.Background(), "PlaceOrder", "o-3")
	assert.Nil(t, err)
	assert.Equal(t, 1, constructions)

	_, err = proxy.Call(context.Background(), "PlaceOrder", "o-4")
	assert.Nil(t, err)
	assert.Equal(t, 1, constructions, "lazy advice is built exactly once")
	assert.Equal(t, []string{"around:PlaceOrder", "around:PlaceOrder"}, log)
}

func TestAspectConfigurationErrors(t *testing.T) {
	var log []string

	badKind := NewRegistry(types.NewConfig())
	builder := NewAspectAdvisorBuilder(badKind, badKind)
	assert.Nil(t, badKind.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"advices": []map[string]interface{}{{"kind": "aroundish", "method": "WrapCall"}},
	})))
	_, err := builder.BuildAdvisors()
	assert.True(t, types.IsConfigurationError(err))
	assert.ErrorContains(t, err, "unknown advice kind")

	badModel := NewRegistry(types.NewConfig())
	builder = NewAspectAdvisorBuilder(badModel, badModel)
	assert.Nil(t, badModel.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"instantiationModel": "request",
		"advices":            []map[string]interface{}{{"kind": "around", "method": "WrapCall"}},
	})))
	_, err = builder.BuildAdvisors()
	assert.True(t, types.IsConfigurationError(err))
	assert.ErrorContains(t, err, "instantiation model")

	missingMethod := NewRegistry(types.NewConfig())
	builder = NewAspectAdvisorBuilder(missingMethod, missingMethod)
	assert.Nil(t, missingMethod.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"advices": []map[string]interface{}{{"kind": "around", "method": "Missing"}},
	})))
	_, err = builder.BuildAdvisors()
	assert.True(t, types.IsConfigurationError(err))

	badSignature := NewRegistry(types.NewConfig())
	builder = NewAspectAdvisorBuilder(badSignature, badSignature)
	assert.Nil(t, badSignature.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"advices": []map[string]interface{}{{"kind": "before", "method": "BadSignature"}},
	})))
	_, err = builder.BuildAdvisors()
	assert.True(t, types.IsConfigurationError(err))
	assert.ErrorContains(t, err, "requires")

	noAdvices := NewRegistry(types.NewConfig())
	builder = NewAspectAdvisorBuilder(noAdvices, noAdvices)
	assert.Nil(t, noAdvices.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{})))
	_, err = builder.BuildAdvisors()
	assert.True(t, types.IsConfigurationError(err))
}

func TestAspectBuilderCacheInvalidation(t *testing.T) {
	var log []string
	registry := NewRegistry(types.NewConfig())
	builder := NewAspectAdvisorBuilder(registry, registry)

	first, err := builder.BuildAdvisors()
	assert.Nil(t, err)
	assert.Equal(t, 0, len(first))

	assert.Nil(t, registry.RegisterBeanDefinition(loggingAspectDefinition(&log, types.Configuration{
		"advices": []map[string]interface{}{{"kind": "around", "method": "WrapCall"}},
	})))

	cached, err := builder.BuildAdvisors()
	assert.Nil(t, err)
	assert.Equal(t, 0, len(cached), "advisors are cached until invalidated")

	builder.InvalidateCache()
	rebuilt, err := builder.BuildAdvisors()
	assert.Nil(t, err)
	assert.Equal(t, 1, len(rebuilt))
}
