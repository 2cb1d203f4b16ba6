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
	"strings"
	"sync"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/utils/maps"
)

// Aspect instantiation models.
// 切面实例化模型。
const (
	// AspectSingleton builds the aspect instance and its advice eagerly.
	AspectSingleton = "singleton"
	// AspectPerTarget defers aspect materialization until a join point on the
	// advised target actually fires.
	AspectPerTarget = "pertarget"
	// AspectPerThis behaves like pertarget, scoped to the proxy reference.
	AspectPerThis = "perthis"
)

// Advice kinds accepted in an aspect configuration.
const (
	AdviceBefore         = "before"
	AdviceAfterReturning = "afterReturning"
	AdviceAfterThrowing  = "afterThrowing"
	AdviceAround         = "around"
)

// AspectConfiguration is the declarative configuration of an aspect bean,
// decoded from its bean definition Configuration map.
type AspectConfiguration struct {
	// InstantiationModel is AspectSingleton (default), AspectPerTarget or
	// AspectPerThis.
	InstantiationModel string
	// Advices declares one advisor per entry, bound to a method on the aspect.
	Advices []AspectAdviceConfiguration
}

// AspectAdviceConfiguration declares one advice method on an aspect bean.
type AspectAdviceConfiguration struct {
	// Kind is before, afterReturning, afterThrowing or around.
	Kind string
	// Method names the advice method on the aspect bean. The expected signature
	// depends on Kind; see bindAdvice.
	Method string
	// Pointcut is an expression selecting join points. Empty matches everything.
	Pointcut string
	// Order ranks the produced advisor. Lower runs earlier.
	Order int
}

// AspectAdvisorBuilder synthesizes advisors from aspect-marked bean
// definitions. The set of aspect beans and their advisors is computed at most
// once per builder and cached until explicitly invalidated. Singleton aspects
// get eager pointcuts and advice; per-target and per-this aspects get a lazy
// pointcut whose pre-materialization answer is a loosened static check, with
// the advice built on demand behind a double-checked wrapper.
// AspectAdvisorBuilder 从标记为切面的 bean 定义合成 Advisor。
type AspectAdvisorBuilder struct {
	factory  types.BeanFactory
	registry types.BeanDefinitionRegistry

	mu       sync.Mutex
	advisors []types.Advisor
	built    bool
}

var _ AdvisorSource = (*AspectAdvisorBuilder)(nil)

func NewAspectAdvisorBuilder(factory types.BeanFactory, registry types.BeanDefinitionRegistry) *AspectAdvisorBuilder {
	return &AspectAdvisorBuilder{factory: factory, registry: registry}
}

// InvalidateCache drops the synthesized advisors so the next BuildAdvisors
// call re-enumerates aspect definitions.
func (b *AspectAdvisorBuilder) InvalidateCache() {
	b.mu.Lock()
	b.advisors = nil
	b.built = false
	b.mu.Unlock()
}

// BuildAdvisors returns the advisors synthesized from every aspect bean
// definition, in registration then declaration order.
func (b *AspectAdvisorBuilder) BuildAdvisors() ([]types.Advisor, error) {
	b.mu.Lock()
	if b.built {
		advisors := b.advisors
		b.mu.Unlock()
		return advisors, nil
	}
	b.mu.Unlock()

	// Build without holding the lock: singleton aspects are materialized here
	// and their construction may look up further beans. A concurrent race
	// recomputes the same advisors, which is idempotent.
	var advisors []types.Advisor
	for _, name := range b.registry.BeanDefinitionNames() {
		def, ok := b.registry.GetBeanDefinition(name)
		if !ok || !def.Aspect {
			continue
		}
		built, err := b.buildAspectAdvisors(name, def)
		if err != nil {
			return nil, err
		}
		advisors = append(advisors, built...)
	}

	b.mu.Lock()
	if !b.built {
		b.advisors = advisors
		b.built = true
	} else {
		advisors = b.advisors
	}
	b.mu.Unlock()
	return advisors, nil
}

func (b *AspectAdvisorBuilder) buildAspectAdvisors(name string, def *types.BeanDefinition) ([]types.Advisor, error) {
	var config AspectConfiguration
	if err := maps.Map2Struct(def.Configuration, &config); err != nil {
		return nil, types.NewConfigurationError("aspect %q configuration: %v", name, err)
	}
	model := strings.ToLower(config.InstantiationModel)
	if model == "" {
		model = AspectSingleton
	}
	switch model {
	case AspectSingleton, AspectPerTarget, AspectPerThis:
	default:
		return nil, types.NewConfigurationError("aspect %q: unknown instantiation model %q", name, config.InstantiationModel)
	}
	if len(config.Advices) == 0 {
		return nil, types.NewConfigurationError("aspect %q declares no advices", name)
	}

	var adviceType reflect.Type
	if def.Type != nil {
		adviceType = def.Type
	}

	advisors := make([]types.Advisor, 0, len(config.Advices))
	for i := range config.Advices {
		adviceConfig := config.Advices[i]
		if err := validateAdviceKind(adviceConfig.Kind); err != nil {
			return nil, types.NewConfigurationError("aspect %q method %q: %v", name, adviceConfig.Method, err)
		}
		if adviceType != nil {
			if _, ok := adviceType.MethodByName(adviceConfig.Method); !ok {
				return nil, types.NewConfigurationError("aspect %q has no method %q", name, adviceConfig.Method)
			}
		}
		var pointcut types.Pointcut
		if adviceConfig.Pointcut != "" {
			declared, err := aop.NewExpressionPointcut(adviceConfig.Pointcut)
			if err != nil {
				return nil, types.NewConfigurationError("aspect %q method %q pointcut: %v", name, adviceConfig.Method, err)
			}
			pointcut = declared
		}

		order := adviceConfig.Order
		if order == 0 {
			order = def.Order
		}

		if model == AspectSingleton {
			instance, err := b.factory.GetBean(name)
			if err != nil {
				return nil, err
			}
			advice, err := bindAdvice(instance, adviceConfig)
			if err != nil {
				return nil, types.NewConfigurationError("aspect %q: %v", name, err)
			}
			advisors = append(advisors, &aop.PointcutAdvisor{
				AdvisorPointcut: pointcut,
				AdvisorAdvice:   advice,
				AdvisorOrder:    order,
			})
			continue
		}

		// Non-singleton models: the aspect bean must not exist before a join
		// point needs it. The advice is built on first invocation; the
		// pointcut loosens its runtime answer until that happens.
		lazy := &aop.LazyAdvice{}
		aspectName, cfg := name, adviceConfig
		lazy.Build = func() (types.Advice, error) {
			instance, err := b.factory.GetBean(aspectName)
			if err != nil {
				return nil, err
			}
			advice, err := bindAdvice(instance, cfg)
			if err != nil {
				return nil, types.NewConfigurationError("aspect %q: %v", aspectName, err)
			}
			return asInterceptor(advice)
		}
		advisors = append(advisors, &aop.PointcutAdvisor{
			AdvisorPointcut: &perInstancePointcut{declared: pointcut, advice: lazy},
			AdvisorAdvice:   lazy,
			AdvisorOrder:    order,
			PerInstance:     true,
		})
	}
	return advisors, nil
}

func validateAdviceKind(kind string) error {
	switch kind {
	case AdviceBefore, AdviceAfterReturning, AdviceAfterThrowing, AdviceAround:
		return nil
	default:
		return types.NewConfigurationError("unknown advice kind %q", kind)
	}
}

// Advice method signatures, per kind.
type (
	beforeFunc         = func(ctx context.Context, method reflect.Method, args []interface{}, target interface{}) error
	afterReturningFunc = func(ctx context.Context, result interface{}, method reflect.Method, args []interface{}, target interface{}) error
	afterThrowingFunc  = func(ctx context.Context, method reflect.Method, args []interface{}, target interface{}, err error)
	aroundFunc         = func(invocation types.MethodInvocation) (interface{}, error)
)

// bindAdvice binds the configured aspect method as an advice object. The
// method must carry the exact signature its kind prescribes.
func bindAdvice(instance interface{}, config AspectAdviceConfiguration) (types.Advice, error) {
	mv := reflect.ValueOf(instance).MethodByName(config.Method)
	if !mv.IsValid() {
		return nil, types.NewConfigurationError("no method %q on %T", config.Method, instance)
	}
	switch config.Kind {
	case AdviceBefore:
		fn, ok := mv.Interface().(beforeFunc)
		if !ok {
			return nil, adviceSignatureError(config, mv, "func(context.Context, reflect.Method, []interface{}, interface{}) error")
		}
		return boundBeforeAdvice{fn: fn}, nil
	case AdviceAfterReturning:
		fn, ok := mv.Interface().(afterReturningFunc)
		if !ok {
			return nil, adviceSignatureError(config, mv, "func(context.Context, interface{}, reflect.Method, []interface{}, interface{}) error")
		}
		return boundAfterReturningAdvice{fn: fn}, nil
	case AdviceAfterThrowing:
		fn, ok := mv.Interface().(afterThrowingFunc)
		if !ok {
			return nil, adviceSignatureError(config, mv, "func(context.Context, reflect.Method, []interface{}, interface{}, error)")
		}
		return boundThrowsAdvice{fn: fn}, nil
	case AdviceAround:
		fn, ok := mv.Interface().(aroundFunc)
		if !ok {
			return nil, adviceSignatureError(config, mv, "func(types.MethodInvocation) (interface{}, error)")
		}
		return boundAroundAdvice{fn: fn}, nil
	}
	return nil, types.NewConfigurationError("unknown advice kind %q", config.Kind)
}

func adviceSignatureError(config AspectAdviceConfiguration, mv reflect.Value, want string) error {
	return types.NewConfigurationError("advice method %q has signature %s, kind %q requires %s",
		config.Method, mv.Type(), config.Kind, want)
}

type boundBeforeAdvice struct{ fn beforeFunc }

func (a boundBeforeAdvice) Before(ctx context.Context, method reflect.Method, args []interface{}, target interface{}) error {
	return a.fn(ctx, method, args, target)
}

type boundAfterReturningAdvice struct{ fn afterReturningFunc }

func (a boundAfterReturningAdvice) AfterReturning(ctx context.Context, result interface{}, method reflect.Method, args []interface{}, target interface{}) error {
	return a.fn(ctx, result, method, args, target)
}

type boundThrowsAdvice struct{ fn afterThrowingFunc }

func (a boundThrowsAdvice) AfterThrowing(ctx context.Context, method reflect.Method, args []interface{}, target interface{}, err error) {
	a.fn(ctx, method, args, target, err)
}

type boundAroundAdvice struct{ fn aroundFunc }

func (a boundAroundAdvice) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	return a.fn(invocation)
}

// asInterceptor turns any supported advice kind into a method interceptor, via
// the adapter registry for the non-around kinds. Lazily built advice must come
// back as an interceptor because it sits directly in the resolved chain.
func asInterceptor(advice types.Advice) (types.MethodInterceptor, error) {
	if interceptor, ok := advice.(types.MethodInterceptor); ok {
		return interceptor, nil
	}
	interceptors, err := aop.GlobalAdapterRegistry.GetInterceptors(aop.NewPointcutAdvisor(nil, advice))
	if err != nil {
		return nil, err
	}
	if len(interceptors) != 1 {
		return nil, types.NewConfigurationError("advice %T adapted to %d interceptors, want 1", advice, len(interceptors))
	}
	return interceptors[0], nil
}

// perInstancePointcut is the two-phase pointcut of non-singleton aspects.
// While the aspect is not yet materialized the static answer comes from the
// declared pointcut and the runtime answer is loosened to "might match", so a
// join point can fire and trigger materialization. Once the advice exists, the
// declared pointcut answers exactly.
type perInstancePointcut struct {
	declared types.Pointcut
	advice   *aop.LazyAdvice
}

func (p *perInstancePointcut) declaredOrTrue() types.Pointcut {
	if p.declared == nil {
		return aop.PointcutTrue
	}
	return p.declared
}

func (p *perInstancePointcut) TypeFilter() types.TypeFilter {
	return p.declaredOrTrue().TypeFilter()
}

func (p *perInstancePointcut) MethodMatcher() types.MethodMatcher {
	return &perInstanceMethodMatcher{pointcut: p}
}

type perInstanceMethodMatcher struct {
	pointcut *perInstancePointcut
}

func (m *perInstanceMethodMatcher) Matches(method reflect.Method, targetType reflect.Type) bool {
	return m.pointcut.declaredOrTrue().MethodMatcher().Matches(method, targetType)
}

func (m *perInstanceMethodMatcher) IsRuntime() bool {
	return m.pointcut.declaredOrTrue().MethodMatcher().IsRuntime()
}

func (m *perInstanceMethodMatcher) MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	if !m.pointcut.advice.Materialized() {
		// Pre-materialization fallback: a static match is enough to let the
		// invocation through and build the aspect instance.
		return m.Matches(method, targetType)
	}
	return m.pointcut.declaredOrTrue().MethodMatcher().MatchesArgs(method, targetType, args)
}
