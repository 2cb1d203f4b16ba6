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

// PointcutAdvisor is the default advisor implementation: a pointcut-driven
// advice holder. The zero pointcut matches everything.
type PointcutAdvisor struct {
	// AdvisorPointcut selects the join points. Nil means match everything.
	AdvisorPointcut types.Pointcut
	// AdvisorAdvice is the behavior to run at matched join points.
	AdvisorAdvice types.Advice
	// AdvisorOrder ranks this advisor in the chain; lower runs earlier.
	AdvisorOrder int
	// PerInstance marks per-target advice (non-singleton aspect instantiation).
	PerInstance bool
}

var _ types.PointcutAdvisor = (*PointcutAdvisor)(nil)
var _ types.Ordered = (*PointcutAdvisor)(nil)

// NewPointcutAdvisor creates an advisor for the given pointcut and advice.
// A nil pointcut matches every join point.
func NewPointcutAdvisor(pointcut types.Pointcut, advice types.Advice) *PointcutAdvisor {
	return &PointcutAdvisor{AdvisorPointcut: pointcut, AdvisorAdvice: advice}
}

func (a *PointcutAdvisor) Pointcut() types.Pointcut {
	if a.AdvisorPointcut == nil {
		return PointcutTrue
	}
	return a.AdvisorPointcut
}

func (a *PointcutAdvisor) Advice() types.Advice {
	return a.AdvisorAdvice
}

func (a *PointcutAdvisor) IsPerInstance() bool {
	return a.PerInstance
}

func (a *PointcutAdvisor) Order() int {
	return a.AdvisorOrder
}

// AopInfrastructure marks advisors as AOP infrastructure so the auto-proxy
// creator never wraps them.
func (a *PointcutAdvisor) AopInfrastructure() {}

// IntroductionAdvisor introduces additional interfaces onto targets accepted
// by its type filter. Matching is type-level only.
type IntroductionAdvisor struct {
	Filter        types.TypeFilter
	AdvisorAdvice types.Advice
	// Introduced lists the interface types mixed into matching targets.
	Introduced []reflect.Type
	// AdvisorOrder ranks this advisor in the chain; lower runs earlier.
	AdvisorOrder int
}

var _ types.IntroductionAdvisor = (*IntroductionAdvisor)(nil)

func (a *IntroductionAdvisor) TypeFilter() types.TypeFilter {
	if a.Filter == nil {
		return TypeFilterTrue
	}
	return a.Filter
}

func (a *IntroductionAdvisor) Advice() types.Advice {
	return a.AdvisorAdvice
}

func (a *IntroductionAdvisor) IsPerInstance() bool {
	return false
}

func (a *IntroductionAdvisor) Interfaces() []reflect.Type {
	return a.Introduced
}

func (a *IntroductionAdvisor) Order() int {
	return a.AdvisorOrder
}

func (a *IntroductionAdvisor) AopInfrastructure() {}

// LazyAdvice defers building the real advice until its first use, guarded by a
// synchronized double-check. Aspect advisors for non-singleton instantiation
// models wrap their advice this way so aspect state is not materialized before
// a join point actually needs it.
// LazyAdvice 延迟构建真正的 advice，直到第一次真正需要，使用同步双重检查保护。
type LazyAdvice struct {
	// Build constructs the real advice. Called at most once.
	Build func() (types.Advice, error)

	mu     sync.Mutex
	advice types.Advice
	built  bool
}

var _ types.MethodInterceptor = (*LazyAdvice)(nil)

// Invoke materializes the underlying advice on first use and delegates.
// Non-interceptor advice kinds are rejected: lazy wrapping is only applied to
// around advice by the aspect builder.
func (l *LazyAdvice) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	advice, err := l.materialize()
	if err != nil {
		return nil, err
	}
	interceptor, ok := advice.(types.MethodInterceptor)
	if !ok {
		return nil, types.NewConfigurationError("lazily built advice %T is not a MethodInterceptor", advice)
	}
	return interceptor.Invoke(invocation)
}

// Materialized reports whether the advice has been built, without building it.
func (l *LazyAdvice) Materialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.built
}

func (l *LazyAdvice) materialize() (types.Advice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.built {
		advice, err := l.Build()
		if err != nil {
			return nil, err
		}
		l.advice = advice
		l.built = true
	}
	return l.advice, nil
}
