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
	"sync"

	"github.com/weavego/weavego/api/types"
)

// AdvisorAdapter knows how to wrap one advice kind into a MethodInterceptor.
type AdvisorAdapter interface {
	// SupportsAdvice reports whether this adapter understands the advice.
	SupportsAdvice(advice types.Advice) bool
	// GetInterceptor wraps the advisor's advice into an interceptor.
	GetInterceptor(advisor types.Advisor) types.MethodInterceptor
}

// AdapterRegistry converts advisors into interceptor chains. Around advice
// passes through unchanged; before/after-returning/throws advice is wrapped.
// An advice no registered adapter understands is a configuration error.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters []AdvisorAdapter
}

// GlobalAdapterRegistry is the shared registry used when no custom registry is configured.
var GlobalAdapterRegistry = NewAdapterRegistry()

// NewAdapterRegistry creates a registry with the standard advice kind adapters.
func NewAdapterRegistry() *AdapterRegistry {
	r := &AdapterRegistry{}
	r.RegisterAdapter(beforeAdviceAdapter{})
	r.RegisterAdapter(afterReturningAdviceAdapter{})
	r.RegisterAdapter(throwsAdviceAdapter{})
	return r
}

// RegisterAdapter adds an adapter for a custom advice kind.
func (r *AdapterRegistry) RegisterAdapter(adapter AdvisorAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, adapter)
}

// GetInterceptors returns the interceptors for the advisor's advice.
func (r *AdapterRegistry) GetInterceptors(advisor types.Advisor) ([]types.MethodInterceptor, error) {
	var interceptors []types.MethodInterceptor
	advice := advisor.Advice()
	if interceptor, ok := advice.(types.MethodInterceptor); ok {
		interceptors = append(interceptors, interceptor)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, adapter := range r.adapters {
		if adapter.SupportsAdvice(advice) {
			interceptors = append(interceptors, adapter.GetInterceptor(advisor))
		}
	}
	if len(interceptors) == 0 {
		return nil, types.NewConfigurationError("advice %T is not supported by any adapter", advice)
	}
	return interceptors, nil
}

// Wrap turns any supported advice into an advisor, passing advisors through.
func (r *AdapterRegistry) Wrap(adviceObject interface{}) (types.Advisor, error) {
	if advisor, ok := adviceObject.(types.Advisor); ok {
		return advisor, nil
	}
	advice, ok := adviceObject.(types.Advice)
	if !ok {
		return nil, types.NewConfigurationError("object %T is neither an advisor nor an advice", adviceObject)
	}
	if _, ok := advice.(types.MethodInterceptor); ok {
		return NewPointcutAdvisor(nil, advice), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, adapter := range r.adapters {
		if adapter.SupportsAdvice(advice) {
			return NewPointcutAdvisor(nil, advice), nil
		}
	}
	return nil, types.NewConfigurationError("advice %T is not supported by any adapter", advice)
}

type beforeAdviceAdapter struct{}

func (beforeAdviceAdapter) SupportsAdvice(advice types.Advice) bool {
	_, ok := advice.(types.BeforeAdvice)
	return ok
}

func (beforeAdviceAdapter) GetInterceptor(advisor types.Advisor) types.MethodInterceptor {
	return &beforeAdviceInterceptor{advice: advisor.Advice().(types.BeforeAdvice)}
}

type beforeAdviceInterceptor struct {
	advice types.BeforeAdvice
}

func (i *beforeAdviceInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	if err := i.advice.Before(invocation.Context(), invocation.Method(), invocation.Args(), invocation.Target()); err != nil {
		return nil, err
	}
	return invocation.Proceed()
}

type afterReturningAdviceAdapter struct{}

func (afterReturningAdviceAdapter) SupportsAdvice(advice types.Advice) bool {
	_, ok := advice.(types.AfterReturningAdvice)
	return ok
}

func (afterReturningAdviceAdapter) GetInterceptor(advisor types.Advisor) types.MethodInterceptor {
	return &afterReturningAdviceInterceptor{advice: advisor.Advice().(types.AfterReturningAdvice)}
}

type afterReturningAdviceInterceptor struct {
	advice types.AfterReturningAdvice
}

func (i *afterReturningAdviceInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	result, err := invocation.Proceed()
	if err != nil {
		return result, err
	}
	if adviceErr := i.advice.AfterReturning(invocation.Context(), result, invocation.Method(), invocation.Args(), invocation.Target()); adviceErr != nil {
		return nil, adviceErr
	}
	return result, nil
}

type throwsAdviceAdapter struct{}

func (throwsAdviceAdapter) SupportsAdvice(advice types.Advice) bool {
	_, ok := advice.(types.ThrowsAdvice)
	return ok
}

func (throwsAdviceAdapter) GetInterceptor(advisor types.Advisor) types.MethodInterceptor {
	return &throwsAdviceInterceptor{advice: advisor.Advice().(types.ThrowsAdvice)}
}

type throwsAdviceInterceptor struct {
	advice types.ThrowsAdvice
}

func (i *throwsAdviceInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	result, err := invocation.Proceed()
	if err != nil {
		i.advice.AfterThrowing(invocation.Context(), invocation.Method(), invocation.Args(), invocation.Target(), err)
	}
	return result, err
}
