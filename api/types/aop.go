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

// The interfaces in this file provide the AOP (Aspect Oriented Programming) mechanism,
// which is similar to an interceptor or hook mechanism, but more powerful and flexible.
//
//   - It allows adding extra behavior around method invocations on managed beans without
//     modifying the bean's own logic.
//   - It allows separating common behaviors (such as logging, caching, transaction
//     management, async dispatch) from the business logic.
//
// 本文件中的接口提供 AOP（面向切面编程）机制，它类似拦截器或者 hook 机制，但是功能更加强大和灵活。
//
//   - 它允许在不修改 bean 原有逻辑的情况下，对方法调用添加额外的行为。
//   - 它允许把一些公共的行为（例如：日志、缓存、事务管理、异步调度）从业务逻辑中分离出来。

// TypeFilter restricts a pointcut to a set of target types.
// TypeFilter 将切入点限制到一组目标类型。
type TypeFilter interface {
	// Matches reports whether the given target type is in scope for advice.
	// Matches 返回给定目标类型是否在增强范围内。
	Matches(targetType reflect.Type) bool
}

// MethodMatcher decides whether a pointcut applies to a given method of a target type.
// MethodMatcher 判断切入点是否适用于目标类型的某个方法。
type MethodMatcher interface {
	// Matches performs the static check. It must not depend on invocation arguments.
	// Matches 执行静态检查。它不能依赖调用参数。
	Matches(method reflect.Method, targetType reflect.Type) bool
	// IsRuntime reports whether MatchesArgs must additionally be consulted per invocation.
	// IsRuntime 返回是否每次调用都需要额外执行 MatchesArgs 运行时检查。
	IsRuntime() bool
	// MatchesArgs performs the runtime check with the actual invocation arguments.
	// Only called when IsRuntime returns true and the static check already passed.
	// MatchesArgs 使用实际调用参数执行运行时检查。
	// 仅在 IsRuntime 返回 true 且静态检查已通过时调用。
	MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool
}

// IntroductionAwareMethodMatcher is a MethodMatcher that behaves differently when
// type-level introductions (mixins) are present on the advised target.
// IntroductionAwareMethodMatcher 是一个感知引介（mixin）的 MethodMatcher，
// 当目标存在类型级引介时行为不同。
type IntroductionAwareMethodMatcher interface {
	MethodMatcher
	// MatchesWithIntroductions is the static check with knowledge of whether any
	// introduction advisor applies to the target type.
	MatchesWithIntroductions(method reflect.Method, targetType reflect.Type, hasIntroductions bool) bool
}

// Pointcut selects the join points (method invocations) an advice applies to.
// Invariant: neither component is ever nil; use the canonical TRUE implementations
// to match everything.
// Pointcut 选择增强所适用的连接点（方法调用）。
// 不变式：两个组成部分都不能为 nil；使用规范的 TRUE 实现来匹配所有连接点。
type Pointcut interface {
	TypeFilter() TypeFilter
	MethodMatcher() MethodMatcher
}

// Advice is the marker interface for behavior executed at a matched join point.
// Concrete kinds are MethodInterceptor, BeforeAdvice, AfterReturningAdvice and
// ThrowsAdvice.
// Advice 是在匹配的连接点执行的行为的标记接口。
type Advice interface{}

// MethodInvocation is a join point in flight: one method call on an advised target
// walking through an interceptor chain. Proceed advances to the next interceptor
// and, at the end of the chain, invokes the real target method.
// MethodInvocation 是运行中的连接点：通过拦截器链对被增强目标的一次方法调用。
// Proceed 前进到下一个拦截器，并在链的末端调用真实的目标方法。
type MethodInvocation interface {
	// Context returns the calling context. Never nil.
	Context() context.Context
	// Method returns the method being invoked, as declared on the target type.
	Method() reflect.Method
	// Args returns the invocation arguments (excluding the receiver and, when the
	// method takes one, the leading context.Context).
	Args() []interface{}
	// SetArgs replaces the invocation arguments for the rest of the chain.
	SetArgs(args []interface{})
	// Target returns the real target object, or nil if the target source is empty.
	Target() interface{}
	// Proxy returns the proxy object this invocation came through.
	Proxy() interface{}
	// Proceed runs the rest of the chain and finally the target method.
	// The result is the method's value result (nil for methods with no value
	// result); a trailing error result is split off and returned as err.
	Proceed() (interface{}, error)
}

// MethodInterceptor is around advice: it wraps the rest of the interceptor chain
// and may short-circuit, replace arguments or transform results.
// MethodInterceptor 是环绕增强：它包裹拦截器链的其余部分，可以短路、替换参数或转换结果。
type MethodInterceptor interface {
	Advice
	Invoke(invocation MethodInvocation) (interface{}, error)
}

// BeforeAdvice runs before the target method. Returning an error aborts the invocation.
// BeforeAdvice 在目标方法之前执行。返回 error 将中止调用。
type BeforeAdvice interface {
	Advice
	Before(ctx context.Context, method reflect.Method, args []interface{}, target interface{}) error
}

// AfterReturningAdvice runs after the target method returned normally.
// AfterReturningAdvice 在目标方法正常返回后执行。
type AfterReturningAdvice interface {
	Advice
	AfterReturning(ctx context.Context, result interface{}, method reflect.Method, args []interface{}, target interface{}) error
}

// ThrowsAdvice runs after the target method returned an error. It observes the
// error; it cannot swallow it.
// ThrowsAdvice 在目标方法返回错误后执行。它观察错误，不能吞掉错误。
type ThrowsAdvice interface {
	Advice
	AfterThrowing(ctx context.Context, method reflect.Method, args []interface{}, target interface{}, err error)
}

// Advisor binds an Advice to the rules that decide where it applies.
// Advisor 将 Advice 与决定其适用范围的规则绑定。
type Advisor interface {
	// Advice returns the advice part of this advisor. Never nil.
	Advice() Advice
	// IsPerInstance reports whether the advice belongs to a particular advised
	// instance (per-target aspect instantiation) rather than being shared.
	IsPerInstance() bool
}

// PointcutAdvisor is an advisor driven by a pointcut.
// PointcutAdvisor 是由切入点驱动的 Advisor。
type PointcutAdvisor interface {
	Advisor
	Pointcut() Pointcut
}

// IntroductionAdvisor restricts matching to the type level only: it introduces
// additional interfaces onto matching targets and has no method-level filter.
// IntroductionAdvisor 仅在类型级别匹配：它为匹配的目标引入额外接口，没有方法级过滤。
type IntroductionAdvisor interface {
	Advisor
	// TypeFilter returns the type-level filter determining eligible targets.
	TypeFilter() TypeFilter
	// Interfaces returns the interface types introduced onto matching targets.
	Interfaces() []reflect.Type
}

// TargetSource supplies the target object of a proxy per invocation. Implementations
// may return the same instance every time (static), create one lazily, or draw from
// a pool; the invoker must release a non-static target after the call.
// TargetSource 为代理的每次调用提供目标对象。
type TargetSource interface {
	// TargetType returns the type of targets returned by GetTarget, or nil when unknown.
	TargetType() reflect.Type
	// IsStatic reports whether GetTarget always returns the same object, in which
	// case ReleaseTarget is not required and the target may be cached.
	IsStatic() bool
	// GetTarget fetches a target instance for one invocation.
	GetTarget() (interface{}, error)
	// ReleaseTarget gives the instance back, if the source pools targets.
	ReleaseTarget(target interface{}) error
}

// Advised is the configuration-management interface implemented by every proxy
// produced by the framework. Calls to these methods on a proxy are dispatched to
// the proxy configuration rather than the target.
// Advised 是框架生成的每个代理都实现的配置管理接口。
// 对代理调用这些方法时会分派给代理配置而不是目标对象。
type Advised interface {
	// IsFrozen reports whether the configuration rejects further advice changes.
	IsFrozen() bool
	// IsExposeProxy reports whether the proxy publishes itself into the invocation
	// context so advised methods can self-invoke through the proxy.
	IsExposeProxy() bool
	// IsProxyTargetType reports whether the proxy dispatches on the concrete target
	// type rather than an interface facade.
	IsProxyTargetType() bool
	// IsPreFiltered reports whether advisors were already filtered for the target
	// type, allowing the chain resolver to skip the type-level check.
	IsPreFiltered() bool
	// TargetSource returns the configured target source.
	TargetSource() TargetSource
	// Advisors returns a snapshot of the ordered advisor list.
	Advisors() []Advisor
	// AddAdvisor appends an advisor. Fails on a frozen configuration.
	AddAdvisor(advisor Advisor) error
	// RemoveAdvisor removes the advisor at the given index. Fails on a frozen configuration.
	RemoveAdvisor(index int) error
}

// AopInfrastructureBean marks beans that are part of the AOP infrastructure itself.
// The auto-proxy creator never wraps such beans, even if an advisor would match.
// AopInfrastructureBean 标记属于 AOP 基础设施本身的 bean。
// 自动代理创建器永远不会包装这类 bean，即使有 Advisor 匹配。
type AopInfrastructureBean interface {
	AopInfrastructure()
}
