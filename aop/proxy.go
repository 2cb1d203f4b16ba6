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
	"context"
	"reflect"

	"github.com/weavego/weavego/api/types"
)

// Proxy is the advised stand-in for a target object. Method invocations go
// through Call, which resolves the interceptor chain for the method and walks
// it before reaching the real target. The proxy also implements types.Advised
// through its embedded configuration, so configuration queries never touch the
// target.
//
// Proxy 是目标对象的增强替身。方法调用通过 Call 进行：先解析该方法的拦截器链，
// 沿链执行，最后到达真实目标。代理通过内嵌配置实现 types.Advised，
// 配置查询不会触达目标对象。
type Proxy struct {
	*AdvisedSupport
	beanName string
}

var _ types.Advised = (*Proxy)(nil)

// NewProxy wraps the configuration into a callable proxy.
func NewProxy(config *AdvisedSupport, beanName string) *Proxy {
	return &Proxy{AdvisedSupport: config, beanName: beanName}
}

// BeanName returns the name the proxied bean is registered under, if any.
func (p *Proxy) BeanName() string {
	return p.beanName
}

// Call invokes methodName on the advised target through the interceptor chain.
// Arguments follow the invocation convention: no receiver, no leading
// context.Context (the ctx parameter supplies it). The result is the method's
// value result after the chain ran.
//
// Behavior:
//   - with ExposeProxy set, the proxy is published into ctx for the duration
//     of the call so the target can self-invoke through it;
//   - a non-static target source is asked for a target per call and the target
//     is released when the call finishes;
//   - when the resolved chain is empty the target method is called directly;
//   - a target method that returns its own receiver has the result replaced
//     by the proxy, so fluent APIs stay advised.
func (p *Proxy) Call(ctx context.Context, methodName string, args ...interface{}) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	targetSource := p.TargetSource()
	targetType := targetSource.TargetType()

	var target interface{}
	var err error
	if targetSource.IsStatic() {
		target, err = targetSource.GetTarget()
		if err != nil {
			return nil, err
		}
	} else {
		// Late binding: fetch the target as close to the call as possible.
		target, err = targetSource.GetTarget()
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = targetSource.ReleaseTarget(target)
		}()
	}
	if targetType == nil && target != nil {
		targetType = reflect.TypeOf(target)
	}
	if targetType == nil {
		return nil, types.NewConfigurationError("proxy %q has no target type: cannot resolve method %s", p.beanName, methodName)
	}

	method, ok := targetType.MethodByName(methodName)
	if !ok {
		return nil, types.NewConfigurationError("type %s has no method %s", targetType, methodName)
	}

	if p.IsExposeProxy() {
		ctx = WithCurrentProxy(ctx, p)
	}

	chain, err := p.InterceptorChain(method, targetType)
	if err != nil {
		return nil, err
	}

	var result interface{}
	if len(chain) == 0 {
		if target == nil {
			return nil, types.NewConfigurationError("no target for method %s and the interceptor chain did not handle the invocation", methodName)
		}
		mv := reflect.ValueOf(target).MethodByName(methodName)
		if !mv.IsValid() {
			return nil, types.NewConfigurationError("target %T has no method %s", target, methodName)
		}
		result, err = InvokeMethodValue(ctx, mv, args)
	} else {
		invocation := NewMethodInvocation(ctx, p, target, targetType, method, args, chain)
		result, err = invocation.Proceed()
	}
	if err != nil {
		return result, err
	}

	// Fluent API support: a method returning its own receiver yields the proxy.
	if result != nil && target != nil && reflect.TypeOf(result).Comparable() &&
		reflect.TypeOf(target).Comparable() && result == target {
		result = p
	}
	return result, nil
}

// ProxyFactory assembles proxies by hand, outside the auto-proxy machinery.
// 手动组装代理的工厂，不经过自动代理机制。
type ProxyFactory struct {
	*AdvisedSupport
}

// NewProxyFactory builds a factory around a singleton target.
func NewProxyFactory(target interface{}) *ProxyFactory {
	config := NewAdvisedSupport(NewSingletonTargetSource(target))
	return &ProxyFactory{AdvisedSupport: config}
}

// NewProxyFactoryForSource builds a factory around an explicit target source.
func NewProxyFactoryForSource(targetSource types.TargetSource) *ProxyFactory {
	return &ProxyFactory{AdvisedSupport: NewAdvisedSupport(targetSource)}
}

// GetProxy materializes the proxy. A configuration with no advisors and no
// reachable target is rejected: such a proxy could never complete any call.
func (f *ProxyFactory) GetProxy() (*Proxy, error) {
	return f.GetNamedProxy("")
}

// GetNamedProxy materializes the proxy with a bean name attached.
func (f *ProxyFactory) GetNamedProxy(beanName string) (*Proxy, error) {
	targetSource := f.TargetSource()
	if f.AdvisorCount() == 0 {
		if _, isEmpty := targetSource.(*EmptyTargetSource); isEmpty {
			return nil, types.NewConfigurationError("cannot create proxy %q: no advisors and no target", beanName)
		}
	}
	return NewProxy(f.AdvisedSupport, beanName), nil
}
