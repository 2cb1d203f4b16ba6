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
	"errors"
	"reflect"
	"testing"

	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/test/assert"
)

type greeter struct {
	failWith error
}

func (g *greeter) Greet(name string) string {
	return "hello " + name
}

func (g *greeter) GreetCtx(ctx context.Context, name string) (string, error) {
	if g.failWith != nil {
		return "", g.failWith
	}
	return "hello " + name, nil
}

func (g *greeter) Chain() *greeter {
	return g
}

type traceInterceptor struct {
	name string
	log  *[]string
}

func (i *traceInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	*i.log = append(*i.log, i.name+">")
	result, err := invocation.Proceed()
	*i.log = append(*i.log, "<"+i.name)
	return result, err
}

func TestProxyCallPlain(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	var log []string
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, &traceInterceptor{name: "a", log: &log}))
	proxy, err := factory.GetProxy()
	assert.Nil(t, err)

	result, err := proxy.Call(context.Background(), "Greet", "world")
	assert.Nil(t, err)
	assert.Equal(t, "hello world", result)
	assert.Equal(t, []string{"a>", "<a"}, log)
}

func TestProxyCallChainOrder(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	var log []string
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, &traceInterceptor{name: "outer", log: &log}))
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, &traceInterceptor{name: "inner", log: &log}))
	proxy, _ := factory.GetProxy()

	_, err := proxy.Call(context.Background(), "Greet", "x")
	assert.Nil(t, err)
	assert.Equal(t, []string{"outer>", "inner>", "<inner", "<outer"}, log)
}

func TestProxyCallContextMethod(t *testing.T) {
	boom := errors.New("boom")
	factory := NewProxyFactory(&greeter{failWith: boom})
	var log []string
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, &traceInterceptor{name: "t", log: &log}))
	proxy, _ := factory.GetProxy()

	result, err := proxy.Call(context.Background(), "GreetCtx", "x")
	assert.Equal(t, boom, err)
	assert.Equal(t, "", result)
}

func TestProxyEmptyChainFastPath(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	// One advisor that matches nothing, so the chain resolves empty.
	_ = factory.AddAdvisor(NewPointcutAdvisor(NameMatchMethodPointcut("NoSuchMethod"), noopInterceptor{}))
	proxy, _ := factory.GetProxy()

	result, err := proxy.Call(context.Background(), "Greet", "direct")
	assert.Nil(t, err)
	assert.Equal(t, "hello direct", result)
}

func TestProxySelfReturnYieldsProxy(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, noopInterceptor{}))
	proxy, _ := factory.GetProxy()

	result, err := proxy.Call(context.Background(), "Chain")
	assert.Nil(t, err)
	assert.Equal(t, interface{}(proxy), result)
}

func TestProxyExposeProxy(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	factory.SetExposeProxy(true)
	var seen interface{}
	_ = factory.AddAdvice(captureProxyInterceptor{seen: &seen})
	proxy, _ := factory.GetProxy()

	_, err := proxy.Call(context.Background(), "Greet", "x")
	assert.Nil(t, err)
	assert.Equal(t, interface{}(proxy), seen)
}

type captureProxyInterceptor struct {
	seen *interface{}
}

func (i captureProxyInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	*i.seen = CurrentProxy(invocation.Context())
	return invocation.Proceed()
}

func TestProxyFrozenRejectsMutation(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, noopInterceptor{}))
	factory.SetFrozen(true)

	err := factory.AddAdvisor(NewPointcutAdvisor(nil, noopInterceptor{}))
	assert.True(t, types.IsConfigurationError(err))
	err = factory.RemoveAdvisor(0)
	assert.True(t, types.IsConfigurationError(err))
}

func TestProxyNoAdvisorsNoTarget(t *testing.T) {
	factory := NewProxyFactoryForSource(TargetSourceEmpty)
	_, err := factory.GetProxy()
	assert.True(t, types.IsConfigurationError(err))
}

func TestProxyUnknownMethod(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, noopInterceptor{}))
	proxy, _ := factory.GetProxy()

	_, err := proxy.Call(context.Background(), "Explode")
	assert.True(t, types.IsConfigurationError(err))
}

func TestDynamicMatcherSkipsInterceptor(t *testing.T) {
	pc, err := NewExpressionPointcut(`args[0] == "match"`)
	assert.Nil(t, err)

	factory := NewProxyFactory(&greeter{})
	var log []string
	_ = factory.AddAdvisor(NewPointcutAdvisor(pc, &traceInterceptor{name: "dyn", log: &log}))
	proxy, _ := factory.GetProxy()

	_, _ = proxy.Call(context.Background(), "Greet", "match")
	assert.Equal(t, []string{"dyn>", "<dyn"}, log)

	log = nil
	result, err := proxy.Call(context.Background(), "Greet", "other")
	assert.Nil(t, err)
	assert.Equal(t, "hello other", result)
	assert.Equal(t, 0, len(log))
}

func TestBeforeAdviceAdapter(t *testing.T) {
	factory := NewProxyFactory(&greeter{})
	var calls []string
	_ = factory.AddAdvice(beforeRecorder{calls: &calls})
	proxy, _ := factory.GetProxy()

	_, err := proxy.Call(context.Background(), "Greet", "x")
	assert.Nil(t, err)
	assert.Equal(t, []string{"before Greet"}, calls)
}

func TestBeforeAdviceAborts(t *testing.T) {
	abort := errors.New("denied")
	factory := NewProxyFactory(&greeter{})
	_ = factory.AddAdvice(beforeRecorder{fail: abort})
	proxy, _ := factory.GetProxy()

	_, err := proxy.Call(context.Background(), "Greet", "x")
	assert.Equal(t, abort, err)
}

type beforeRecorder struct {
	calls *[]string
	fail  error
}

func (b beforeRecorder) Before(ctx context.Context, method reflect.Method, args []interface{}, target interface{}) error {
	if b.fail != nil {
		return b.fail
	}
	*b.calls = append(*b.calls, "before "+method.Name)
	return nil
}

func TestThrowsAdviceObservesError(t *testing.T) {
	boom := errors.New("boom")
	factory := NewProxyFactory(&greeter{failWith: boom})
	var observed error
	_ = factory.AddAdvice(throwsRecorder{observed: &observed})
	proxy, _ := factory.GetProxy()

	_, err := proxy.Call(context.Background(), "GreetCtx", "x")
	assert.Equal(t, boom, err)
	assert.Equal(t, boom, observed)
}

type throwsRecorder struct {
	observed *error
}

func (r throwsRecorder) AfterThrowing(ctx context.Context, method reflect.Method, args []interface{}, target interface{}, err error) {
	*r.observed = err
}

func TestLazyInitTargetSource(t *testing.T) {
	built := 0
	source := &LazyInitTargetSource{
		DeclaredType: reflect.TypeOf(&greeter{}),
		Build: func() (interface{}, error) {
			built++
			return &greeter{}, nil
		},
	}
	factory := NewProxyFactoryForSource(source)
	_ = factory.AddAdvisor(NewPointcutAdvisor(nil, noopInterceptor{}))
	proxy, _ := factory.GetProxy()

	assert.Equal(t, 0, built)
	_, err := proxy.Call(context.Background(), "Greet", "lazy")
	assert.Nil(t, err)
	_, _ = proxy.Call(context.Background(), "Greet", "again")
	assert.Equal(t, 1, built)
}
