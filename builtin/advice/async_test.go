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

package advice

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/test/assert"
)

type mailer struct {
	mu      sync.Mutex
	sent    []string
	done    chan struct{}
	failErr error
}

func (m *mailer) SendWelcome(address string) error {
	m.mu.Lock()
	m.sent = append(m.sent, address)
	m.mu.Unlock()
	defer close(m.done)
	return m.failErr
}

func (m *mailer) RenderPreview(template string) *Future {
	return CompletedFuture("rendered:" + template)
}

func (m *mailer) CountSent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newAsyncProxy(t *testing.T, target interface{}, config types.Config, methods ...string) *aop.Proxy {
	t.Helper()
	advisor, err := NewAsyncAdvisor(config, "mailer", 0, AsyncMarker{Methods: methods})
	if err != nil {
		t.Fatal(err)
	}
	factory := aop.NewProxyFactory(target)
	if err := factory.AddAdvisor(advisor); err != nil {
		t.Fatal(err)
	}
	proxy, err := factory.GetProxy()
	if err != nil {
		t.Fatal(err)
	}
	return proxy
}

func TestAsyncFireAndForget(t *testing.T) {
	target := &mailer{done: make(chan struct{})}
	proxy := newAsyncProxy(t, target, types.NewConfig(), "SendWelcome")

	result, err := proxy.Call(context.Background(), "SendWelcome", "a@b.c")
	assert.Nil(t, err)
	assert.Nil(t, result)

	select {
	case <-target.done:
	case <-time.After(2 * time.Second):
		t.Fatal("async invocation never ran")
	}
	assert.Equal(t, 1, target.CountSent())
}

func TestAsyncErrorRoutesToUncaughtHandler(t *testing.T) {
	boom := errors.New("smtp down")
	caught := make(chan error, 1)
	config := types.NewConfig(types.WithUncaughtErrorHandler(func(beanName, method string, err error) {
		caught <- err
	}))

	target := &mailer{done: make(chan struct{}), failErr: boom}
	proxy := newAsyncProxy(t, target, config, "SendWelcome")

	_, err := proxy.Call(context.Background(), "SendWelcome", "a@b.c")
	assert.Nil(t, err)

	select {
	case err := <-caught:
		assert.Equal(t, boom, err)
	case <-time.After(2 * time.Second):
		t.Fatal("uncaught handler never fired")
	}
}

func TestAsyncFutureResult(t *testing.T) {
	target := &mailer{done: make(chan struct{})}
	proxy := newAsyncProxy(t, target, types.NewConfig(), "RenderPreview")

	result, err := proxy.Call(context.Background(), "RenderPreview", "welcome")
	assert.Nil(t, err)
	future, ok := result.(*Future)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := future.Get(ctx)
	assert.Nil(t, err)
	assert.Equal(t, "rendered:welcome", value)
}

type badAsyncService struct{}

func (badAsyncService) Compute(n int) int { return n * 2 }

func TestAsyncValueReturnWithoutFutureIsError(t *testing.T) {
	proxy := newAsyncProxy(t, badAsyncService{}, types.NewConfig(), "Compute")

	_, err := proxy.Call(context.Background(), "Compute", 2)
	assert.True(t, types.IsConfigurationError(err))
}

func TestAsyncPointcutUnion(t *testing.T) {
	pointcut, err := NewAsyncPointcut(
		AsyncMarker{Methods: []string{"Send*"}},
		AsyncMarker{Methods: []string{"RenderPreview"}},
	)
	assert.Nil(t, err)

	mailerType := reflect.TypeOf(&mailer{})
	send, _ := mailerType.MethodByName("SendWelcome")
	render, _ := mailerType.MethodByName("RenderPreview")
	count, _ := mailerType.MethodByName("CountSent")

	assert.True(t, pointcut.MethodMatcher().Matches(send, mailerType))
	assert.True(t, pointcut.MethodMatcher().Matches(render, mailerType))
	assert.False(t, pointcut.MethodMatcher().Matches(count, mailerType))
}

func TestAsyncPointcutTypeMarker(t *testing.T) {
	type notifier interface{ SendWelcome(address string) error }
	pointcut, err := NewAsyncPointcut(AsyncMarker{Type: types.InterfaceType((*notifier)(nil))})
	assert.Nil(t, err)
	assert.True(t, pointcut.TypeFilter().Matches(reflect.TypeOf(&mailer{})))
	assert.False(t, pointcut.TypeFilter().Matches(reflect.TypeOf(badAsyncService{})))
}

func TestAsyncNoMarkersIsError(t *testing.T) {
	_, err := NewAsyncPointcut()
	assert.True(t, types.IsConfigurationError(err))
}

func TestFutureCompletedHelpers(t *testing.T) {
	boom := errors.New("boom")
	value, err := CompletedFuture("x").Get(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, "x", value)

	_, err = FailedFuture(boom).Get(context.Background())
	assert.Equal(t, boom, err)
}

func TestDebugInterceptorReportsInAndOut(t *testing.T) {
	var events []string
	config := types.NewConfig(types.WithOnDebug(func(beanName, flowType, method string, args []interface{}, result interface{}, err error) {
		events = append(events, flowType+":"+method)
	}))

	factory := aop.NewProxyFactory(&mailer{done: make(chan struct{})})
	if err := factory.AddAdvice(NewDebugInterceptor(config, "mailer")); err != nil {
		t.Fatal(err)
	}
	proxy, err := factory.GetProxy()
	assert.Nil(t, err)

	_, err = proxy.Call(context.Background(), "CountSent")
	assert.Nil(t, err)
	assert.Equal(t, []string{"IN:CountSent", "OUT:CountSent"}, events)
}
