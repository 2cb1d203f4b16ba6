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

package weavego

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/test/assert"
	"github.com/weavego/weavego/txn"
	"github.com/weavego/weavego/utils/cache"
)

var appDsl = `
{
  "app": {
    "name": "demo"
  },
  "beans": [
    {
      "name": "rewriteAdvisor",
      "type": "scriptInterceptor",
      "pointcut": "method == \"Greet\"",
      "configuration": {
        "script": "function Before(method, args) { args[0] = 'world'; return args; }"
      }
    },
    {
      "name": "greeter",
      "type": "greeter"
    }
  ]
}
`

type greeter struct {
	calls int
}

func (g *greeter) Greet(name string) string {
	g.calls++
	return "hello " + name
}

func (g *greeter) Farewell(name string) string {
	return "bye " + name
}

func newGreeterComponents(t *testing.T) *ComponentRegistry {
	t.Helper()
	components := Registry.Clone()
	assert.Nil(t, components.Register("greeter", reflect.TypeOf((*greeter)(nil)),
		func(config types.Config) (interface{}, error) {
			return &greeter{}, nil
		}))
	return components
}

func TestAppLoadAndInvoke(t *testing.T) {
	app := New(types.NewConfig(), WithComponentRegistry(newGreeterComponents(t)))
	assert.Nil(t, app.Load([]byte(appDsl)))
	assert.Nil(t, app.Start())
	defer app.Stop()

	bean, err := app.GetBean("greeter")
	assert.Nil(t, err)
	_, isProxy := bean.(*aop.Proxy)
	assert.True(t, isProxy, "advised bean must be proxied, got %T", bean)

	// The script advisor rewrites the first argument before the target runs.
	result, err := app.Invoke(context.Background(), "greeter", "Greet", "ignored")
	assert.Nil(t, err)
	assert.Equal(t, "hello world", result)

	// Farewell falls outside the pointcut and runs untouched.
	result, err = app.Invoke(context.Background(), "greeter", "Farewell", "you")
	assert.Nil(t, err)
	assert.Equal(t, "bye you", result)
}

func TestAppUnknownComponentType(t *testing.T) {
	app := New(types.NewConfig())
	err := app.RegisterBeanDsl(BeanDsl{Name: "x", Type: "nope"})
	assert.True(t, types.IsConfigurationError(err))
	assert.ErrorContains(t, err, "unknown component type")
}

func TestAppBadPointcutExpression(t *testing.T) {
	app := New(types.NewConfig())
	err := app.RegisterBeanDsl(BeanDsl{
		Name:     "broken",
		Type:     "scriptInterceptor",
		Pointcut: `method startsWith`,
	})
	assert.True(t, types.IsConfigurationError(err))
}

func TestAppDoubleStart(t *testing.T) {
	app := New(types.NewConfig())
	assert.Nil(t, app.Start())
	assert.True(t, types.IsConfigurationError(app.Start()))
}

func TestAppInvokeUnadvisedBean(t *testing.T) {
	app := New(types.NewConfig(), WithComponentRegistry(newGreeterComponents(t)))
	assert.Nil(t, app.RegisterBeanDsl(BeanDsl{Name: "greeter", Type: "greeter"}))
	assert.Nil(t, app.Start())
	defer app.Stop()

	// No advisors apply, so the bean stays raw but Invoke still works.
	result, err := app.Invoke(context.Background(), "greeter", "Greet", "there")
	assert.Nil(t, err)
	assert.Equal(t, "hello there", result)
}

func TestAppWithCacheManager(t *testing.T) {
	manager := cache.NewMemoryCacheManager(time.Minute)
	defer manager.Stop()

	app := New(types.NewConfig(), WithComponentRegistry(newGreeterComponents(t)), WithCacheManager(manager))
	assert.Nil(t, app.RegisterBeanDsl(BeanDsl{
		Name:     "cacheAdvisor",
		Type:     "cacheInterceptor",
		Pointcut: `method == "Greet"`,
		Configuration: types.Configuration{
			"operations": map[string]interface{}{
				"Greet": []map[string]interface{}{
					{"kind": "Cacheable", "cacheName": "greetings", "key": "${args[0]}"},
				},
			},
		},
	}))
	assert.Nil(t, app.RegisterBeanDsl(BeanDsl{Name: "greeter", Type: "greeter"}))
	assert.Nil(t, app.Start())
	defer app.Stop()

	first, err := app.Invoke(context.Background(), "greeter", "Greet", "world")
	assert.Nil(t, err)
	assert.Equal(t, "hello world", first)

	second, err := app.Invoke(context.Background(), "greeter", "Greet", "world")
	assert.Nil(t, err)
	assert.Equal(t, "hello world", second)

	bean, err := app.GetBean("greeter")
	assert.Nil(t, err)
	target, err := bean.(*aop.Proxy).TargetSource().GetTarget()
	assert.Nil(t, err)
	assert.Equal(t, 1, target.(*greeter).calls, "second lookup must be served from the cache")

	mgr, err := app.GetBean("cacheManager")
	assert.Nil(t, err)
	assert.True(t, mgr == interface{}(manager))
}

func TestAppWithWorkerPool(t *testing.T) {
	app := New(types.NewConfig(), WithWorkerPool(4))
	defer app.Stop()
	assert.NotNil(t, app.pool)
	assert.NotNil(t, app.config.Pool)

	done := make(chan struct{})
	assert.Nil(t, app.config.Pool.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never ran the task")
	}
}

type recordedEvent struct {
	topic   string
	payload string
}

type recordingTransport struct {
	events []recordedEvent
}

func (r *recordingTransport) Publish(topic string, payload []byte) error {
	r.events = append(r.events, recordedEvent{topic: topic, payload: string(payload)})
	return nil
}

func TestAppWithEventPublisher(t *testing.T) {
	transport := &recordingTransport{}
	app := New(types.NewConfig(), WithEventPublisher(transport))
	assert.Nil(t, app.Start())
	defer app.Stop()

	bean, err := app.GetBean("eventPublisher")
	assert.Nil(t, err)
	publisher, ok := bean.(*txn.EventPublisher)
	assert.True(t, ok)

	assert.Nil(t, publisher.Publish(context.Background(), "orders", []byte("created")))
	assert.Equal(t, 1, len(transport.events))
	assert.Equal(t, "orders", transport.events[0].topic)
}
