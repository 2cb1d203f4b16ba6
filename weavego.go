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

// Package weavego provides a lightweight, embedded dependency-injection
// container with aspect-oriented method interception.
//
// # Usage
//
// Declare beans in a JSON application definition and let the container wire
// proxies around them. Application definition format:
//
//	{
//	  "app": {
//	    "name": "demo"
//	  },
//	  "beans": [
//	    {
//	      "name": "traceAdvisor",
//	      "type": "scriptInterceptor",
//	      "pointcut": "method startsWith \"Place\"",
//	      "configuration": {
//	        "script": "function Before(method, args) { return args; }"
//	      }
//	    }
//	  ]
//	}
//
// beans: configure components. Built-in components (script and debug
// interceptors) are available without writing any code; domain beans register
// their own component types or bean definitions programmatically.
//
// pointcut: an expression selecting the join points the component advises.
// Beans without a pointcut are ordinary components, proxied automatically when
// an advisor applies to them.
package weavego

import (
	"context"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/builtin/advice"
	"github.com/weavego/weavego/engine"
	"github.com/weavego/weavego/txn"
	"github.com/weavego/weavego/utils/mqtt"
	"github.com/weavego/weavego/utils/pool"
)

// App is an assembled application: a bean container with auto-proxying and
// aspect advisor synthesis wired in.
// App 是一个组装好的应用：带有自动代理和切面合成能力的 bean 容器。
type App struct {
	config     types.Config
	components *ComponentRegistry
	container  *engine.Container
	creator    *engine.AutoProxyCreator
	aspects    *engine.AspectAdvisorBuilder
	pool       *pool.WorkerPool
	mqttClient *mqtt.Client
	setup      []func(*App)
	initErr    error
	started    bool
}

// AppOption customizes an App before it starts.
type AppOption func(*App)

// WithComponentRegistry replaces the default component registry.
func WithComponentRegistry(registry *ComponentRegistry) AppOption {
	return func(a *App) {
		if registry != nil {
			a.components = registry
		}
	}
}

// WithCacheManager registers the cache manager as the singleton "cacheManager"
// and makes the "cacheInterceptor" component type available to declarative
// advisor beans.
func WithCacheManager(manager types.CacheManager) AppOption {
	return func(a *App) {
		_ = a.components.Register("cacheInterceptor", nil,
			func(config types.Config) (interface{}, error) {
				return advice.NewCacheInterceptor(config, manager, nil), nil
			})
		a.setup = append(a.setup, func(a *App) {
			_ = a.container.Registry().RegisterSingleton("cacheManager", manager)
		})
	}
}

// WithTransactionManager registers the transaction manager as the singleton
// "transactionManager" and makes the "transactionInterceptor" component type
// available to declarative advisor beans.
func WithTransactionManager(manager types.TransactionManager) AppOption {
	return func(a *App) {
		_ = a.components.Register("transactionInterceptor", nil,
			func(config types.Config) (interface{}, error) {
				return advice.NewTransactionInterceptor(manager), nil
			})
		a.setup = append(a.setup, func(a *App) {
			_ = a.container.Registry().RegisterSingleton("transactionManager", manager)
		})
	}
}

// WithExposeProxy makes every generated proxy publish itself into the
// invocation context, enabling self-invocation through the proxy.
func WithExposeProxy() AppOption {
	return func(a *App) {
		a.setup = append(a.setup, func(a *App) {
			a.creator.ExposeProxy = true
		})
	}
}

// WithWorkerPool runs async advice on a bounded worker pool instead of bare
// goroutines. maxWorkers <= 0 means no limit. The pool stops with the app.
func WithWorkerPool(maxWorkers int) AppOption {
	return func(a *App) {
		wp := &pool.WorkerPool{MaxWorkersCount: maxWorkers}
		wp.Start()
		a.pool = wp
		a.config.Pool = wp
	}
}

// WithEventPublisher registers the transactional "eventPublisher" singleton
// over the given transport. Events published inside a transaction are held
// until commit.
func WithEventPublisher(transport txn.EventTransport) AppOption {
	return func(a *App) {
		a.setup = append(a.setup, func(a *App) {
			_ = a.container.Registry().RegisterSingleton("eventPublisher", txn.NewEventPublisher(transport))
		})
	}
}

// WithMQTTEventPublisher connects to an mqtt broker and registers the
// transactional "eventPublisher" singleton over it. The connection closes
// with the app. A failed connect surfaces from Start.
func WithMQTTEventPublisher(ctx context.Context, conf mqtt.Config) AppOption {
	return func(a *App) {
		a.setup = append(a.setup, func(a *App) {
			client, err := mqtt.NewClient(ctx, conf)
			if err != nil {
				a.initErr = types.NewConfigurationError("event publisher mqtt connect: %v", err)
				return
			}
			a.mqttClient = client
			_ = a.container.Registry().RegisterSingleton("eventPublisher", txn.NewEventPublisher(client))
		})
	}
}

// New creates an application container with the given configuration.
func New(config types.Config, opts ...AppOption) *App {
	app := &App{
		config:     config,
		components: Registry.Clone(),
	}
	// Options run in two stages: the option itself may adjust the
	// configuration, the setup functions see the assembled container.
	for _, opt := range opts {
		opt(app)
	}

	container := engine.NewContainer(app.config)
	registry := container.Registry()
	creator := engine.NewAutoProxyCreator(registry)
	aspects := engine.NewAspectAdvisorBuilder(registry, registry)
	creator.AdvisorSources = append(creator.AdvisorSources, aspects)
	registry.AddBeanPostProcessor(creator)
	app.container = container
	app.creator = creator
	app.aspects = aspects

	for _, fn := range app.setup {
		fn(app)
	}
	return app
}

// Load parses a JSON application definition and registers its bean
// declarations. Call before Start.
func (a *App) Load(dsl []byte) error {
	def, err := ParseAppDefinition(dsl)
	if err != nil {
		return err
	}
	for i := range def.Beans {
		if err := a.RegisterBeanDsl(def.Beans[i]); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBeanDsl registers one declarative bean. Components with a pointcut
// become advisor beans wrapping the component as their advice.
func (a *App) RegisterBeanDsl(dsl BeanDsl) error {
	factory, instanceType, ok := a.components.Get(dsl.Type)
	if !ok {
		return types.NewConfigurationError("bean %q: unknown component type %q", dsl.Name, dsl.Type)
	}
	def := &types.BeanDefinition{
		Name:          dsl.Name,
		Type:          instanceType,
		Scope:         dsl.Scope,
		Aspect:        dsl.Aspect,
		Order:         dsl.Order,
		Configuration: dsl.Configuration,
	}
	config := a.config
	if dsl.Pointcut == "" {
		def.Factory = func(beanFactory types.BeanFactory) (interface{}, error) {
			return factory(config)
		}
		return a.container.Registry().RegisterBeanDefinition(def)
	}

	pointcut, err := aop.NewExpressionPointcut(dsl.Pointcut)
	if err != nil {
		return types.NewConfigurationError("bean %q pointcut: %v", dsl.Name, err)
	}
	configuration := dsl.Configuration
	order := dsl.Order
	def.Type = advisorBeanType
	def.Factory = func(beanFactory types.BeanFactory) (interface{}, error) {
		component, err := factory(config)
		if err != nil {
			return nil, err
		}
		// The advisor hides the component from the container, so its
		// declarative configuration is applied here.
		if initializable, ok := component.(types.Initializable); ok {
			if err := initializable.Init(config, configuration); err != nil {
				return nil, err
			}
		}
		return &aop.PointcutAdvisor{
			AdvisorPointcut: pointcut,
			AdvisorAdvice:   component,
			AdvisorOrder:    order,
		}, nil
	}
	return a.container.Registry().RegisterBeanDefinition(def)
}

var advisorBeanType = types.InterfaceType((*types.Advisor)(nil))

// RegisterBean registers a programmatic bean definition.
func (a *App) RegisterBean(def *types.BeanDefinition) error {
	return a.container.Registry().RegisterBeanDefinition(def)
}

// Start refreshes the container: post-processing phases run and all singletons
// are built, proxied where advisors apply.
func (a *App) Start() error {
	if a.started {
		return types.NewConfigurationError("app already started")
	}
	if a.initErr != nil {
		return a.initErr
	}
	a.started = true
	return a.container.Refresh()
}

// GetBean returns the processed bean instance, a *aop.Proxy for advised beans.
func (a *App) GetBean(name string) (interface{}, error) {
	return a.container.Registry().GetBean(name)
}

// Invoke calls a method on a named bean, through its proxy when advised.
// 通过名称调用 bean 的方法，被增强的 bean 会经过其代理。
func (a *App) Invoke(ctx context.Context, beanName string, method string, args ...interface{}) (interface{}, error) {
	bean, err := a.GetBean(beanName)
	if err != nil {
		return nil, err
	}
	if proxy, ok := bean.(*aop.Proxy); ok {
		return proxy.Call(ctx, method, args...)
	}
	adHoc := aop.NewProxyFactory(bean)
	proxy, err := adHoc.GetNamedProxy(beanName)
	if err != nil {
		return nil, err
	}
	return proxy.Call(ctx, method, args...)
}

// Container exposes the underlying lifecycle container.
func (a *App) Container() *engine.Container {
	return a.container
}

// AutoProxyCreator exposes the auto-proxy creator for advanced configuration
// (common interceptors, target source creators, proxy flags).
func (a *App) AutoProxyCreator() *engine.AutoProxyCreator {
	return a.creator
}

// InvalidateAspectCache drops cached aspect advisors, for applications that
// register aspects after start.
func (a *App) InvalidateAspectCache() {
	a.aspects.InvalidateCache()
	a.creator.InvalidateAdvisorCache()
}

// Stop destroys all singletons in reverse creation order and releases the
// worker pool and broker connection if the app owns them.
func (a *App) Stop() {
	a.container.Close()
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.mqttClient != nil {
		_ = a.mqttClient.Close()
	}
}
