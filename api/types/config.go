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
	"reflect"
	"time"
)

// Pool is the interface for a goroutine pool. If not configured, async advice
// falls back to plain `go func`.
// Pool 协程池接口。如果未配置，异步增强默认使用 go func 方式。
type Pool interface {
	// Submit submits a task to the pool. Returns an error if the pool is full.
	// Submit 往协程池提交一个任务，如果协程池满返回错误。
	Submit(task func()) error
	// Release releases the pool.
	// Release 释放。
	Release()
}

// Config defines the container-wide configuration shared by the bean factory,
// the proxy engine and the built-in advice.
type Config struct {
	// OnDebug is a callback for invocation debug information. It is only called
	// for beans advised by the debug interceptor.
	// - beanName: name of the advised bean.
	// - flowType: either In (entering the chain) or Out (leaving the chain).
	// - method: name of the invoked method.
	// - result: method result for Out events, nil for In events.
	// - err: error information, if any.
	OnDebug func(beanName string, flowType string, method string, args []interface{}, result interface{}, err error)
	// ExpressionMaxExecutionTime is the maximum execution time for pointcut,
	// key and condition expressions, defaulting to 2000 milliseconds.
	ExpressionMaxExecutionTime time.Duration
	// Pool is the goroutine pool used by async advice. If nil, `go func` is used.
	Pool Pool
	// Logger is the logging interface, defaulting to DefaultLogger().
	Logger Logger
	// Properties are global properties in key-value format. Expression contexts
	// expose them under the `global` variable.
	Properties map[string]string
	// Udf registers custom functions callable from script advice bodies and
	// expression pointcuts.
	Udf map[string]interface{}
	// Cache is the default cache instance used when a cache operation's manager
	// cannot resolve a named cache and no explicit manager is configured.
	Cache Cache
	// UncaughtErrorHandler receives errors (and recovered panics) escaping
	// fire-and-forget async invocations. Defaults to logging via Logger.
	UncaughtErrorHandler func(beanName string, method string, err error)
}

// RegisterUdf registers a custom function callable from expressions and script advice.
func (c *Config) RegisterUdf(name string, value interface{}) {
	if c.Udf == nil {
		c.Udf = make(map[string]interface{})
	}
	c.Udf[name] = value
}

// Properties value lookup, tolerating a nil map.
func (c *Config) Property(key string) string {
	if c.Properties == nil {
		return ""
	}
	return c.Properties[key]
}

// NewConfig creates a new Config with default values and applies the provided options.
func NewConfig(opts ...Option) Config {
	c := &Config{
		ExpressionMaxExecutionTime: time.Millisecond * 2000,
		Logger:                     DefaultLogger(),
		Properties:                 make(map[string]string),
	}

	for _, opt := range opts {
		_ = opt(c)
	}
	return *c
}

// Option modifies a Config.
type Option func(*Config) error

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithCache sets the default cache instance.
func WithCache(cache Cache) Option {
	return func(c *Config) error {
		c.Cache = cache
		return nil
	}
}

// WithPool sets the goroutine pool used by async advice.
func WithPool(pool Pool) Option {
	return func(c *Config) error {
		c.Pool = pool
		return nil
	}
}

// WithOnDebug sets the invocation debug callback.
func WithOnDebug(onDebug func(beanName string, flowType string, method string, args []interface{}, result interface{}, err error)) Option {
	return func(c *Config) error {
		c.OnDebug = onDebug
		return nil
	}
}

// WithProperties sets global properties.
func WithProperties(properties map[string]string) Option {
	return func(c *Config) error {
		c.Properties = properties
		return nil
	}
}

// WithUncaughtErrorHandler sets the handler for errors escaping async invocations.
func WithUncaughtErrorHandler(handler func(beanName string, method string, err error)) Option {
	return func(c *Config) error {
		c.UncaughtErrorHandler = handler
		return nil
	}
}

// Invocation debug flow types.
const (
	In  = "IN"
	Out = "OUT"
)

// InterfaceType returns the reflect.Type of the interface pointed to by ptr,
// e.g. InterfaceType((*MyService)(nil)). Helper for type-based bean lookup.
func InterfaceType(ptr interface{}) reflect.Type {
	return reflect.TypeOf(ptr).Elem()
}
