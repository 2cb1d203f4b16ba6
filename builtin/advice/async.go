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
	"fmt"
	"reflect"
	"sync"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/utils/runtime"
)

// AsyncMarker declares one way a method is marked for async execution:
// type-level (every method of a marked type) or method-level (named methods,
// name patterns supported).
// AsyncMarker 声明方法被标记为异步执行的一种方式：类型级或方法级。
type AsyncMarker struct {
	// Type marks every method of assignable targets. Usually an interface
	// type obtained via types.InterfaceType.
	Type reflect.Type
	// Methods marks methods by name pattern on any target.
	Methods []string
}

// NewAsyncPointcut composes the async pointcut: for each marker, the
// type-level and method-level matches are unioned, and all markers are
// unioned together.
func NewAsyncPointcut(markers ...AsyncMarker) (types.Pointcut, error) {
	var pointcuts []types.Pointcut
	for _, marker := range markers {
		if marker.Type != nil {
			pointcuts = append(pointcuts, aop.NewStaticPointcut(&aop.AssignableTypeFilter{Base: marker.Type}, nil))
		}
		if len(marker.Methods) > 0 {
			pointcuts = append(pointcuts, aop.NameMatchMethodPointcut(marker.Methods...))
		}
	}
	if len(pointcuts) == 0 {
		return nil, types.NewConfigurationError("async pointcut needs at least one marker")
	}
	return aop.UnionPointcut(pointcuts...), nil
}

// NewAsyncAdvisor builds the complete async advisor for the markers.
func NewAsyncAdvisor(config types.Config, beanName string, order int, markers ...AsyncMarker) (types.Advisor, error) {
	pointcut, err := NewAsyncPointcut(markers...)
	if err != nil {
		return nil, err
	}
	advisor := aop.NewPointcutAdvisor(pointcut, NewAsyncInterceptor(config, beanName))
	advisor.AdvisorOrder = order
	return advisor, nil
}

// AsyncInterceptor submits the rest of the chain to the worker pool instead of
// running it on the caller. Fire-and-forget methods (no results, or an error
// result only) return immediately; their errors and panics route to the
// configured uncaught-error handler, never to the unaware caller. A method
// whose value result is declared as *Future gets a future that completes when
// the work finishes; any other value result is a configuration error.
//
// 异步拦截器：把链的剩余部分提交到工作池执行。
type AsyncInterceptor struct {
	config   types.Config
	beanName string
}

var _ types.MethodInterceptor = (*AsyncInterceptor)(nil)

// NewAsyncInterceptor creates the interceptor. beanName labels uncaught errors.
func NewAsyncInterceptor(config types.Config, beanName string) *AsyncInterceptor {
	return &AsyncInterceptor{config: config, beanName: beanName}
}

// Invoke implements types.MethodInterceptor.
func (i *AsyncInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	method := invocation.Method()
	futureMode, err := classifyAsyncReturn(method)
	if err != nil {
		return nil, err
	}
	var future *Future
	if futureMode {
		future = NewFuture()
	}
	methodName := method.Name

	task := func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr := fmt.Errorf("async invocation panicked: %v\n%s", r, runtime.Stack())
				if future != nil {
					future.complete(nil, panicErr)
				} else {
					i.reportUncaught(methodName, panicErr)
				}
			}
		}()
		result, invokeErr := invocation.Proceed()
		if future != nil {
			// Flatten a future returned by the target itself.
			if inner, ok := result.(*Future); ok && inner != nil {
				result, innerErr := inner.Get(context.Background())
				if invokeErr == nil {
					invokeErr = innerErr
				}
				future.complete(result, invokeErr)
				return
			}
			future.complete(result, invokeErr)
			return
		}
		if invokeErr != nil {
			i.reportUncaught(methodName, invokeErr)
		}
	}

	if err := i.submit(task); err != nil {
		return nil, err
	}
	if future != nil {
		return future, nil
	}
	return nil, nil
}

func (i *AsyncInterceptor) submit(task func()) error {
	if i.config.Pool != nil {
		if err := i.config.Pool.Submit(task); err != nil {
			return types.ErrConcurrencyLimitReached
		}
		return nil
	}
	go task()
	return nil
}

func (i *AsyncInterceptor) reportUncaught(methodName string, err error) {
	if handler := i.config.UncaughtErrorHandler; handler != nil {
		handler(i.beanName, methodName, err)
		return
	}
	if i.config.Logger != nil {
		i.config.Logger.Printf("uncaught error in async method %s.%s: %v", i.beanName, methodName, err)
	}
}

var futureType = reflect.TypeOf((*Future)(nil))

// classifyAsyncReturn decides between fire-and-forget and future mode.
func classifyAsyncReturn(method reflect.Method) (futureMode bool, err error) {
	mt := method.Type
	numOut := mt.NumOut()
	for out := 0; out < numOut; out++ {
		outType := mt.Out(out)
		if outType == futureType {
			futureMode = true
			continue
		}
		if out == numOut-1 && outType.Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			continue
		}
		return false, types.NewConfigurationError(
			"async method %s returns %s: async value results must be declared as *Future", method.Name, outType)
	}
	return futureMode, nil
}

// Future is the handle for an async value result.
// Future 是异步结果的句柄。
type Future struct {
	done chan struct{}
	once sync.Once

	value interface{}
	err   error
}

// NewFuture creates an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture creates a future already holding the value. Targets use it
// to hand back their result.
func CompletedFuture(value interface{}) *Future {
	f := NewFuture()
	f.complete(value, nil)
	return f
}

// FailedFuture creates a future already holding the error.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.complete(nil, err)
	return f
}

func (f *Future) complete(value interface{}, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the result is available or the context is done.
func (f *Future) Get(ctx context.Context) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
