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

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// ReflectiveMethodInvocation walks an interceptor chain and finally calls the
// target method through reflection. Each Proceed call advances the cursor by
// one; an interceptor that calls Proceed more than once re-runs the tail of
// the chain, which is intentional (retry interceptors rely on it).
//
// ReflectiveMethodInvocation 沿拦截器链前进并最终通过反射调用目标方法。
// 每次 Proceed 将游标前进一格；拦截器多次调用 Proceed 会重跑链的剩余部分，
// 这是有意为之（重试类拦截器依赖它）。
type ReflectiveMethodInvocation struct {
	ctx        context.Context
	proxy      interface{}
	target     interface{}
	targetType reflect.Type
	method     reflect.Method
	args       []interface{}
	chain      []interface{}
	current    int
}

var _ types.MethodInvocation = (*ReflectiveMethodInvocation)(nil)

// NewMethodInvocation creates an invocation positioned before the first chain entry.
func NewMethodInvocation(ctx context.Context, proxy interface{}, target interface{}, targetType reflect.Type,
	method reflect.Method, args []interface{}, chain []interface{}) *ReflectiveMethodInvocation {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ReflectiveMethodInvocation{
		ctx:        ctx,
		proxy:      proxy,
		target:     target,
		targetType: targetType,
		method:     method,
		args:       args,
		chain:      chain,
	}
}

func (inv *ReflectiveMethodInvocation) Context() context.Context {
	return inv.ctx
}

// SetContext replaces the invocation context for the rest of the chain.
func (inv *ReflectiveMethodInvocation) SetContext(ctx context.Context) {
	if ctx != nil {
		inv.ctx = ctx
	}
}

func (inv *ReflectiveMethodInvocation) Method() reflect.Method {
	return inv.method
}

func (inv *ReflectiveMethodInvocation) Args() []interface{} {
	return inv.args
}

func (inv *ReflectiveMethodInvocation) SetArgs(args []interface{}) {
	inv.args = args
}

func (inv *ReflectiveMethodInvocation) Target() interface{} {
	return inv.target
}

func (inv *ReflectiveMethodInvocation) Proxy() interface{} {
	return inv.proxy
}

// Proceed implements types.MethodInvocation.
func (inv *ReflectiveMethodInvocation) Proceed() (interface{}, error) {
	if inv.current >= len(inv.chain) {
		return inv.invokeJoinpoint()
	}
	entry := inv.chain[inv.current]
	inv.current++
	switch e := entry.(type) {
	case interceptorAndDynamicMethodMatcher:
		// Runtime match failed: skip this interceptor silently.
		if !e.matcher.MatchesArgs(inv.method, inv.targetType, inv.args) {
			return inv.Proceed()
		}
		return e.interceptor.Invoke(inv)
	case types.MethodInterceptor:
		return e.Invoke(inv)
	default:
		return nil, types.NewConfigurationError("unknown interceptor chain entry %T", entry)
	}
}

// invokeJoinpoint calls the real target method with the current arguments.
func (inv *ReflectiveMethodInvocation) invokeJoinpoint() (interface{}, error) {
	if inv.target == nil {
		return nil, types.NewConfigurationError("no target for method %s and the interceptor chain did not handle the invocation", inv.method.Name)
	}
	mv := reflect.ValueOf(inv.target).MethodByName(inv.method.Name)
	if !mv.IsValid() {
		return nil, types.NewConfigurationError("target %T has no method %s", inv.target, inv.method.Name)
	}
	return InvokeMethodValue(inv.ctx, mv, inv.args)
}

// InvokeMethodValue calls a bound method value with the framework's argument
// and result conventions: a leading context.Context parameter is filled from
// ctx, a trailing error result is split off, zero value results map to nil,
// one maps to the value itself, several map to []interface{}.
func InvokeMethodValue(ctx context.Context, mv reflect.Value, args []interface{}) (interface{}, error) {
	mt := mv.Type()
	numIn := mt.NumIn()
	offset := 0
	if numIn > 0 && mt.In(0) == contextType {
		offset = 1
	}
	if len(args) != numIn-offset && !mt.IsVariadic() {
		return nil, types.NewConfigurationError("argument count mismatch: method wants %d, invocation has %d", numIn-offset, len(args))
	}
	in := make([]reflect.Value, 0, numIn)
	if offset == 1 {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		paramIndex := i + offset
		var paramType reflect.Type
		if mt.IsVariadic() && paramIndex >= numIn-1 {
			paramType = mt.In(numIn - 1).Elem()
		} else {
			paramType = mt.In(paramIndex)
		}
		if arg == nil {
			in = append(in, reflect.Zero(paramType))
			continue
		}
		av := reflect.ValueOf(arg)
		if av.Type() != paramType && !av.Type().AssignableTo(paramType) {
			if !av.Type().ConvertibleTo(paramType) {
				return nil, types.NewConfigurationError("argument %d: %s is not assignable to %s", i, av.Type(), paramType)
			}
			av = av.Convert(paramType)
		}
		in = append(in, av)
	}
	out := mv.Call(in)
	return mapResults(out)
}

// mapResults applies the result convention to reflect call results.
func mapResults(out []reflect.Value) (interface{}, error) {
	var err error
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			err = out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, err
	case 1:
		return out[0].Interface(), err
	default:
		values := make([]interface{}, len(out))
		for i, v := range out {
			values[i] = v.Interface()
		}
		return values, err
	}
}
