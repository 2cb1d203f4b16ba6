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

import "context"

type currentProxyKey struct{}

// WithCurrentProxy binds the proxy into the context so advised code can
// self-invoke through its own proxy instead of bypassing the chain.
// WithCurrentProxy 将代理绑定到上下文，使被增强代码可以通过自身代理自调用，
// 而不是绕过拦截器链。
func WithCurrentProxy(ctx context.Context, proxy interface{}) context.Context {
	return context.WithValue(ctx, currentProxyKey{}, proxy)
}

// CurrentProxy returns the proxy bound to the context by an ExposeProxy
// invocation, or nil when the context carries none.
func CurrentProxy(ctx context.Context) interface{} {
	if ctx == nil {
		return nil
	}
	return ctx.Value(currentProxyKey{})
}
