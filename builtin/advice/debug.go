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
	"github.com/weavego/weavego/api/types"
)

// DebugInterceptor reports every advised invocation through Config.OnDebug,
// once on the way in and once on the way out.
// 调试拦截器：通过 Config.OnDebug 上报每次调用的进入和返回。
type DebugInterceptor struct {
	config   types.Config
	beanName string
}

var _ types.MethodInterceptor = (*DebugInterceptor)(nil)

func NewDebugInterceptor(config types.Config, beanName string) *DebugInterceptor {
	return &DebugInterceptor{config: config, beanName: beanName}
}

func (i *DebugInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	onDebug := i.config.OnDebug
	if onDebug == nil {
		return invocation.Proceed()
	}
	methodName := invocation.Method().Name
	onDebug(i.beanName, types.In, methodName, invocation.Args(), nil, nil)
	result, err := invocation.Proceed()
	onDebug(i.beanName, types.Out, methodName, invocation.Args(), result, err)
	return result, err
}
