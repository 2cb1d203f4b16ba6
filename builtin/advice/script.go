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
	"github.com/weavego/weavego/utils/js"
	"github.com/weavego/weavego/utils/maps"
)

// ScriptInterceptorConfiguration 脚本增强配置
type ScriptInterceptorConfiguration struct {
	// Script JavaScript 脚本，必须定义函数：
	//   function Before(method, args) { return args; }
	//   function After(method, args, result) { return result; }
	// 两个函数都是可选的。
	Script string
}

// ScriptInterceptor runs JavaScript hooks around the invocation: an optional
// Before function may rewrite the arguments, an optional After function may
// rewrite the result. Scripts run through goja with the Config UDFs injected
// and the configured execution timeout.
//
// 脚本拦截器：通过 goja 在调用前后执行 JavaScript 钩子。
type ScriptInterceptor struct {
	Config ScriptInterceptorConfiguration

	engine    *js.GojaJsEngine
	hasBefore bool
	hasAfter  bool
}

var _ types.MethodInterceptor = (*ScriptInterceptor)(nil)

const (
	scriptBeforeFunc = "Before"
	scriptAfterFunc  = "After"
)

// Init implements types.Initializable: decodes the configuration and compiles
// the script. Compilation failures surface here, not on first invocation.
func (i *ScriptInterceptor) Init(config types.Config, configuration types.Configuration) error {
	if err := maps.Map2Struct(configuration, &i.Config); err != nil {
		return err
	}
	if i.Config.Script == "" {
		return types.NewConfigurationError("script interceptor requires a script")
	}
	engine, err := js.NewGojaJsEngine(config, i.Config.Script, nil)
	if err != nil {
		return err
	}
	i.engine = engine
	i.hasBefore = js.ScriptDefinesFunction(i.Config.Script, scriptBeforeFunc)
	i.hasAfter = js.ScriptDefinesFunction(i.Config.Script, scriptAfterFunc)
	if !i.hasBefore && !i.hasAfter {
		return types.NewConfigurationError("script defines neither %s nor %s", scriptBeforeFunc, scriptAfterFunc)
	}
	return nil
}

// Invoke implements types.MethodInterceptor.
func (i *ScriptInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	if i.engine == nil {
		return nil, types.NewConfigurationError("script interceptor is not initialized")
	}
	methodName := invocation.Method().Name
	if i.hasBefore {
		out, err := i.engine.Execute(scriptBeforeFunc, methodName, invocation.Args())
		if err != nil {
			return nil, err
		}
		if newArgs, ok := out.([]interface{}); ok {
			invocation.SetArgs(newArgs)
		}
	}
	result, err := invocation.Proceed()
	if err != nil {
		return result, err
	}
	if i.hasAfter {
		out, afterErr := i.engine.Execute(scriptAfterFunc, methodName, invocation.Args(), result)
		if afterErr != nil {
			return nil, afterErr
		}
		return out, nil
	}
	return result, nil
}

// Destroy implements types.Destroyable.
func (i *ScriptInterceptor) Destroy() {
	if i.engine != nil {
		i.engine.Stop()
	}
}
