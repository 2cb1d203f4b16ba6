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

// Package js executes the JavaScript bodies of script advice through the goja
// library: VM pooling, precompiled programs, UDF injection and an execution
// timeout taken from the framework configuration.
package js

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"

	"github.com/weavego/weavego/api/types"
)

const (
	// GlobalKey exposes config.Properties inside scripts as global.xx.
	GlobalKey = "global"
)

// GojaJsEngine compiles a script once and runs its functions on pooled VMs.
type GojaJsEngine struct {
	vmPool            chan *goja.Runtime
	config            types.Config
	jsScript          *goja.Program
	jsUdfProgramCache map[string]*goja.Program
	fromVars          map[string]interface{}
}

// NewGojaJsEngine creates a new engine for the given script source. fromVars
// are bound into every VM before the script runs.
func NewGojaJsEngine(config types.Config, jsScript string, fromVars map[string]interface{}) (*GojaJsEngine, error) {
	program, err := goja.Compile("", jsScript, true)
	if err != nil {
		return nil, err
	}
	jsEngine := &GojaJsEngine{
		config:   config,
		jsScript: program,
		fromVars: fromVars,
		vmPool:   make(chan *goja.Runtime, 8),
	}
	if err = jsEngine.preCompileUdf(config); err != nil {
		return nil, err
	}
	return jsEngine, nil
}

// preCompileUdf precompiles string UDFs so each VM only replays the programs.
func (g *GojaJsEngine) preCompileUdf(config types.Config) error {
	jsUdfProgramCache := make(map[string]*goja.Program)
	for k, v := range config.Udf {
		if jsFuncStr, ok := v.(string); ok {
			p, err := goja.Compile(k, jsFuncStr, true)
			if err != nil {
				return err
			}
			jsUdfProgramCache[k] = p
		}
	}
	g.jsUdfProgramCache = jsUdfProgramCache
	return nil
}

// newVm builds a VM with vars, global properties and UDFs bound, then runs the
// main script so its function declarations become available.
func (g *GojaJsEngine) newVm() *goja.Runtime {
	vm := goja.New()
	for k, v := range g.fromVars {
		if err := vm.Set(k, v); err != nil {
			g.config.Logger.Printf("set var %s error: %s", k, err.Error())
		}
	}
	if len(g.config.Properties) != 0 {
		if err := vm.Set(GlobalKey, g.config.Properties); err != nil {
			g.config.Logger.Printf("set global properties error: %s", err.Error())
		}
	}
	for k, v := range g.config.Udf {
		var err error
		if _, ok := v.(string); ok {
			if p, exists := g.jsUdfProgramCache[k]; exists {
				_, err = vm.RunProgram(p)
			}
		} else {
			// direct Go function
			err = vm.Set(k, v)
		}
		if err != nil {
			g.config.Logger.Printf("bind udf %s error: %s", k, err.Error())
		}
	}

	timer := g.startTimeout(vm)
	_, err := vm.RunProgram(g.jsScript)
	g.stopTimeout(timer)
	if err != nil {
		g.config.Logger.Printf("js vm error: %s", err.Error())
	}
	return vm
}

// Execute runs the named function of the script with the given arguments.
func (g *GojaJsEngine) Execute(functionName string, argumentList ...interface{}) (out interface{}, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("%s", caught)
		}
	}()

	var vm *goja.Runtime
	select {
	case vm = <-g.vmPool:
	default:
		vm = g.newVm()
	}
	defer func() {
		select {
		case g.vmPool <- vm:
		default:
		}
	}()

	var timer *time.Timer
	if g.config.ExpressionMaxExecutionTime > 0 {
		timer = g.startTimeout(vm)
		defer g.stopTimeout(timer)
	}

	f, ok := goja.AssertFunction(vm.Get(functionName))
	if !ok {
		return nil, errors.New(functionName + " is not a function")
	}

	var params []goja.Value
	if len(argumentList) > 0 {
		params = make([]goja.Value, len(argumentList))
		for i, v := range argumentList {
			params[i] = vm.ToValue(v)
		}
	}

	res, err := f(goja.Undefined(), params...)
	if err != nil {
		return nil, err
	}
	return res.Export(), nil
}

// Stop releases pooled VMs.
func (g *GojaJsEngine) Stop() {
	for {
		select {
		case <-g.vmPool:
		default:
			return
		}
	}
}

// startTimeout interrupts the VM when script execution exceeds the configured limit.
func (g *GojaJsEngine) startTimeout(vm *goja.Runtime) *time.Timer {
	if g.config.ExpressionMaxExecutionTime <= 0 {
		return nil
	}
	return time.AfterFunc(g.config.ExpressionMaxExecutionTime, func() {
		vm.Interrupt("execution timeout")
	})
}

func (g *GojaJsEngine) stopTimeout(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// ScriptDefinesFunction reports whether the script declares a top-level
// function with the given name. Textual check only; the engine still fails at
// call time if the declaration is not actually callable.
func ScriptDefinesFunction(script, name string) bool {
	return regexp.MustCompile(`function\s+` + regexp.QuoteMeta(name) + `\s*\(`).MatchString(script)
}
