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

// Package el evaluates the expression language used by cache keys, conditions
// and expression pointcuts. Expressions are compiled once with expr-lang and
// executed against a per-invocation environment map.
package el

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/weavego/weavego/utils/str"
)

// Template is a parsed value producer executed against an environment map.
type Template interface {
	Parse() error
	Execute(env map[string]interface{}) (interface{}, error)
	// HasVar 是否有变量
	HasVar() bool
}

// NewTemplate parses tmpl. A string of the form "${expr}" becomes a pure
// expression template, a string containing ${...} fragments becomes a mixed
// string template, anything else is passed through verbatim.
func NewTemplate(tmpl interface{}) (Template, error) {
	if v, ok := tmpl.(string); ok {
		trimV := strings.TrimSpace(v)
		if strings.HasPrefix(trimV, str.VarPrefix) && strings.HasSuffix(trimV, str.VarSuffix) {
			return NewExprTemplate(trimV[len(str.VarPrefix) : len(trimV)-len(str.VarSuffix)])
		} else if str.CheckHasVar(v) {
			return NewMixedTemplate(v)
		}
		return &NotTemplate{Tmpl: v}, nil
	}
	return &AnyTemplate{Tmpl: tmpl}, nil
}

// CompileBool compiles a boolean expression (condition, unless, pointcut).
// The empty expression compiles to a template that always yields defaultValue.
func CompileBool(expression string, defaultValue bool) (*BoolTemplate, error) {
	t := &BoolTemplate{Expression: strings.TrimSpace(expression), Default: defaultValue}
	if err := t.Parse(); err != nil {
		return nil, err
	}
	return t, nil
}

// ExprTemplate evaluates a single expr-lang expression.
// ExprTemplate 使用 expr 表达式计算单个表达式。
type ExprTemplate struct {
	Tmpl    string
	Program *vm.Program
	vm      vm.VM
}

func NewExprTemplate(tmpl string) (*ExprTemplate, error) {
	t := &ExprTemplate{Tmpl: tmpl}
	if err := t.Parse(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ExprTemplate) Parse() error {
	if program, err := expr.Compile(t.Tmpl, expr.AllowUndefinedVariables()); err != nil {
		return err
	} else {
		t.Program = program
	}
	return nil
}

func (t *ExprTemplate) Execute(env map[string]interface{}) (interface{}, error) {
	if t.Program != nil {
		return t.vm.Run(t.Program, env)
	}
	return nil, nil
}

func (t *ExprTemplate) HasVar() bool {
	return true
}

// BoolTemplate evaluates a boolean expression; non-boolean results are an error.
type BoolTemplate struct {
	Expression string
	Default    bool
	program    *vm.Program
	vm         vm.VM
}

func (t *BoolTemplate) Parse() error {
	if t.Expression == "" {
		return nil
	}
	// `type` must resolve to the environment variable, not the builtin
	// function of the same name.
	program, err := expr.Compile(t.Expression, expr.AllowUndefinedVariables(), expr.DisableBuiltin("type"))
	if err != nil {
		return err
	}
	t.program = program
	return nil
}

func (t *BoolTemplate) Execute(env map[string]interface{}) (interface{}, error) {
	ok, err := t.ExecuteBool(env)
	return ok, err
}

// ExecuteBool evaluates the expression against env.
func (t *BoolTemplate) ExecuteBool(env map[string]interface{}) (bool, error) {
	if t.program == nil {
		return t.Default, nil
	}
	result, err := t.vm.Run(t.program, env)
	if err != nil {
		return false, err
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", t.Expression, result)
}

func (t *BoolTemplate) HasVar() bool {
	return t.program != nil
}

// MixedTemplate renders a string with embedded ${...} expression fragments.
// MixedTemplate 渲染包含 ${...} 表达式片段的字符串。
type MixedTemplate struct {
	Tmpl     string
	parts    []string
	programs []*vm.Program
	vm       vm.VM
}

func NewMixedTemplate(tmpl string) (*MixedTemplate, error) {
	t := &MixedTemplate{Tmpl: tmpl}
	if err := t.Parse(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *MixedTemplate) Parse() error {
	remaining := t.Tmpl
	t.parts = nil
	t.programs = nil
	for {
		start := strings.Index(remaining, str.VarPrefix)
		if start < 0 {
			break
		}
		end := strings.Index(remaining[start:], str.VarSuffix)
		if end < 0 {
			break
		}
		end += start
		t.parts = append(t.parts, remaining[:start])
		program, err := expr.Compile(remaining[start+len(str.VarPrefix):end], expr.AllowUndefinedVariables())
		if err != nil {
			return err
		}
		t.programs = append(t.programs, program)
		remaining = remaining[end+len(str.VarSuffix):]
	}
	t.parts = append(t.parts, remaining)
	return nil
}

func (t *MixedTemplate) Execute(env map[string]interface{}) (interface{}, error) {
	var sb strings.Builder
	for i, part := range t.parts {
		sb.WriteString(part)
		if i < len(t.programs) {
			result, err := t.vm.Run(t.programs[i], env)
			if err != nil {
				return nil, err
			}
			sb.WriteString(str.ToString(result))
		}
	}
	return sb.String(), nil
}

func (t *MixedTemplate) HasVar() bool {
	return len(t.programs) > 0
}

// NotTemplate passes the original string through verbatim.
// NotTemplate 原样输出。
type NotTemplate struct {
	Tmpl string
}

func (t *NotTemplate) Parse() error {
	return nil
}

func (t *NotTemplate) Execute(env map[string]interface{}) (interface{}, error) {
	return t.Tmpl, nil
}

func (t *NotTemplate) HasVar() bool {
	return false
}

// AnyTemplate passes any non-string value through verbatim.
type AnyTemplate struct {
	Tmpl interface{}
}

func (t *AnyTemplate) Parse() error {
	return nil
}

func (t *AnyTemplate) Execute(env map[string]interface{}) (interface{}, error) {
	return t.Tmpl, nil
}

func (t *AnyTemplate) HasVar() bool {
	return false
}
