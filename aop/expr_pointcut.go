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
	"reflect"
	"regexp"

	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/utils/el"
)

// ExpressionPointcut selects join points with an expr-lang boolean expression
// evaluated against the join point description. The environment exposes:
//
//	type       the target type name (e.g. "OrderService")
//	pkg        the target type package path
//	method     the method name
//	numIn      the number of method inputs (excluding the receiver)
//	args       the invocation arguments (runtime expressions only)
//
// An expression referencing `args` makes the pointcut dynamic: the decision is
// re-checked per invocation with the actual arguments.
//
// ExpressionPointcut 使用 expr 布尔表达式选择连接点。引用 `args` 的表达式是动态
// 切入点：每次调用都会使用实际参数重新判断。
type ExpressionPointcut struct {
	Expression string
	template   *el.BoolTemplate
	runtime    bool
}

var (
	argsVarRegex   = regexp.MustCompile(`\bargs\b`)
	methodVarRegex = regexp.MustCompile(`\b(method|numIn)\b`)
)

// NewExpressionPointcut compiles the expression eagerly so malformed
// expressions fail at configuration time.
func NewExpressionPointcut(expression string) (*ExpressionPointcut, error) {
	template, err := el.CompileBool(expression, true)
	if err != nil {
		return nil, err
	}
	return &ExpressionPointcut{
		Expression: expression,
		template:   template,
		runtime:    argsVarRegex.MatchString(expression),
	}, nil
}

func (p *ExpressionPointcut) TypeFilter() types.TypeFilter {
	return exprTypeFilter{p}
}

func (p *ExpressionPointcut) MethodMatcher() types.MethodMatcher {
	return exprMethodMatcher{p}
}

func (p *ExpressionPointcut) matches(method *reflect.Method, targetType reflect.Type, args []interface{}) bool {
	ok, err := p.template.ExecuteBool(joinPointEnv(targetType, method, args))
	if err != nil {
		return false
	}
	return ok
}

// exprTypeFilter evaluates the expression with empty method fields. When the
// expression refers to method fields the type-level check cannot be final, so
// it errs on the side of inclusion and lets the method matcher decide.
type exprTypeFilter struct {
	p *ExpressionPointcut
}

func (f exprTypeFilter) Matches(targetType reflect.Type) bool {
	if methodVarRegex.MatchString(f.p.Expression) || f.p.runtime {
		return true
	}
	return f.p.matches(nil, targetType, nil)
}

type exprMethodMatcher struct {
	p *ExpressionPointcut
}

func (m exprMethodMatcher) Matches(method reflect.Method, targetType reflect.Type) bool {
	if m.p.runtime {
		// static pass; the runtime check has the final say
		return true
	}
	return m.p.matches(&method, targetType, nil)
}

func (m exprMethodMatcher) IsRuntime() bool {
	return m.p.runtime
}

func (m exprMethodMatcher) MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	return m.p.matches(&method, targetType, args)
}

func joinPointEnv(targetType reflect.Type, method *reflect.Method, args []interface{}) map[string]interface{} {
	t := targetType
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	env := map[string]interface{}{
		"type":   "",
		"pkg":    "",
		"method": "",
		"numIn":  0,
		"args":   args,
	}
	if t != nil {
		env["type"] = t.Name()
		env["pkg"] = t.PkgPath()
	}
	if method != nil {
		env["method"] = method.Name
		env["numIn"] = method.Type.NumIn() - 1
	}
	return env
}
