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

// Package aop implements the interception engine: pointcut primitives and
// composition, advisor applicability resolution, the advised proxy
// configuration and the reflective proxy that walks interceptor chains.
//
// Package aop 实现拦截引擎：切入点原语和组合、Advisor 适用性解析、
// 被增强代理配置，以及遍历拦截器链的反射代理。
package aop

import (
	"reflect"
	"strings"

	"github.com/weavego/weavego/api/types"
)

// TrueTypeFilter matches every type. The canonical instance is TypeFilterTrue.
type TrueTypeFilter struct{}

func (TrueTypeFilter) Matches(targetType reflect.Type) bool {
	return true
}

// TrueMethodMatcher statically matches every method.
type TrueMethodMatcher struct{}

func (TrueMethodMatcher) Matches(method reflect.Method, targetType reflect.Type) bool {
	return true
}

func (TrueMethodMatcher) IsRuntime() bool {
	return false
}

func (TrueMethodMatcher) MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	return true
}

// Canonical instances used for identity short-circuits during applicability checks.
var (
	TypeFilterTrue    types.TypeFilter    = TrueTypeFilter{}
	MethodMatcherTrue types.MethodMatcher = TrueMethodMatcher{}
)

// TruePointcut matches every join point.
type TruePointcut struct{}

func (TruePointcut) TypeFilter() types.TypeFilter {
	return TypeFilterTrue
}

func (TruePointcut) MethodMatcher() types.MethodMatcher {
	return MethodMatcherTrue
}

// PointcutTrue is the canonical pointcut that matches everything.
var PointcutTrue types.Pointcut = TruePointcut{}

// StaticPointcut pairs an arbitrary type filter and method matcher.
// Nil components default to the canonical TRUE implementations, preserving the
// never-nil invariant.
type StaticPointcut struct {
	Filter  types.TypeFilter
	Matcher types.MethodMatcher
}

func NewStaticPointcut(filter types.TypeFilter, matcher types.MethodMatcher) *StaticPointcut {
	return &StaticPointcut{Filter: filter, Matcher: matcher}
}

func (p *StaticPointcut) TypeFilter() types.TypeFilter {
	if p.Filter == nil {
		return TypeFilterTrue
	}
	return p.Filter
}

func (p *StaticPointcut) MethodMatcher() types.MethodMatcher {
	if p.Matcher == nil {
		return MethodMatcherTrue
	}
	return p.Matcher
}

// TypeFilterFunc adapts a func into a types.TypeFilter.
type TypeFilterFunc func(targetType reflect.Type) bool

func (f TypeFilterFunc) Matches(targetType reflect.Type) bool {
	return f(targetType)
}

// AssignableTypeFilter matches types assignable to a base type (typically an
// interface pointer type, e.g. InterfaceType((*Service)(nil))).
type AssignableTypeFilter struct {
	Base reflect.Type
}

func (f *AssignableTypeFilter) Matches(targetType reflect.Type) bool {
	if f.Base == nil {
		return false
	}
	if f.Base.Kind() == reflect.Interface {
		return targetType.Implements(f.Base) ||
			(targetType.Kind() != reflect.Ptr && reflect.PtrTo(targetType).Implements(f.Base))
	}
	return targetType.AssignableTo(f.Base)
}

// NameMatchMethodMatcher statically matches methods by simple name patterns.
// A trailing or leading '*' acts as a wildcard ("Get*", "*ById", "*").
// NameMatchMethodMatcher 根据方法名模式静态匹配（支持 "Get*"、"*ById"、"*" 通配）。
type NameMatchMethodMatcher struct {
	MappedNames []string
}

func (m *NameMatchMethodMatcher) Matches(method reflect.Method, targetType reflect.Type) bool {
	for _, mapped := range m.MappedNames {
		if mapped == method.Name || isMatch(method.Name, mapped) {
			return true
		}
	}
	return false
}

func (m *NameMatchMethodMatcher) IsRuntime() bool {
	return false
}

func (m *NameMatchMethodMatcher) MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	return m.Matches(method, targetType)
}

// NameMatchMethodPointcut is the pointcut form of NameMatchMethodMatcher,
// matching any target type.
func NameMatchMethodPointcut(mappedNames ...string) types.Pointcut {
	return &StaticPointcut{Matcher: &NameMatchMethodMatcher{MappedNames: mappedNames}}
}

// isMatch implements "xxx*", "*xxx" and "*xxx*" simple pattern matching.
func isMatch(methodName, mappedName string) bool {
	if mappedName == "*" {
		return true
	}
	starPrefix := strings.HasPrefix(mappedName, "*")
	starSuffix := strings.HasSuffix(mappedName, "*")
	if starPrefix && starSuffix {
		return strings.Contains(methodName, mappedName[1:len(mappedName)-1])
	}
	if starPrefix {
		return strings.HasSuffix(methodName, mappedName[1:])
	}
	if starSuffix {
		return strings.HasPrefix(methodName, mappedName[:len(mappedName)-1])
	}
	return false
}
