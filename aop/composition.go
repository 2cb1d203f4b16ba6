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

	"github.com/weavego/weavego/api/types"
)

// Logical composition of pointcut components. Union matches when any part
// matches, intersection when all parts match. Runtime-ness is contagious: a
// composition is runtime if any composed matcher is.

type unionTypeFilter struct {
	filters []types.TypeFilter
}

func (f *unionTypeFilter) Matches(targetType reflect.Type) bool {
	for _, filter := range f.filters {
		if filter.Matches(targetType) {
			return true
		}
	}
	return false
}

type intersectionTypeFilter struct {
	filters []types.TypeFilter
}

func (f *intersectionTypeFilter) Matches(targetType reflect.Type) bool {
	for _, filter := range f.filters {
		if !filter.Matches(targetType) {
			return false
		}
	}
	return true
}

// UnionTypeFilter returns a filter matching when any of the given filters match.
func UnionTypeFilter(filters ...types.TypeFilter) types.TypeFilter {
	return &unionTypeFilter{filters: filters}
}

// IntersectionTypeFilter returns a filter matching when all given filters match.
func IntersectionTypeFilter(filters ...types.TypeFilter) types.TypeFilter {
	return &intersectionTypeFilter{filters: filters}
}

type unionMethodMatcher struct {
	matchers []types.MethodMatcher
}

func (m *unionMethodMatcher) Matches(method reflect.Method, targetType reflect.Type) bool {
	for _, matcher := range m.matchers {
		if matcher.Matches(method, targetType) {
			return true
		}
	}
	return false
}

func (m *unionMethodMatcher) IsRuntime() bool {
	for _, matcher := range m.matchers {
		if matcher.IsRuntime() {
			return true
		}
	}
	return false
}

func (m *unionMethodMatcher) MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	for _, matcher := range m.matchers {
		if matcher.Matches(method, targetType) && matcherMatchesArgs(matcher, method, targetType, args) {
			return true
		}
	}
	return false
}

type intersectionMethodMatcher struct {
	matchers []types.MethodMatcher
}

func (m *intersectionMethodMatcher) Matches(method reflect.Method, targetType reflect.Type) bool {
	for _, matcher := range m.matchers {
		if !matcher.Matches(method, targetType) {
			return false
		}
	}
	return true
}

func (m *intersectionMethodMatcher) IsRuntime() bool {
	for _, matcher := range m.matchers {
		if matcher.IsRuntime() {
			return true
		}
	}
	return false
}

func (m *intersectionMethodMatcher) MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	for _, matcher := range m.matchers {
		if !matcherMatchesArgs(matcher, method, targetType, args) {
			return false
		}
	}
	return true
}

// matcherMatchesArgs consults the runtime check only for runtime matchers;
// static matchers already passed their static check.
func matcherMatchesArgs(matcher types.MethodMatcher, method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	if matcher.IsRuntime() {
		return matcher.MatchesArgs(method, targetType, args)
	}
	return matcher.Matches(method, targetType)
}

// UnionMethodMatcher returns a matcher matching when any given matcher matches.
func UnionMethodMatcher(matchers ...types.MethodMatcher) types.MethodMatcher {
	return &unionMethodMatcher{matchers: matchers}
}

// IntersectionMethodMatcher returns a matcher matching when all given matchers match.
func IntersectionMethodMatcher(matchers ...types.MethodMatcher) types.MethodMatcher {
	return &intersectionMethodMatcher{matchers: matchers}
}

// UnionPointcut composes pointcuts so the result matches any join point matched
// by at least one of them. The async advisor builds its marker pointcut this way.
// UnionPointcut 组合切入点，任一匹配即匹配。
func UnionPointcut(pointcuts ...types.Pointcut) types.Pointcut {
	filters := make([]types.TypeFilter, 0, len(pointcuts))
	matchers := make([]types.MethodMatcher, 0, len(pointcuts))
	for _, p := range pointcuts {
		filters = append(filters, p.TypeFilter())
		matchers = append(matchers, guardedMatcher{filter: p.TypeFilter(), matcher: p.MethodMatcher()})
	}
	return &StaticPointcut{
		Filter:  UnionTypeFilter(filters...),
		Matcher: UnionMethodMatcher(matchers...),
	}
}

// IntersectionPointcut composes pointcuts so the result matches only join
// points matched by all of them.
func IntersectionPointcut(pointcuts ...types.Pointcut) types.Pointcut {
	filters := make([]types.TypeFilter, 0, len(pointcuts))
	matchers := make([]types.MethodMatcher, 0, len(pointcuts))
	for _, p := range pointcuts {
		filters = append(filters, p.TypeFilter())
		matchers = append(matchers, p.MethodMatcher())
	}
	return &StaticPointcut{
		Filter:  IntersectionTypeFilter(filters...),
		Matcher: IntersectionMethodMatcher(matchers...),
	}
}

// guardedMatcher ties a union member's method matcher to its own type filter,
// so a union pointcut does not match a method of a type only another member's
// filter accepted.
type guardedMatcher struct {
	filter  types.TypeFilter
	matcher types.MethodMatcher
}

func (g guardedMatcher) Matches(method reflect.Method, targetType reflect.Type) bool {
	return g.filter.Matches(targetType) && g.matcher.Matches(method, targetType)
}

func (g guardedMatcher) IsRuntime() bool {
	return g.matcher.IsRuntime()
}

func (g guardedMatcher) MatchesArgs(method reflect.Method, targetType reflect.Type, args []interface{}) bool {
	return g.filter.Matches(targetType) && g.matcher.MatchesArgs(method, targetType, args)
}
