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
	"sort"

	"github.com/weavego/weavego/api/types"
)

// CanApplyPointcut reports whether the pointcut can apply to any method of the
// target type. The type filter is checked first (O(1) short-circuit); the
// universal method matcher short-circuits true; otherwise the type's own
// methods plus all embedded interface methods are enumerated and the first
// match wins.
//
// CanApplyPointcut 判断切入点是否能应用于目标类型的任意方法。
// 先检查类型过滤器（O(1) 短路）；通用方法匹配器直接返回 true；
// 否则枚举类型自身方法及所有内嵌接口方法，首个匹配即返回。
func CanApplyPointcut(pointcut types.Pointcut, targetType reflect.Type, hasIntroductions bool) bool {
	if !pointcut.TypeFilter().Matches(targetType) {
		return false
	}
	matcher := pointcut.MethodMatcher()
	if matcher == MethodMatcherTrue {
		// no need to iterate the methods if we are matching any method anyway
		return true
	}
	introductionAware, isIntroductionAware := matcher.(types.IntroductionAwareMethodMatcher)

	for _, t := range typesToCheck(targetType) {
		for i := 0; i < t.NumMethod(); i++ {
			method := t.Method(i)
			if isIntroductionAware {
				if introductionAware.MatchesWithIntroductions(method, targetType, hasIntroductions) {
					return true
				}
			} else if matcher.Matches(method, targetType) {
				return true
			}
		}
	}
	return false
}

// CanApply reports whether the advisor can apply to the target type.
// Introduction advisors are decided by type match alone.
func CanApply(advisor types.Advisor, targetType reflect.Type, hasIntroductions bool) bool {
	if ia, ok := advisor.(types.IntroductionAdvisor); ok {
		return ia.TypeFilter().Matches(targetType)
	}
	if pa, ok := advisor.(types.PointcutAdvisor); ok {
		return CanApplyPointcut(pa.Pointcut(), targetType, hasIntroductions)
	}
	// advisors without a pointcut apply everywhere
	return true
}

// FindAdvisorsThatCanApply partitions candidates for the target type.
// Introduction advisors go first, filtered by the cheap type-level match,
// which also establishes the hasIntroductions flag consulted by the
// method-level pass over the remaining advisors. Introductions must be known
// before the method-level decisions because some matchers behave differently
// when mixins are present.
func FindAdvisorsThatCanApply(candidates []types.Advisor, targetType reflect.Type) []types.Advisor {
	if len(candidates) == 0 {
		return nil
	}
	var eligible []types.Advisor
	for _, candidate := range candidates {
		if _, ok := candidate.(types.IntroductionAdvisor); ok && CanApply(candidate, targetType, false) {
			eligible = append(eligible, candidate)
		}
	}
	hasIntroductions := len(eligible) > 0
	for _, candidate := range candidates {
		if _, ok := candidate.(types.IntroductionAdvisor); ok {
			// already processed
			continue
		}
		if CanApply(candidate, targetType, hasIntroductions) {
			eligible = append(eligible, candidate)
		}
	}
	return eligible
}

// SortAdvisors orders advisors by the Ordered contract, preserving the
// registration order of equally ranked advisors.
func SortAdvisors(advisors []types.Advisor) {
	sort.SliceStable(advisors, func(i, j int) bool {
		return orderOf(advisors[i]) < orderOf(advisors[j])
	})
}

func orderOf(v interface{}) int {
	if ordered, ok := v.(types.Ordered); ok {
		return ordered.Order()
	}
	return 0
}

// typesToCheck returns the target type itself plus the interface types of its
// embedded interface fields, so interface-declared methods are enumerated even
// when the concrete type was obtained through an interface value.
func typesToCheck(targetType reflect.Type) []reflect.Type {
	result := []reflect.Type{targetType}
	structType := targetType
	for structType.Kind() == reflect.Ptr {
		structType = structType.Elem()
	}
	if structType.Kind() != reflect.Struct {
		return result
	}
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Interface {
			result = append(result, field.Type)
		}
	}
	return result
}
