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
	"testing"

	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/test/assert"
)

type orderService struct{}

func (s *orderService) PlaceOrder(id string, amount int) (string, error) { return id, nil }
func (s *orderService) CancelOrder(id string) error                      { return nil }
func (s *orderService) FindOrder(id string) (string, error)             { return id, nil }

var orderServiceType = reflect.TypeOf(&orderService{})

func TestNameMatchMethodPointcut(t *testing.T) {
	pc := NameMatchMethodPointcut("PlaceOrder", "Cancel*")
	placeOrder, _ := orderServiceType.MethodByName("PlaceOrder")
	cancelOrder, _ := orderServiceType.MethodByName("CancelOrder")
	findOrder, _ := orderServiceType.MethodByName("FindOrder")

	assert.True(t, pc.MethodMatcher().Matches(placeOrder, orderServiceType))
	assert.True(t, pc.MethodMatcher().Matches(cancelOrder, orderServiceType))
	assert.False(t, pc.MethodMatcher().Matches(findOrder, orderServiceType))
	assert.False(t, pc.MethodMatcher().IsRuntime())
	assert.True(t, pc.TypeFilter().Matches(orderServiceType))
}

func TestStaticPointcutDefaults(t *testing.T) {
	pc := NewStaticPointcut(nil, nil)
	assert.NotNil(t, pc.TypeFilter())
	assert.NotNil(t, pc.MethodMatcher())
	assert.True(t, pc.TypeFilter().Matches(orderServiceType))
	method, _ := orderServiceType.MethodByName("FindOrder")
	assert.True(t, pc.MethodMatcher().Matches(method, orderServiceType))
}

func TestExpressionPointcutStatic(t *testing.T) {
	pc, err := NewExpressionPointcut(`method startsWith "Place"`)
	assert.Nil(t, err)
	assert.False(t, pc.MethodMatcher().IsRuntime())

	placeOrder, _ := orderServiceType.MethodByName("PlaceOrder")
	findOrder, _ := orderServiceType.MethodByName("FindOrder")
	assert.True(t, pc.MethodMatcher().Matches(placeOrder, orderServiceType))
	assert.False(t, pc.MethodMatcher().Matches(findOrder, orderServiceType))
}

func TestExpressionPointcutRuntime(t *testing.T) {
	pc, err := NewExpressionPointcut(`method == "PlaceOrder" && args[1] > 100`)
	assert.Nil(t, err)
	assert.True(t, pc.MethodMatcher().IsRuntime())

	placeOrder, _ := orderServiceType.MethodByName("PlaceOrder")
	// Static phase passes without inspecting args.
	assert.True(t, pc.MethodMatcher().Matches(placeOrder, orderServiceType))
	assert.True(t, pc.MethodMatcher().MatchesArgs(placeOrder, orderServiceType, []interface{}{"a", 200}))
	assert.False(t, pc.MethodMatcher().MatchesArgs(placeOrder, orderServiceType, []interface{}{"a", 5}))
}

func TestExpressionPointcutMalformed(t *testing.T) {
	_, err := NewExpressionPointcut(`method ==`)
	assert.NotNil(t, err)
}

func TestExpressionPointcutTypeVariable(t *testing.T) {
	// `type` is an environment variable here, not the expr builtin function.
	pc, err := NewExpressionPointcut(`type == "orderService"`)
	assert.Nil(t, err)
	assert.True(t, pc.TypeFilter().Matches(orderServiceType))
	assert.False(t, pc.TypeFilter().Matches(reflect.TypeOf(&struct{ X int }{})))

	pc, err = NewExpressionPointcut(`type == "orderService" && method startsWith "Place"`)
	assert.Nil(t, err)
	placeOrder, _ := orderServiceType.MethodByName("PlaceOrder")
	findOrder, _ := orderServiceType.MethodByName("FindOrder")
	assert.True(t, pc.MethodMatcher().Matches(placeOrder, orderServiceType))
	assert.False(t, pc.MethodMatcher().Matches(findOrder, orderServiceType))
}

func TestUnionAndIntersectionPointcut(t *testing.T) {
	place := NameMatchMethodPointcut("PlaceOrder")
	cancel := NameMatchMethodPointcut("CancelOrder")

	placeOrder, _ := orderServiceType.MethodByName("PlaceOrder")
	cancelOrder, _ := orderServiceType.MethodByName("CancelOrder")
	findOrder, _ := orderServiceType.MethodByName("FindOrder")

	union := UnionPointcut(place, cancel)
	assert.True(t, union.MethodMatcher().Matches(placeOrder, orderServiceType))
	assert.True(t, union.MethodMatcher().Matches(cancelOrder, orderServiceType))
	assert.False(t, union.MethodMatcher().Matches(findOrder, orderServiceType))

	intersection := IntersectionPointcut(place, cancel)
	assert.False(t, intersection.MethodMatcher().Matches(placeOrder, orderServiceType))
	assert.False(t, intersection.MethodMatcher().Matches(cancelOrder, orderServiceType))
}

func TestAssignableTypeFilter(t *testing.T) {
	filter := &AssignableTypeFilter{Base: reflect.TypeOf((*error)(nil)).Elem()}
	assert.False(t, filter.Matches(orderServiceType))
	assert.True(t, filter.Matches(reflect.TypeOf(types.NewConfigurationError("x"))))
}

func TestCanApplyEquivalence(t *testing.T) {
	// An advisor applies to a type iff some method passes both pointcut phases.
	pc := NameMatchMethodPointcut("FindOrder")
	advisor := NewPointcutAdvisor(pc, noopInterceptor{})
	assert.True(t, CanApply(advisor, orderServiceType, false))

	none := NameMatchMethodPointcut("NoSuchMethod")
	assert.False(t, CanApply(NewPointcutAdvisor(none, noopInterceptor{}), orderServiceType, false))

	// Advisor with no pointcut always applies.
	assert.True(t, CanApply(NewPointcutAdvisor(nil, noopInterceptor{}), orderServiceType, false))
}

func TestFindAdvisorsThatCanApply(t *testing.T) {
	matching := NewPointcutAdvisor(NameMatchMethodPointcut("PlaceOrder"), noopInterceptor{})
	nonMatching := NewPointcutAdvisor(NameMatchMethodPointcut("NoSuchMethod"), noopInterceptor{})

	eligible := FindAdvisorsThatCanApply([]types.Advisor{nonMatching, matching}, orderServiceType)
	assert.Equal(t, 1, len(eligible))
	assert.Equal(t, types.Advisor(matching), eligible[0])
}

func TestSortAdvisorsStable(t *testing.T) {
	a := NewPointcutAdvisor(nil, noopInterceptor{})
	a.AdvisorOrder = 10
	b := NewPointcutAdvisor(nil, noopInterceptor{})
	b.AdvisorOrder = 1
	c := NewPointcutAdvisor(nil, noopInterceptor{})
	c.AdvisorOrder = 10

	advisors := []types.Advisor{a, b, c}
	SortAdvisors(advisors)
	assert.Equal(t, types.Advisor(b), advisors[0])
	assert.Equal(t, types.Advisor(a), advisors[1])
	assert.Equal(t, types.Advisor(c), advisors[2])
}

type noopInterceptor struct{}

func (noopInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	return invocation.Proceed()
}
