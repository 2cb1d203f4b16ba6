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

package weavego

import (
	"encoding/json"

	"github.com/weavego/weavego/api/types"
)

// AppDefinition 应用声明式定义，包含应用基础信息和 bean 声明列表。
// AppDefinition is the declarative definition of an application: base
// information plus the list of bean declarations.
type AppDefinition struct {
	App   AppBaseInfo `json:"app"`
	Beans []BeanDsl   `json:"beans"`
}

// AppBaseInfo 应用基础信息定义
type AppBaseInfo struct {
	// 扩展字段
	AdditionalInfo map[string]string `json:"additionalInfo"`
	// Name 应用名称
	Name string `json:"name"`
	// Configuration 应用级配置信息
	Configuration types.Configuration `json:"configuration"`
}

// BeanDsl 声明应用中的一个 bean。
// BeanDsl declares one bean of the application. The component type must match
// one registered in the component registry.
type BeanDsl struct {
	// Name bean 的唯一名称
	Name string `json:"name"`
	// Type 组件类型，决定由哪个已注册的组件工厂构建实例。
	Type string `json:"type"`
	// Scope singleton（默认）或 prototype。
	Scope string `json:"scope"`
	// Aspect 标记这个 bean 为切面：Advisor 的来源而不是被增强的组件。
	Aspect bool `json:"aspect"`
	// Pointcut 切入点表达式。非空时组件作为 advice 包装成一个 Advisor bean。
	// Pointcut expression. When set, the built component is wrapped into an
	// advisor bean applying it at the matched join points.
	Pointcut string `json:"pointcut"`
	// Order 决定 Advisor 的执行顺序，值越小优先级越高。
	Order int `json:"order"`
	// Configuration 组件的配置参数，具体内容取决于组件类型。
	// 例如脚本拦截器有 `script` 字段，缓存拦截器有 `operations` 字段。
	Configuration types.Configuration `json:"configuration"`
}

// ParseAppDefinition 通过 json 解析应用定义。
func ParseAppDefinition(dsl []byte) (AppDefinition, error) {
	var def AppDefinition
	err := json.Unmarshal(dsl, &def)
	return def, err
}

// ParseBeanDsl 通过 json 解析单个 bean 声明。
func ParseBeanDsl(dsl []byte) (BeanDsl, error) {
	var def BeanDsl
	err := json.Unmarshal(dsl, &def)
	return def, err
}
