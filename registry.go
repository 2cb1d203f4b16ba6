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
	"reflect"
	"sync"

	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/builtin/advice"
)

// ComponentFactory builds one raw component instance for a declarative bean.
// Declarative configuration is applied afterwards through the container's
// Init callback.
type ComponentFactory func(config types.Config) (interface{}, error)

// Registry 默认组件注册器
// Registry is the default component registry used by new applications.
var Registry = new(ComponentRegistry)

// 注册默认组件
func init() {
	_ = Registry.Register("scriptInterceptor", reflect.TypeOf((*advice.ScriptInterceptor)(nil)),
		func(config types.Config) (interface{}, error) {
			return &advice.ScriptInterceptor{}, nil
		})
	_ = Registry.Register("debugInterceptor", reflect.TypeOf((*advice.DebugInterceptor)(nil)),
		func(config types.Config) (interface{}, error) {
			return advice.NewDebugInterceptor(config, ""), nil
		})
}

// ComponentRegistry 组件注册器：按组件类型名注册组件工厂。
// ComponentRegistry maps declarative component type names to their factories.
type ComponentRegistry struct {
	mu        sync.RWMutex
	factories map[string]ComponentFactory
	types     map[string]reflect.Type
}

// Register 注册组件。重复注册同一类型返回错误。
func (r *ComponentRegistry) Register(componentType string, instanceType reflect.Type, factory ComponentFactory) error {
	if componentType == "" || factory == nil {
		return types.NewConfigurationError("component registration requires a type name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]ComponentFactory)
		r.types = make(map[string]reflect.Type)
	}
	if _, ok := r.factories[componentType]; ok {
		return types.NewConfigurationError("the component already exists. componentType=%s", componentType)
	}
	r.factories[componentType] = factory
	r.types[componentType] = instanceType
	return nil
}

// Unregister 注销组件。
func (r *ComponentRegistry) Unregister(componentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[componentType]; !ok {
		return types.NewConfigurationError("component not found. componentType=%s", componentType)
	}
	delete(r.factories, componentType)
	delete(r.types, componentType)
	return nil
}

// Get returns the factory and instance type for componentType.
func (r *ComponentRegistry) Get(componentType string) (ComponentFactory, reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[componentType]
	if !ok {
		return nil, nil, false
	}
	return factory, r.types[componentType], true
}

// Clone returns an independent copy of the registry, so per-application
// component registrations never leak into the shared default registry.
func (r *ComponentRegistry) Clone() *ComponentRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &ComponentRegistry{
		factories: make(map[string]ComponentFactory, len(r.factories)),
		types:     make(map[string]reflect.Type, len(r.types)),
	}
	for name, factory := range r.factories {
		clone.factories[name] = factory
		clone.types[name] = r.types[name]
	}
	return clone
}

// ComponentTypes 返回已注册的组件类型名列表。
func (r *ComponentRegistry) ComponentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
