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

package types

import "reflect"

// Bean scopes.
const (
	ScopeSingleton = "singleton"
	ScopePrototype = "prototype"
)

// FactoryBeanPrefix is used to address a factory bean itself rather than the
// object it creates, and to prefix cache keys for factory-created beans.
const FactoryBeanPrefix = "&"

// Configuration is the declarative configuration map of a bean definition.
// Values are decoded into component config structs during initialization.
type Configuration map[string]interface{}

// BeanDefinition describes how the container builds one named bean.
type BeanDefinition struct {
	// Name is the bean name, unique within a registry.
	Name string
	// Type is the concrete type the factory produces, when known up front.
	Type reflect.Type
	// Scope is ScopeSingleton (default) or ScopePrototype.
	Scope string
	// Factory builds the raw bean instance. The passed factory can be used to
	// look up collaborator beans; cycles are resolved through early references.
	Factory func(factory BeanFactory) (interface{}, error)
	// Configuration holds declarative settings, including the operation lists
	// ("cacheOperations", "transactionAttributes", "asyncOperations") read by
	// the built-in advisor builders.
	Configuration Configuration
	// Aspect marks the definition as an aspect bean: a source of advisors
	// rather than an ordinary advised component.
	Aspect bool
	// Order ranks advisors derived from this definition. Lower runs earlier.
	Order int
}

// BeanFactory is the lookup surface of the container, consumed by the AOP layer
// to resolve collaborators (key generators, cache managers, executors,
// interceptors) by name or type.
type BeanFactory interface {
	// GetBean returns the fully processed bean instance for the given name.
	GetBean(name string) (interface{}, error)
	// GetBeanByType returns the single bean assignable to t. Zero or more
	// than one candidate is an error.
	GetBeanByType(t reflect.Type) (interface{}, error)
	// GetBeanType returns the declared or predicted type of the named bean.
	GetBeanType(name string) (reflect.Type, bool)
	// GetBeanNamesForType returns the names of definitions assignable to t,
	// in registration order.
	GetBeanNamesForType(t reflect.Type) []string
	// ContainsBean reports whether a definition or registered singleton exists.
	ContainsBean(name string) bool
	// IsSingleton reports whether the named bean is singleton-scoped.
	IsSingleton(name string) bool
	// Config returns the container configuration.
	Config() Config
}

// BeanDefinitionRegistry registers and enumerates bean definitions.
type BeanDefinitionRegistry interface {
	RegisterBeanDefinition(def *BeanDefinition) error
	RemoveBeanDefinition(name string) error
	GetBeanDefinition(name string) (*BeanDefinition, bool)
	BeanDefinitionNames() []string
}

// BeanPostProcessor hooks into each bean's construction lifecycle.
// Returning a different object replaces the bean reference from that point on;
// this is how proxies substitute their targets.
type BeanPostProcessor interface {
	// BeforeInitialization runs after instantiation and population, before the
	// bean's own Init hook.
	BeforeInitialization(beanName string, bean interface{}) (interface{}, error)
	// AfterInitialization runs after the bean's Init hook. The returned object
	// is what the container hands out.
	AfterInitialization(beanName string, bean interface{}) (interface{}, error)
}

// InstantiationAwareBeanPostProcessor additionally hooks in around instantiation.
type InstantiationAwareBeanPostProcessor interface {
	BeanPostProcessor
	// BeforeInstantiation may return a finished object for the bean name,
	// short-circuiting the normal instantiation pipeline entirely.
	BeforeInstantiation(beanName string, beanType reflect.Type) (interface{}, error)
	// AfterInstantiation runs on the raw instance. Returning false skips the
	// population phase.
	AfterInstantiation(beanName string, bean interface{}) (bool, error)
}

// SmartInstantiationAwareBeanPostProcessor adds the early-reference hook used to
// resolve circular dependencies: when bean A and bean B need each other, the
// container exposes a possibly-proxied reference to the half-built bean.
type SmartInstantiationAwareBeanPostProcessor interface {
	InstantiationAwareBeanPostProcessor
	// GetEarlyBeanReference returns the object to expose as an early reference,
	// typically the bean itself or a proxy wrapping it.
	GetEarlyBeanReference(beanName string, bean interface{}) (interface{}, error)
	// PredictBeanType predicts the final type of the processed bean, or nil.
	PredictBeanType(beanName string, beanType reflect.Type) reflect.Type
}

// BeanFactoryPostProcessor customizes the factory after all definitions are
// loaded and before any ordinary bean is instantiated.
type BeanFactoryPostProcessor interface {
	PostProcessBeanFactory(factory BeanFactory) error
}

// BeanDefinitionRegistryPostProcessor runs in the earlier registry phase and may
// register further definitions, including more post-processors.
type BeanDefinitionRegistryPostProcessor interface {
	BeanFactoryPostProcessor
	PostProcessBeanDefinitionRegistry(registry BeanDefinitionRegistry) error
}

// Ordered ranks post-processors, advisors and synchronizations.
// The smaller the value, the higher the priority.
// Ordered 返回执行顺序，值越小，优先级越高。
type Ordered interface {
	Order() int
}

// PriorityOrdered marks components that run in a phase before plain Ordered ones.
type PriorityOrdered interface {
	Ordered
	PriorityOrdered()
}

// Initializable beans get an Init callback with the container configuration and
// their declarative configuration after population, before AfterInitialization
// post-processing.
type Initializable interface {
	Init(config Config, configuration Configuration) error
}

// Injectable beans get a population callback to look up their collaborators.
// Lookups may trigger instantiation of other beans; circular lookups are served
// from early references.
type Injectable interface {
	Inject(factory BeanFactory) error
}

// Destroyable beans get a Destroy callback when the container shuts down.
type Destroyable interface {
	Destroy()
}
