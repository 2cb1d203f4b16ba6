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

package engine

import (
	"reflect"
	"strings"
	"sync"

	"github.com/weavego/weavego/api/types"
)

// FactoryBean is implemented by beans that produce another object. Looking up
// the bean name yields the produced object; prefixing the name with
// types.FactoryBeanPrefix yields the factory bean itself.
// FactoryBean 由生产其他对象的 bean 实现。按名称查找得到其产物，
// 名称加 & 前缀查找得到工厂 bean 本身。
type FactoryBean interface {
	// GetObject builds or returns the produced object.
	GetObject() (interface{}, error)
	// ObjectType returns the type of the produced object, or nil when unknown.
	ObjectType() reflect.Type
}

// Registry is the bean container: it stores bean definitions, builds bean
// instances on demand and caches singletons. Bean post-processors hook into each
// build; circular singleton dependencies are resolved through early references,
// which pass through the SmartInstantiationAwareBeanPostProcessor hook so a
// half-built bean can already be handed out wrapped in its proxy.
// Registry 是 bean 容器：保存 bean 定义，按需构建实例并缓存单例。
type Registry struct {
	config types.Config

	mu              sync.RWMutex
	definitions     map[string]*types.BeanDefinition
	definitionNames []string

	// singletons holds fully processed singleton instances.
	singletons map[string]interface{}
	// earlySingletons holds references handed out mid-build to break cycles.
	earlySingletons map[string]interface{}
	// singletonFactories builds the early reference lazily, so the
	// GetEarlyBeanReference hook only fires when a cycle actually exists.
	singletonFactories map[string]func() (interface{}, error)
	// inCreation guards against a singleton recursively requiring itself
	// through a path early references cannot serve.
	inCreation map[string]bool

	postProcessors []types.BeanPostProcessor

	// destroyOrder records singleton creation order; Destroy walks it backwards.
	destroyOrder []string
}

var _ types.BeanFactory = (*Registry)(nil)
var _ types.BeanDefinitionRegistry = (*Registry)(nil)

func NewRegistry(config types.Config) *Registry {
	return &Registry{
		config:             config,
		definitions:        make(map[string]*types.BeanDefinition),
		singletons:         make(map[string]interface{}),
		earlySingletons:    make(map[string]interface{}),
		singletonFactories: make(map[string]func() (interface{}, error)),
		inCreation:         make(map[string]bool),
	}
}

func (r *Registry) Config() types.Config {
	return r.config
}

// RegisterBeanDefinition registers def under its name. Re-registering a name
// replaces the definition but an already built singleton keeps serving lookups.
func (r *Registry) RegisterBeanDefinition(def *types.BeanDefinition) error {
	if def == nil || def.Name == "" {
		return types.NewConfigurationError("bean definition requires a name")
	}
	if strings.HasPrefix(def.Name, types.FactoryBeanPrefix) {
		return types.NewConfigurationError("bean name %q must not start with %q", def.Name, types.FactoryBeanPrefix)
	}
	if def.Scope == "" {
		def.Scope = types.ScopeSingleton
	}
	if def.Scope != types.ScopeSingleton && def.Scope != types.ScopePrototype {
		return types.NewConfigurationError("bean %q: unknown scope %q", def.Name, def.Scope)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[def.Name]; !ok {
		r.definitionNames = append(r.definitionNames, def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

func (r *Registry) RemoveBeanDefinition(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[name]; !ok {
		return types.NewConfigurationError("no bean definition named %q", name)
	}
	delete(r.definitions, name)
	for i, n := range r.definitionNames {
		if n == name {
			r.definitionNames = append(r.definitionNames[:i], r.definitionNames[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Registry) GetBeanDefinition(name string) (*types.BeanDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

func (r *Registry) BeanDefinitionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.definitionNames))
	copy(names, r.definitionNames)
	return names
}

// RegisterSingleton registers a ready-made instance under name, bypassing the
// build pipeline. Used for infrastructure collaborators built outside the
// container (cache managers, transaction managers, worker pools).
func (r *Registry) RegisterSingleton(name string, instance interface{}) error {
	if name == "" || instance == nil {
		return types.NewConfigurationError("singleton registration requires a name and an instance")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.singletons[name]; ok {
		return types.NewConfigurationError("singleton %q already registered", name)
	}
	r.singletons[name] = instance
	r.destroyOrder = append(r.destroyOrder, name)
	return nil
}

// AddBeanPostProcessor appends a post-processor. Re-adding the same processor
// moves it to the end, mirroring re-registration during the lifecycle phases.
func (r *Registry) AddBeanPostProcessor(processor types.BeanPostProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.postProcessors {
		if p == processor {
			r.postProcessors = append(r.postProcessors[:i], r.postProcessors[i+1:]...)
			break
		}
	}
	r.postProcessors = append(r.postProcessors, processor)
}

func (r *Registry) beanPostProcessors() []types.BeanPostProcessor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	processors := make([]types.BeanPostProcessor, len(r.postProcessors))
	copy(processors, r.postProcessors)
	return processors
}

func (r *Registry) ContainsBean(name string) bool {
	name = strings.TrimPrefix(name, types.FactoryBeanPrefix)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.definitions[name]; ok {
		return true
	}
	_, ok := r.singletons[name]
	return ok
}

func (r *Registry) IsSingleton(name string) bool {
	name = strings.TrimPrefix(name, types.FactoryBeanPrefix)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.definitions[name]; ok {
		return def.Scope == types.ScopeSingleton
	}
	_, ok := r.singletons[name]
	return ok
}

// GetBeanType returns the declared type of the named bean, the type of its
// built singleton, or the produced object type for factory beans.
func (r *Registry) GetBeanType(name string) (reflect.Type, bool) {
	factoryLookup := strings.HasPrefix(name, types.FactoryBeanPrefix)
	base := strings.TrimPrefix(name, types.FactoryBeanPrefix)
	r.mu.RLock()
	singleton, hasSingleton := r.singletons[factoryCacheName(factoryLookup, base)]
	def, hasDef := r.definitions[base]
	r.mu.RUnlock()
	if hasSingleton {
		return reflect.TypeOf(singleton), true
	}
	if !hasDef || def.Type == nil {
		return nil, false
	}
	if !factoryLookup && def.Type.Implements(factoryBeanType) {
		// Produced type is only known once the factory bean exists.
		if fb, err := r.GetBean(types.FactoryBeanPrefix + base); err == nil {
			if t := fb.(FactoryBean).ObjectType(); t != nil {
				return t, true
			}
		}
		return nil, false
	}
	return def.Type, true
}

func (r *Registry) GetBeanNamesForType(t reflect.Type) []string {
	if t == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, len(r.definitionNames))
	copy(names, r.definitionNames)
	defs := make(map[string]*types.BeanDefinition, len(names))
	for _, n := range names {
		defs[n] = r.definitions[n]
	}
	r.mu.RUnlock()

	var matched []string
	for _, name := range names {
		def := defs[name]
		if def.Type == nil {
			continue
		}
		if typeMatches(def.Type, t) {
			matched = append(matched, name)
		}
	}
	return matched
}

// GetBeanByType resolves the single bean assignable to t.
func (r *Registry) GetBeanByType(t reflect.Type) (interface{}, error) {
	names := r.GetBeanNamesForType(t)
	switch len(names) {
	case 0:
		return nil, types.NewConfigurationError("no bean of type %s", t)
	case 1:
		return r.GetBean(names[0])
	default:
		return nil, types.NewConfigurationError("expected a single bean of type %s, found %d: %v", t, len(names), names)
	}
}

func typeMatches(beanType, want reflect.Type) bool {
	if want.Kind() == reflect.Interface {
		return beanType.Implements(want)
	}
	return beanType.AssignableTo(want)
}

var factoryBeanType = types.InterfaceType((*FactoryBean)(nil))

func factoryCacheName(factoryLookup bool, base string) string {
	if factoryLookup {
		return types.FactoryBeanPrefix + base
	}
	return base
}

// GetBean returns the fully processed bean instance for name. Singletons are
// built once; prototypes are built per call. A name prefixed with
// types.FactoryBeanPrefix addresses a FactoryBean itself instead of its product.
func (r *Registry) GetBean(name string) (interface{}, error) {
	if name == "" {
		return nil, types.NewConfigurationError("bean name must not be empty")
	}
	factoryLookup := strings.HasPrefix(name, types.FactoryBeanPrefix)
	base := strings.TrimPrefix(name, types.FactoryBeanPrefix)

	r.mu.RLock()
	def, hasDef := r.definitions[base]
	r.mu.RUnlock()

	if hasDef && def.Type != nil && def.Type.Implements(factoryBeanType) {
		return r.getFactoryBeanInstance(base, def, factoryLookup)
	}
	if factoryLookup {
		return nil, types.NewConfigurationError("bean %q is not a factory bean", base)
	}

	if instance, ok := r.getSingleton(base, true); ok {
		return instance, nil
	}
	if !hasDef {
		return nil, types.NewConfigurationError("no bean named %q", base)
	}
	if def.Scope == types.ScopePrototype {
		return r.createBean(base, def)
	}
	return r.createSingleton(base, def)
}

// getFactoryBeanInstance builds (and caches) the factory bean under the
// prefixed name and its product under the plain name.
func (r *Registry) getFactoryBeanInstance(base string, def *types.BeanDefinition, factoryLookup bool) (interface{}, error) {
	prefixed := types.FactoryBeanPrefix + base
	factoryObj, ok := r.getSingleton(prefixed, false)
	if !ok {
		built, err := r.createBean(prefixed, def)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if cached, raced := r.singletons[prefixed]; raced {
			built = cached
		} else {
			r.singletons[prefixed] = built
			r.destroyOrder = append(r.destroyOrder, prefixed)
		}
		r.mu.Unlock()
		factoryObj = built
	}
	if factoryLookup {
		return factoryObj, nil
	}
	fb, isFactory := factoryObj.(FactoryBean)
	if !isFactory {
		return nil, types.NewConfigurationError("bean %q does not implement FactoryBean", base)
	}
	if product, ok := r.getSingleton(base, false); ok {
		return product, nil
	}
	product, err := fb.GetObject()
	if err != nil {
		return nil, err
	}
	product, err = r.applyAfterInitialization(base, product)
	if err != nil {
		return nil, err
	}
	if def.Scope == types.ScopeSingleton {
		r.mu.Lock()
		if cached, raced := r.singletons[base]; raced {
			product = cached
		} else {
			r.singletons[base] = product
			r.destroyOrder = append(r.destroyOrder, base)
		}
		r.mu.Unlock()
	}
	return product, nil
}

// getSingleton serves lookups from the singleton cache and, for beans currently
// mid-build, from the early-reference cache so circular dependencies resolve.
func (r *Registry) getSingleton(name string, allowEarly bool) (interface{}, bool) {
	r.mu.Lock()
	if instance, ok := r.singletons[name]; ok {
		r.mu.Unlock()
		return instance, true
	}
	if !allowEarly || !r.inCreation[name] {
		r.mu.Unlock()
		return nil, false
	}
	if instance, ok := r.earlySingletons[name]; ok {
		r.mu.Unlock()
		return instance, true
	}
	factory, ok := r.singletonFactories[name]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.singletonFactories, name)
	// Run the early-reference factory unlocked: the post-processors it invokes
	// may look up collaborator beans re-entrantly.
	r.mu.Unlock()
	instance, err := factory()
	if err != nil || instance == nil {
		return nil, false
	}
	r.mu.Lock()
	r.earlySingletons[name] = instance
	r.mu.Unlock()
	return instance, true
}

func (r *Registry) createSingleton(name string, def *types.BeanDefinition) (interface{}, error) {
	r.mu.Lock()
	if instance, ok := r.singletons[name]; ok {
		r.mu.Unlock()
		return instance, nil
	}
	if r.inCreation[name] {
		r.mu.Unlock()
		return nil, types.NewConfigurationError("singleton %q is currently in creation: unresolvable circular reference", name)
	}
	r.inCreation[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inCreation, name)
		delete(r.earlySingletons, name)
		delete(r.singletonFactories, name)
		r.mu.Unlock()
	}()

	instance, err := r.createBean(name, def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.singletons[name] = instance
	r.destroyOrder = append(r.destroyOrder, name)
	r.mu.Unlock()
	return instance, nil
}

// createBean runs the full build pipeline for one bean:
// before-instantiation short-circuit, factory instantiation, early-reference
// exposure, population, initialization and post-processing.
func (r *Registry) createBean(name string, def *types.BeanDefinition) (interface{}, error) {
	processors := r.beanPostProcessors()

	// A before-instantiation processor may produce the finished object itself,
	// bypassing the normal pipeline (custom target sources use this).
	for _, p := range processors {
		iap, ok := p.(types.InstantiationAwareBeanPostProcessor)
		if !ok {
			continue
		}
		short, err := iap.BeforeInstantiation(name, def.Type)
		if err != nil {
			return nil, err
		}
		if short != nil {
			return r.applyAfterInitialization(name, short)
		}
	}

	raw, err := r.instantiate(name, def)
	if err != nil {
		return nil, err
	}

	// Expose an early reference while the singleton is mid-build, wrapped by
	// the smart post-processors if one of them decides to (proxying).
	if def.Scope == types.ScopeSingleton {
		r.mu.Lock()
		r.singletonFactories[name] = func() (interface{}, error) {
			return r.buildEarlyReference(name, raw, processors)
		}
		r.mu.Unlock()
	}

	populate := true
	for _, p := range processors {
		if iap, ok := p.(types.InstantiationAwareBeanPostProcessor); ok {
			cont, err := iap.AfterInstantiation(name, raw)
			if err != nil {
				return nil, err
			}
			if !cont {
				populate = false
				break
			}
		}
	}
	if populate {
		if injectable, ok := raw.(types.Injectable); ok {
			if err := injectable.Inject(r); err != nil {
				return nil, types.NewConfigurationError("bean %q injection failed: %v", name, err)
			}
		}
	}

	instance := raw
	for _, p := range processors {
		next, err := p.BeforeInitialization(name, instance)
		if err != nil {
			return nil, err
		}
		if next != nil {
			instance = next
		}
	}

	if initializable, ok := instance.(types.Initializable); ok {
		if err := initializable.Init(r.config, def.Configuration); err != nil {
			return nil, types.NewConfigurationError("bean %q init failed: %v", name, err)
		}
	}

	processed, err := r.applyAfterInitialization(name, instance)
	if err != nil {
		return nil, err
	}

	// When a circular dependency consumed the early reference, hand out the
	// same (possibly wrapped) object the dependent bean already holds -
	// provided after-initialization did not replace it with something else.
	if def.Scope == types.ScopeSingleton {
		r.mu.Lock()
		early, exposed := r.earlySingletons[name]
		r.mu.Unlock()
		if exposed && sameIdentity(processed, instance) {
			processed = early
		}
	}
	return processed, nil
}

func (r *Registry) instantiate(name string, def *types.BeanDefinition) (interface{}, error) {
	if def.Factory != nil {
		instance, err := def.Factory(r)
		if err != nil {
			return nil, types.NewConfigurationError("bean %q factory failed: %v", name, err)
		}
		if instance == nil {
			return nil, types.NewConfigurationError("bean %q factory returned nil", name)
		}
		return instance, nil
	}
	if def.Type != nil && def.Type.Kind() == reflect.Ptr && def.Type.Elem().Kind() == reflect.Struct {
		return reflect.New(def.Type.Elem()).Interface(), nil
	}
	return nil, types.NewConfigurationError("bean %q has neither a factory nor an instantiable type", name)
}

func (r *Registry) buildEarlyReference(name string, raw interface{}, processors []types.BeanPostProcessor) (interface{}, error) {
	exposed := raw
	for _, p := range processors {
		if smart, ok := p.(types.SmartInstantiationAwareBeanPostProcessor); ok {
			next, err := smart.GetEarlyBeanReference(name, exposed)
			if err != nil {
				return nil, err
			}
			if next != nil {
				exposed = next
			}
		}
	}
	return exposed, nil
}

func (r *Registry) applyAfterInitialization(name string, instance interface{}) (interface{}, error) {
	for _, p := range r.beanPostProcessors() {
		next, err := p.AfterInitialization(name, instance)
		if err != nil {
			return nil, err
		}
		if next != nil {
			instance = next
		}
	}
	return instance, nil
}

// sameIdentity reports whether a and b are the same object, guarding against
// uncomparable types.
func sameIdentity(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Destroy tears singletons down in reverse creation order, giving Destroyable
// beans their shutdown callback. The registry stays usable for definitions but
// all singleton state is dropped.
func (r *Registry) Destroy() {
	r.mu.Lock()
	order := r.destroyOrder
	singletons := r.singletons
	r.destroyOrder = nil
	r.singletons = make(map[string]interface{})
	r.earlySingletons = make(map[string]interface{})
	r.singletonFactories = make(map[string]func() (interface{}, error))
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if d, ok := singletons[order[i]].(types.Destroyable); ok {
			d.Destroy()
		}
	}
}
