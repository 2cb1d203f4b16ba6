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
	"sort"

	"github.com/weavego/weavego/api/types"
)

// Container drives the bean lifecycle over a Registry: it runs the factory
// post-processing phases, registers bean post-processors and finally
// pre-instantiates all singletons. Each phase processes PriorityOrdered
// components first, then Ordered ones, then the rest; the registry phase
// re-iterates until processors stop registering further processors.
// Container 在 Registry 之上驱动 bean 生命周期。
type Container struct {
	registry *Registry

	// factoryPostProcessors are added programmatically, ahead of any
	// bean-defined ones.
	factoryPostProcessors []types.BeanFactoryPostProcessor
	refreshed             bool
}

func NewContainer(config types.Config) *Container {
	return &Container{registry: NewRegistry(config)}
}

// Registry exposes the underlying bean registry for definition registration.
func (c *Container) Registry() *Registry {
	return c.registry
}

// AddBeanFactoryPostProcessor adds a post-processor to run during Refresh,
// before any bean-defined post-processors.
func (c *Container) AddBeanFactoryPostProcessor(processor types.BeanFactoryPostProcessor) {
	c.factoryPostProcessors = append(c.factoryPostProcessors, processor)
}

// Refresh runs the container startup sequence:
//  1. registry post-processors (may register more definitions and processors)
//  2. factory post-processors
//  3. bean post-processor registration
//  4. singleton pre-instantiation
//
// Refresh may only run once per container.
func (c *Container) Refresh() error {
	if c.refreshed {
		return types.NewConfigurationError("container already refreshed")
	}
	c.refreshed = true

	if err := c.invokeBeanFactoryPostProcessors(); err != nil {
		return err
	}
	if err := c.registerBeanPostProcessors(); err != nil {
		return err
	}
	return c.preInstantiateSingletons()
}

// Close destroys all singletons in reverse creation order.
func (c *Container) Close() {
	c.registry.Destroy()
}

var (
	registryPostProcessorType = types.InterfaceType((*types.BeanDefinitionRegistryPostProcessor)(nil))
	factoryPostProcessorType  = types.InterfaceType((*types.BeanFactoryPostProcessor)(nil))
	beanPostProcessorType     = types.InterfaceType((*types.BeanPostProcessor)(nil))
)

func (c *Container) invokeBeanFactoryPostProcessors() error {
	registry := c.registry

	// Registry phase. Programmatic processors run first, then bean-defined
	// ones in priority order. Because a registry post-processor may register
	// definitions for further registry post-processors, keep re-scanning
	// until no unprocessed ones remain.
	var registryProcessors []types.BeanDefinitionRegistryPostProcessor
	for _, p := range c.factoryPostProcessors {
		if rp, ok := p.(types.BeanDefinitionRegistryPostProcessor); ok {
			registryProcessors = append(registryProcessors, rp)
			if err := rp.PostProcessBeanDefinitionRegistry(registry); err != nil {
				return err
			}
		}
	}
	processedNames := make(map[string]bool)
	for _, phase := range []processorPhase{phasePriorityOrdered, phaseOrdered, phaseRest} {
		for {
			batch, err := c.collectRegistryProcessors(phase, processedNames)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}
			for _, rp := range batch {
				registryProcessors = append(registryProcessors, rp)
				if err := rp.PostProcessBeanDefinitionRegistry(registry); err != nil {
					return err
				}
			}
			if phase != phaseRest {
				// Within the ordered phases one sorted pass suffices; newly
				// registered processors join a later phase scan.
				break
			}
		}
	}
	for _, rp := range registryProcessors {
		if err := rp.PostProcessBeanFactory(registry); err != nil {
			return err
		}
	}

	// Factory phase. Registry post-processors already ran their factory
	// callback above; only plain factory post-processors remain.
	for _, p := range c.factoryPostProcessors {
		if _, isRegistry := p.(types.BeanDefinitionRegistryPostProcessor); isRegistry {
			continue
		}
		if err := p.PostProcessBeanFactory(registry); err != nil {
			return err
		}
	}
	var plain []orderedEntry
	for _, name := range registry.GetBeanNamesForType(factoryPostProcessorType) {
		if processedNames[name] {
			continue
		}
		processedNames[name] = true
		bean, err := registry.GetBean(name)
		if err != nil {
			return err
		}
		fp, ok := bean.(types.BeanFactoryPostProcessor)
		if !ok {
			continue
		}
		plain = append(plain, orderedEntry{value: fp, phase: phaseOf(fp), order: orderOf(fp)})
	}
	sortEntries(plain)
	for _, e := range plain {
		if err := e.value.(types.BeanFactoryPostProcessor).PostProcessBeanFactory(registry); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) collectRegistryProcessors(phase processorPhase, processed map[string]bool) ([]types.BeanDefinitionRegistryPostProcessor, error) {
	registry := c.registry
	var entries []orderedEntry
	for _, name := range registry.GetBeanNamesForType(registryPostProcessorType) {
		if processed[name] {
			continue
		}
		def, _ := registry.GetBeanDefinition(name)
		if def == nil {
			continue
		}
		// The final phase also sweeps up processors registered by earlier
		// ones, whatever their ordering contract.
		if phase != phaseRest && phaseOfType(def.Type) != phase {
			continue
		}
		processed[name] = true
		bean, err := registry.GetBean(name)
		if err != nil {
			return nil, err
		}
		rp, ok := bean.(types.BeanDefinitionRegistryPostProcessor)
		if !ok {
			return nil, types.NewConfigurationError("bean %q does not implement BeanDefinitionRegistryPostProcessor", name)
		}
		entries = append(entries, orderedEntry{value: rp, phase: phaseOf(rp), order: orderOf(rp)})
	}
	sortEntries(entries)
	out := make([]types.BeanDefinitionRegistryPostProcessor, len(entries))
	for i, e := range entries {
		out[i] = e.value.(types.BeanDefinitionRegistryPostProcessor)
	}
	return out, nil
}

func (c *Container) registerBeanPostProcessors() error {
	registry := c.registry
	var entries []orderedEntry
	for _, name := range registry.GetBeanNamesForType(beanPostProcessorType) {
		bean, err := registry.GetBean(name)
		if err != nil {
			return err
		}
		bp, ok := bean.(types.BeanPostProcessor)
		if !ok {
			return types.NewConfigurationError("bean %q does not implement BeanPostProcessor", name)
		}
		entries = append(entries, orderedEntry{value: bp, phase: phaseOf(bp), order: orderOf(bp)})
	}
	sortEntries(entries)
	for _, e := range entries {
		registry.AddBeanPostProcessor(e.value.(types.BeanPostProcessor))
	}
	return nil
}

func (c *Container) preInstantiateSingletons() error {
	registry := c.registry
	for _, name := range registry.BeanDefinitionNames() {
		def, ok := registry.GetBeanDefinition(name)
		if !ok || def.Scope != types.ScopeSingleton {
			continue
		}
		if _, err := registry.GetBean(name); err != nil {
			return err
		}
	}
	return nil
}

type processorPhase int

const (
	phasePriorityOrdered processorPhase = iota
	phaseOrdered
	phaseRest
)

type orderedEntry struct {
	value interface{}
	phase processorPhase
	order int
}

func phaseOf(v interface{}) processorPhase {
	if _, ok := v.(types.PriorityOrdered); ok {
		return phasePriorityOrdered
	}
	if _, ok := v.(types.Ordered); ok {
		return phaseOrdered
	}
	return phaseRest
}

var (
	priorityOrderedType = types.InterfaceType((*types.PriorityOrdered)(nil))
	orderedType         = types.InterfaceType((*types.Ordered)(nil))
)

func phaseOfType(t reflect.Type) processorPhase {
	if t == nil {
		return phaseRest
	}
	if t.Implements(priorityOrderedType) {
		return phasePriorityOrdered
	}
	if t.Implements(orderedType) {
		return phaseOrdered
	}
	return phaseRest
}

func orderOf(v interface{}) int {
	if o, ok := v.(types.Ordered); ok {
		return o.Order()
	}
	return 0
}

// sortEntries orders by phase first, then Order value, keeping registration
// order for ties.
func sortEntries(entries []orderedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].phase != entries[j].phase {
			return entries[i].phase < entries[j].phase
		}
		return entries[i].order < entries[j].order
	})
}
