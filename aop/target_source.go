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
	"sync"

	"github.com/weavego/weavego/api/types"
)

// SingletonTargetSource holds one fixed target instance.
type SingletonTargetSource struct {
	Target interface{}
}

var _ types.TargetSource = (*SingletonTargetSource)(nil)

func NewSingletonTargetSource(target interface{}) *SingletonTargetSource {
	return &SingletonTargetSource{Target: target}
}

func (s *SingletonTargetSource) TargetType() reflect.Type {
	if s.Target == nil {
		return nil
	}
	return reflect.TypeOf(s.Target)
}

func (s *SingletonTargetSource) IsStatic() bool {
	return true
}

func (s *SingletonTargetSource) GetTarget() (interface{}, error) {
	return s.Target, nil
}

func (s *SingletonTargetSource) ReleaseTarget(target interface{}) error {
	return nil
}

// EmptyTargetSource is the canonical no-target source: the interceptor chain
// must fully handle the invocation.
type EmptyTargetSource struct {
	// Type optionally declares the type the proxy stands in for.
	Type reflect.Type
}

var _ types.TargetSource = (*EmptyTargetSource)(nil)

// TargetSourceEmpty is the shared typeless empty source.
var TargetSourceEmpty = &EmptyTargetSource{}

func (s *EmptyTargetSource) TargetType() reflect.Type {
	return s.Type
}

func (s *EmptyTargetSource) IsStatic() bool {
	return true
}

func (s *EmptyTargetSource) GetTarget() (interface{}, error) {
	return nil, nil
}

func (s *EmptyTargetSource) ReleaseTarget(target interface{}) error {
	return nil
}

// LazyInitTargetSource builds its target on first access, guarded by a
// synchronized double-check. Supports the lazy-target custom TargetSource
// pattern of the auto-proxy creator.
type LazyInitTargetSource struct {
	// DeclaredType is reported before the target materializes.
	DeclaredType reflect.Type
	// Build constructs the target. Called at most once.
	Build func() (interface{}, error)

	mu     sync.Mutex
	target interface{}
	built  bool
}

var _ types.TargetSource = (*LazyInitTargetSource)(nil)

func (s *LazyInitTargetSource) TargetType() reflect.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built {
		return reflect.TypeOf(s.target)
	}
	return s.DeclaredType
}

// IsStatic is false until the target materializes: the proxy must fetch per
// invocation so the first call triggers the build.
func (s *LazyInitTargetSource) IsStatic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.built
}

func (s *LazyInitTargetSource) GetTarget() (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.built {
		target, err := s.Build()
		if err != nil {
			return nil, err
		}
		s.target = target
		s.built = true
	}
	return s.target, nil
}

func (s *LazyInitTargetSource) ReleaseTarget(target interface{}) error {
	return nil
}

// PoolTargetSource draws targets from a fixed-size pool, releasing them after
// each invocation. GetTarget blocks while the pool is exhausted.
type PoolTargetSource struct {
	// New builds one pooled target.
	New func() (interface{}, error)
	// Size is the pool capacity.
	Size int

	once sync.Once
	pool chan interface{}
	typ  reflect.Type
	mu   sync.Mutex
}

var _ types.TargetSource = (*PoolTargetSource)(nil)

func (s *PoolTargetSource) init() error {
	var err error
	s.once.Do(func() {
		size := s.Size
		if size <= 0 {
			size = 4
		}
		s.pool = make(chan interface{}, size)
		for i := 0; i < size; i++ {
			var target interface{}
			if target, err = s.New(); err != nil {
				return
			}
			if s.typ == nil {
				s.typ = reflect.TypeOf(target)
			}
			s.pool <- target
		}
	})
	return err
}

func (s *PoolTargetSource) TargetType() reflect.Type {
	_ = s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

func (s *PoolTargetSource) IsStatic() bool {
	return false
}

func (s *PoolTargetSource) GetTarget() (interface{}, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	return <-s.pool, nil
}

func (s *PoolTargetSource) ReleaseTarget(target interface{}) error {
	if target == nil {
		return nil
	}
	select {
	case s.pool <- target:
	default:
	}
	return nil
}
