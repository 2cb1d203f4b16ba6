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

package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weavego/weavego/api/types"
)

// SynchronizationHolder is the per-call-tree replacement for thread-bound
// transaction state: it carries the resource map, the registered
// synchronization callbacks and the characteristics of the current
// transaction. The manager binds one holder into the context and all
// transactional scopes in that call tree share it.
//
// Every BindResource must be paired with an UnbindResource, and every suspend
// with a resume, or state leaks across logically distinct transactional
// scopes sharing the holder.
//
// SynchronizationHolder 是线程绑定事务状态在 Go 中的对应物：携带资源映射、
// 已注册的同步回调以及当前事务的特征。管理器把一个 holder 绑定到 context，
// 同一调用树中的所有事务作用域共享它。
// 每个 BindResource 必须配对 UnbindResource，每次 suspend 必须配对 resume。
type SynchronizationHolder struct {
	mu sync.Mutex

	resources        map[interface{}]interface{}
	synchronizations []types.Synchronization
	// sorted tracks whether synchronizations are in execution order. Sorting
	// happens lazily at read time, never at registration time.
	sorted bool

	active       bool
	actualActive bool
	name         string
	readOnly     bool
	isolation    types.Isolation
}

type holderKey struct{}

// NewSynchronizationHolder creates an empty holder.
func NewSynchronizationHolder() *SynchronizationHolder {
	return &SynchronizationHolder{resources: make(map[interface{}]interface{})}
}

// WithHolder binds the holder into the context.
func WithHolder(ctx context.Context, holder *SynchronizationHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// HolderFrom returns the holder bound in the context, or nil.
func HolderFrom(ctx context.Context) *SynchronizationHolder {
	if ctx == nil {
		return nil
	}
	holder, _ := ctx.Value(holderKey{}).(*SynchronizationHolder)
	return holder
}

// EnsureHolder returns the bound holder, binding a fresh one when absent.
func EnsureHolder(ctx context.Context) (context.Context, *SynchronizationHolder) {
	if holder := HolderFrom(ctx); holder != nil {
		return ctx, holder
	}
	holder := NewSynchronizationHolder()
	return WithHolder(ctx, holder), holder
}

// BindResource binds a resource for the key. Binding over an existing value is
// an error: it means an unbind was skipped somewhere.
func (h *SynchronizationHolder) BindResource(key, value interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.resources[key]; exists {
		return fmt.Errorf("already a resource bound for key %v", key)
	}
	h.resources[key] = value
	return nil
}

// UnbindResource removes and returns the resource for the key. Unbinding a key
// that was never bound is an error.
func (h *SynchronizationHolder) UnbindResource(key interface{}) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, exists := h.resources[key]
	if !exists {
		return nil, fmt.Errorf("no resource bound for key %v", key)
	}
	delete(h.resources, key)
	return value, nil
}

// GetResource returns the resource bound for the key, or nil.
func (h *SynchronizationHolder) GetResource(key interface{}) interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resources[key]
}

// InitSynchronization activates synchronization registration for the current scope.
func (h *SynchronizationHolder) InitSynchronization() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active {
		return fmt.Errorf("synchronization already active: cannot activate twice")
	}
	h.active = true
	return nil
}

// IsSynchronizationActive reports whether callbacks can currently be registered.
func (h *SynchronizationHolder) IsSynchronizationActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// ClearSynchronization deactivates registration and drops all callbacks and flags.
func (h *SynchronizationHolder) ClearSynchronization() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = false
	h.actualActive = false
	h.synchronizations = nil
	h.sorted = false
	h.name = ""
	h.readOnly = false
	h.isolation = types.IsolationDefault
}

// RegisterSynchronization adds a callback for the current transaction.
// Registration order is irrelevant: execution order is resolved lazily.
func (h *SynchronizationHolder) RegisterSynchronization(sync types.Synchronization) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return fmt.Errorf("transaction synchronization is not active")
	}
	h.synchronizations = append(h.synchronizations, sync)
	h.sorted = false
	return nil
}

// Synchronizations returns the callbacks in execution order. The list is
// re-sorted lazily here, stable by the Ordered contract.
func (h *SynchronizationHolder) Synchronizations() []types.Synchronization {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sorted {
		sort.SliceStable(h.synchronizations, func(i, j int) bool {
			return orderOf(h.synchronizations[i]) < orderOf(h.synchronizations[j])
		})
		h.sorted = true
	}
	result := make([]types.Synchronization, len(h.synchronizations))
	copy(result, h.synchronizations)
	return result
}

func orderOf(v interface{}) int {
	if ordered, ok := v.(types.Ordered); ok {
		return ordered.Order()
	}
	return 0
}

// Characteristics.

func (h *SynchronizationHolder) SetName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = name
}

func (h *SynchronizationHolder) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *SynchronizationHolder) SetReadOnly(readOnly bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readOnly = readOnly
}

func (h *SynchronizationHolder) IsReadOnly() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readOnly
}

func (h *SynchronizationHolder) SetIsolation(isolation types.Isolation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolation = isolation
}

func (h *SynchronizationHolder) Isolation() types.Isolation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isolation
}

// SetActualTransactionActive records whether a real physical transaction backs
// the current scope (false for empty statuses that only carry synchronization).
func (h *SynchronizationHolder) SetActualTransactionActive(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actualActive = active
}

// IsActualTransactionActive reports whether a physical transaction is active.
func (h *SynchronizationHolder) IsActualTransactionActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actualActive
}

// SuspendSynchronizations detaches all callbacks, invoking each Suspend hook,
// and deactivates synchronization. The detached list belongs to the caller
// until resumed.
func (h *SynchronizationHolder) SuspendSynchronizations() []types.Synchronization {
	suspended := h.Synchronizations()
	for _, s := range suspended {
		s.Suspend()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.synchronizations = nil
	h.sorted = false
	h.active = false
	return suspended
}

// ResumeSynchronizations reverses SuspendSynchronizations: reactivates
// registration, re-registers each callback and invokes its Resume hook.
func (h *SynchronizationHolder) ResumeSynchronizations(suspended []types.Synchronization) {
	h.mu.Lock()
	h.active = true
	h.synchronizations = append(h.synchronizations, suspended...)
	h.sorted = false
	h.mu.Unlock()
	for _, s := range suspended {
		s.Resume()
	}
}

// Callback triggering. BeforeCommit stops on the first error; the others run
// every callback regardless of individual failures.

func (h *SynchronizationHolder) TriggerBeforeCommit(readOnly bool) error {
	for _, s := range h.Synchronizations() {
		if err := s.BeforeCommit(readOnly); err != nil {
			return err
		}
	}
	return nil
}

func (h *SynchronizationHolder) TriggerBeforeCompletion(logger types.Logger) {
	for _, s := range h.Synchronizations() {
		func(s types.Synchronization) {
			defer func() {
				if r := recover(); r != nil && logger != nil {
					logger.Printf("beforeCompletion synchronization panicked: %v", r)
				}
			}()
			s.BeforeCompletion()
		}(s)
	}
}

func (h *SynchronizationHolder) TriggerAfterCommit() error {
	for _, s := range h.Synchronizations() {
		if err := s.AfterCommit(); err != nil {
			return err
		}
	}
	return nil
}

func (h *SynchronizationHolder) TriggerAfterCompletion(status types.CompletionStatus, logger types.Logger) {
	for _, s := range h.Synchronizations() {
		func(s types.Synchronization) {
			defer func() {
				if r := recover(); r != nil && logger != nil {
					logger.Printf("afterCompletion synchronization panicked: %v", r)
				}
			}()
			s.AfterCompletion(status)
		}(s)
	}
}

// SynchronizationAdapter is an empty types.Synchronization for embedding: a
// callback overrides only the hooks it cares about. OrderValue ranks it among
// other registered synchronizations.
type SynchronizationAdapter struct {
	OrderValue int
}

var _ types.Synchronization = (*SynchronizationAdapter)(nil)

func (a *SynchronizationAdapter) Suspend()                                       {}
func (a *SynchronizationAdapter) Resume()                                        {}
func (a *SynchronizationAdapter) BeforeCommit(readOnly bool) error               { return nil }
func (a *SynchronizationAdapter) BeforeCompletion()                              {}
func (a *SynchronizationAdapter) AfterCommit() error                             { return nil }
func (a *SynchronizationAdapter) AfterCompletion(status types.CompletionStatus)  {}
func (a *SynchronizationAdapter) Order() int                                     { return a.OrderValue }
