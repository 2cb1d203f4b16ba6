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
	"sync"

	"github.com/weavego/weavego/api/types"
)

// DefaultTransactionStatus is the status handed out by Manager.GetTransaction.
// 默认事务状态实现，由 Manager.GetTransaction 返回。
type DefaultTransactionStatus struct {
	mu sync.Mutex

	// resource is the physical transaction this scope runs in, nil for an
	// empty (non-transactional) status.
	resource Resource
	// newTransaction marks a scope that physically began the transaction and
	// therefore owns commit/rollback/close.
	newTransaction bool
	// newSynchronization marks a scope that activated synchronization and
	// therefore owns clearing it.
	newSynchronization bool
	readOnly           bool
	// savepoint is non-empty for a NESTED scope inside an outer transaction.
	savepoint string
	// suspended carries the outer state suspended on behalf of this scope,
	// restored during cleanup.
	suspended *SuspendedResources

	localRollbackOnly bool
	completed         bool
}

var _ types.TransactionStatus = (*DefaultTransactionStatus)(nil)

// SuspendedResources bundles everything detached from the holder when a
// transaction is suspended, so resume can restore it exactly.
type SuspendedResources struct {
	resource         Resource
	synchronizations []types.Synchronization
	name             string
	readOnly         bool
	isolation        types.Isolation
	wasActive        bool
}

func (s *DefaultTransactionStatus) IsNewTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource != nil && s.newTransaction
}

func (s *DefaultTransactionStatus) HasSavepoint() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savepoint != ""
}

// SetRollbackOnly marks the scope for rollback. On a participating scope this
// additionally taints the shared physical transaction, so the originator's
// commit turns into an unexpected rollback.
func (s *DefaultTransactionStatus) SetRollbackOnly() {
	s.mu.Lock()
	resource := s.resource
	isNew := s.newTransaction
	s.localRollbackOnly = true
	s.mu.Unlock()
	if resource != nil && !isNew {
		resource.SetRollbackOnly()
	}
}

func (s *DefaultTransactionStatus) IsRollbackOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localRollbackOnly || (s.resource != nil && s.resource.IsRollbackOnly())
}

func (s *DefaultTransactionStatus) isLocalRollbackOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localRollbackOnly
}

func (s *DefaultTransactionStatus) isGlobalRollbackOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource != nil && s.resource.IsRollbackOnly()
}

func (s *DefaultTransactionStatus) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *DefaultTransactionStatus) markCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
}

// HasTransaction reports whether a physical transaction backs this scope,
// owned or joined.
func (s *DefaultTransactionStatus) HasTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource != nil
}
