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

import "context"

// Propagation governs how a transactional call participates in (or isolates
// from) an already-active transaction.
// Propagation 决定事务调用如何参与（或隔离于）已经激活的事务。
type Propagation int

const (
	// PropagationRequired joins the current transaction or starts a new one.
	PropagationRequired Propagation = iota
	// PropagationSupports joins the current transaction, else runs non-transactionally.
	PropagationSupports
	// PropagationMandatory joins the current transaction; fails if none exists.
	PropagationMandatory
	// PropagationRequiresNew suspends any current transaction and starts a new one.
	PropagationRequiresNew
	// PropagationNotSupported suspends any current transaction and runs without one.
	PropagationNotSupported
	// PropagationNever fails if a transaction is active.
	PropagationNever
	// PropagationNested runs within a savepoint of the current transaction,
	// or starts a new one when no transaction is active.
	PropagationNested
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	case PropagationNever:
		return "NEVER"
	case PropagationNested:
		return "NESTED"
	default:
		return "UNKNOWN"
	}
}

// Isolation is the transaction isolation level, passed through to the
// transactional resource.
type Isolation int

const (
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

// TimeoutDefault means no timeout override; the resource default applies.
const TimeoutDefault = -1

// TransactionDefinition carries the requested transaction characteristics.
// The zero value means REQUIRED propagation, default isolation, no timeout,
// read-write, unnamed.
// TransactionDefinition 携带请求的事务特征。
type TransactionDefinition struct {
	Propagation Propagation
	Isolation   Isolation
	// Timeout in seconds. TimeoutDefault (or 0) leaves the resource default.
	// Negative values other than TimeoutDefault are a configuration error.
	Timeout  int
	ReadOnly bool
	// Name identifies the transaction for diagnostics and synchronization state.
	Name string
}

// NewTransactionDefinition returns a definition with defaults.
func NewTransactionDefinition() *TransactionDefinition {
	return &TransactionDefinition{Propagation: PropagationRequired, Isolation: IsolationDefault, Timeout: TimeoutDefault}
}

// TransactionStatus represents one GetTransaction call.
// It is consumed by exactly one Commit or Rollback; completing it twice is an error.
// TransactionStatus 代表一次 GetTransaction 调用。
// 它只能被一次 Commit 或 Rollback 消费；重复完成是错误。
type TransactionStatus interface {
	// IsNewTransaction reports whether this call started a brand-new physical
	// transaction (as opposed to joining an outer one or running empty).
	IsNewTransaction() bool
	// HasSavepoint reports whether this status represents a nested scope backed
	// by a savepoint within an outer transaction.
	HasSavepoint() bool
	// SetRollbackOnly marks the transaction so the eventual outcome is rollback.
	// On a participating scope this taints the outer transaction.
	SetRollbackOnly()
	// IsRollbackOnly reports whether this scope or the underlying transaction
	// was marked rollback-only.
	IsRollbackOnly() bool
	// IsCompleted reports whether Commit or Rollback already consumed this status.
	IsCompleted() bool
}

// TransactionManager is the propagation state machine around a transactional
// resource. The returned context carries the synchronization holder and must be
// used for the transactional work and the matching Commit/Rollback call.
// TransactionManager 是围绕事务资源的传播状态机。
type TransactionManager interface {
	GetTransaction(ctx context.Context, def *TransactionDefinition) (context.Context, TransactionStatus, error)
	Commit(ctx context.Context, status TransactionStatus) error
	Rollback(ctx context.Context, status TransactionStatus) error
}

// CompletionStatus is handed to Synchronization.AfterCompletion.
type CompletionStatus int

const (
	CompletionCommitted CompletionStatus = iota
	CompletionRolledBack
	CompletionUnknown
)

// Synchronization is a callback registered for the current transaction and
// invoked at defined lifecycle points. Execution order across registered
// synchronizations follows the Ordered contract, resolved lazily at read time.
// Synchronization 是为当前事务注册的回调，在定义的生命周期点被调用。
type Synchronization interface {
	// Suspend is invoked when the owning transaction is suspended; the
	// synchronization must unbind any resources it holds.
	Suspend()
	// Resume reverses Suspend.
	Resume()
	// BeforeCommit runs before the physical commit. An error aborts the commit.
	BeforeCommit(readOnly bool) error
	// BeforeCompletion runs before commit or rollback completion.
	BeforeCompletion()
	// AfterCommit runs after a successful physical commit.
	AfterCommit() error
	// AfterCompletion always runs last, with the final outcome.
	AfterCompletion(status CompletionStatus)
}
