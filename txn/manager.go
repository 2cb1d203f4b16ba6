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

	"github.com/gofrs/uuid/v5"

	"github.com/weavego/weavego/api/types"
)

// Driver adapts a transactional resource manager (a SQL database, a message
// broker session, an in-memory store) to the propagation state machine.
// Driver 将事务资源管理器适配到传播状态机。
type Driver interface {
	// Begin opens a new physical transaction with the requested characteristics.
	Begin(ctx context.Context, def *types.TransactionDefinition) (Resource, error)
	// SupportsSavepoints reports whether resources can host NESTED scopes.
	SupportsSavepoints() bool
}

// Resource is one physical transaction in flight.
type Resource interface {
	// Commit makes the transaction's work permanent.
	Commit() error
	// Rollback discards the transaction's work.
	Rollback() error
	// CreateSavepoint marks a nested rollback point and returns its name.
	CreateSavepoint() (string, error)
	// RollbackToSavepoint discards work done since the savepoint.
	RollbackToSavepoint(name string) error
	// ReleaseSavepoint forgets the savepoint, keeping its work.
	ReleaseSavepoint(name string) error
	// SetRollbackOnly taints the transaction: the eventual outcome must be rollback.
	SetRollbackOnly()
	// IsRollbackOnly reports whether the transaction was tainted.
	IsRollbackOnly() bool
	// Close releases the underlying resource after completion.
	Close() error
}

// Manager drives transaction demarcation for one Driver. It is the state
// machine behind every transactional method interceptor: GetTransaction
// decides whether to join, suspend, nest or begin, and Commit/Rollback
// complete the scope with full synchronization callback semantics.
//
// The zero flags give the conventional behavior: participation failures taint
// the whole transaction, commit failures do not auto-rollback, nested scopes
// require savepoint support.
//
// Manager 为一个 Driver 驱动事务边界。GetTransaction 决定加入、挂起、嵌套还是
// 新建事务，Commit/Rollback 按完整的同步回调语义完成作用域。
type Manager struct {
	// Driver supplies physical transactions. Required.
	Driver Driver
	// Logger receives resource-release failures and callback panics.
	Logger types.Logger

	// AlwaysSynchronize activates synchronization even for empty statuses
	// running without a physical transaction.
	AlwaysSynchronize bool
	// ValidateExistingTransactions rejects participation when the requested
	// isolation or read-only characteristics conflict with the active
	// transaction.
	ValidateExistingTransactions bool
	// NoGlobalRollbackOnParticipationFailure keeps a participating rollback
	// from tainting the outer transaction.
	NoGlobalRollbackOnParticipationFailure bool
	// FailEarlyOnGlobalRollbackOnly raises the unexpected-rollback error as
	// soon as a participating commit observes the taint, instead of waiting
	// for the outermost boundary.
	FailEarlyOnGlobalRollbackOnly bool
	// RollbackOnCommitFailure physically rolls back when the commit itself fails.
	RollbackOnCommitFailure bool
	// NestedTransactionNotAllowed rejects PropagationNested outright.
	NestedTransactionNotAllowed bool
}

var _ types.TransactionManager = (*Manager)(nil)

type resourceKey struct{ driver Driver }

// NewManager creates a manager over the driver with default flags.
func NewManager(driver Driver) *Manager {
	return &Manager{Driver: driver, Logger: types.DefaultLogger()}
}

func (m *Manager) key() interface{} {
	return resourceKey{driver: m.Driver}
}

// GetTransaction opens a transactional scope per the definition's propagation
// behavior. The returned context carries the synchronization holder and must
// be used for the transactional work and the matching Commit or Rollback.
func (m *Manager) GetTransaction(ctx context.Context, def *types.TransactionDefinition) (context.Context, types.TransactionStatus, error) {
	if m.Driver == nil {
		return ctx, nil, types.NewConfigurationError("transaction manager has no driver")
	}
	if def == nil {
		def = types.NewTransactionDefinition()
	}
	if def.Timeout < types.TimeoutDefault {
		return ctx, nil, types.NewConfigurationError("invalid transaction timeout %d", def.Timeout)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, holder := EnsureHolder(ctx)

	if current, _ := holder.GetResource(m.key()).(Resource); current != nil {
		status, err := m.handleExistingTransaction(ctx, def, holder, current)
		return ctx, status, err
	}

	switch def.Propagation {
	case types.PropagationMandatory:
		return ctx, nil, types.ErrNoTransaction
	case types.PropagationRequired, types.PropagationRequiresNew, types.PropagationNested:
		// Suspend any synchronization-only state even though no transaction backs it.
		suspended := m.suspend(holder, nil)
		status, err := m.begin(ctx, def, holder, suspended)
		if err != nil {
			m.resume(holder, suspended)
			return ctx, nil, err
		}
		return ctx, status, nil
	default:
		// SUPPORTS / NOT_SUPPORTED / NEVER with no active transaction: run empty.
		status := &DefaultTransactionStatus{readOnly: def.ReadOnly}
		if m.AlwaysSynchronize {
			status.newSynchronization = true
			m.prepareSynchronization(holder, def, false)
		}
		return ctx, status, nil
	}
}

func (m *Manager) handleExistingTransaction(ctx context.Context, def *types.TransactionDefinition,
	holder *SynchronizationHolder, current Resource) (types.TransactionStatus, error) {
	switch def.Propagation {
	case types.PropagationNever:
		return nil, types.ErrTransactionExists

	case types.PropagationNotSupported:
		suspended := m.suspend(holder, current)
		status := &DefaultTransactionStatus{readOnly: def.ReadOnly, suspended: suspended}
		if m.AlwaysSynchronize {
			status.newSynchronization = true
			m.prepareSynchronization(holder, def, false)
		}
		return status, nil

	case types.PropagationRequiresNew:
		suspended := m.suspend(holder, current)
		status, err := m.begin(ctx, def, holder, suspended)
		if err != nil {
			// The outer transaction must come back fully intact.
			m.resume(holder, suspended)
			return nil, err
		}
		return status, nil

	case types.PropagationNested:
		if m.NestedTransactionNotAllowed {
			return nil, types.NewConfigurationError("nested transactions are not allowed by this manager")
		}
		if m.Driver.SupportsSavepoints() {
			// Nested scope within the existing transaction: no new
			// synchronization context, rollback stops at the savepoint.
			savepoint, err := current.CreateSavepoint()
			if err != nil {
				return nil, err
			}
			return &DefaultTransactionStatus{resource: current, savepoint: savepoint, readOnly: def.ReadOnly}, nil
		}
		// Escalate to a genuinely new transaction.
		suspended := m.suspend(holder, current)
		status, err := m.begin(ctx, def, holder, suspended)
		if err != nil {
			m.resume(holder, suspended)
			return nil, err
		}
		return status, nil

	default:
		// SUPPORTS / REQUIRED / MANDATORY join the existing transaction.
		if m.ValidateExistingTransactions {
			if def.Isolation != types.IsolationDefault && def.Isolation != holder.Isolation() {
				return nil, types.NewConfigurationError(
					"participating transaction with definition %q requests isolation %d, active transaction has %d",
					def.Name, def.Isolation, holder.Isolation())
			}
			if !def.ReadOnly && holder.IsReadOnly() {
				return nil, types.NewConfigurationError(
					"participating transaction with definition %q is not marked read-only, active transaction is",
					def.Name)
			}
		}
		return &DefaultTransactionStatus{resource: current, readOnly: def.ReadOnly}, nil
	}
}

// begin starts a brand-new physical transaction and binds it to the holder.
func (m *Manager) begin(ctx context.Context, def *types.TransactionDefinition,
	holder *SynchronizationHolder, suspended *SuspendedResources) (*DefaultTransactionStatus, error) {
	resource, err := m.Driver.Begin(ctx, def)
	if err != nil {
		return nil, err
	}
	if err := holder.BindResource(m.key(), resource); err != nil {
		_ = resource.Rollback()
		_ = resource.Close()
		return nil, err
	}
	m.prepareSynchronization(holder, def, true)
	return &DefaultTransactionStatus{
		resource:           resource,
		newTransaction:     true,
		newSynchronization: true,
		readOnly:           def.ReadOnly,
		suspended:          suspended,
	}, nil
}

func (m *Manager) prepareSynchronization(holder *SynchronizationHolder, def *types.TransactionDefinition, actual bool) {
	_ = holder.InitSynchronization()
	name := def.Name
	if name == "" {
		if id, err := uuid.NewV4(); err == nil {
			name = id.String()
		}
	}
	holder.SetName(name)
	holder.SetReadOnly(def.ReadOnly)
	holder.SetIsolation(def.Isolation)
	holder.SetActualTransactionActive(actual)
}

// suspend detaches the bound resource and all synchronization state into an
// opaque bundle. Pass a nil resource to suspend synchronization only.
func (m *Manager) suspend(holder *SynchronizationHolder, resource Resource) *SuspendedResources {
	suspended := &SuspendedResources{
		resource:  resource,
		name:      holder.Name(),
		readOnly:  holder.IsReadOnly(),
		isolation: holder.Isolation(),
		wasActive: holder.IsActualTransactionActive(),
	}
	if holder.IsSynchronizationActive() {
		suspended.synchronizations = holder.SuspendSynchronizations()
	}
	if resource != nil {
		if _, err := holder.UnbindResource(m.key()); err != nil && m.Logger != nil {
			m.Logger.Printf("suspend: %v", err)
		}
	}
	holder.SetName("")
	holder.SetReadOnly(false)
	holder.SetIsolation(types.IsolationDefault)
	holder.SetActualTransactionActive(false)
	return suspended
}

// resume restores a suspend bundle: rebinds the resource, restores the holder
// flags and re-registers the synchronizations with their Resume hooks.
func (m *Manager) resume(holder *SynchronizationHolder, suspended *SuspendedResources) {
	if suspended == nil {
		return
	}
	if suspended.resource != nil {
		if err := holder.BindResource(m.key(), suspended.resource); err != nil && m.Logger != nil {
			m.Logger.Printf("resume: %v", err)
		}
	}
	holder.SetName(suspended.name)
	holder.SetReadOnly(suspended.readOnly)
	holder.SetIsolation(suspended.isolation)
	holder.SetActualTransactionActive(suspended.wasActive)
	if len(suspended.synchronizations) > 0 {
		holder.ResumeSynchronizations(suspended.synchronizations)
	}
}

// Commit completes the scope. A scope marked rollback-only rolls back instead;
// a participating taint discovered at the originator's commit surfaces as an
// UnexpectedRollbackError.
func (m *Manager) Commit(ctx context.Context, status types.TransactionStatus) error {
	defStatus, ok := status.(*DefaultTransactionStatus)
	if !ok {
		return types.NewConfigurationError("unknown transaction status %T", status)
	}
	if defStatus.IsCompleted() {
		return types.NewConfigurationError("transaction already completed: do not call Commit or Rollback more than once")
	}
	holder := HolderFrom(ctx)
	if holder == nil {
		holder = NewSynchronizationHolder()
	}

	if defStatus.isLocalRollbackOnly() {
		return m.processRollback(holder, defStatus, false)
	}
	if defStatus.isGlobalRollbackOnly() && !defStatus.IsNewTransaction() && m.FailEarlyOnGlobalRollbackOnly {
		return m.processRollback(holder, defStatus, true)
	}
	if defStatus.isGlobalRollbackOnly() && defStatus.IsNewTransaction() {
		// An inner participant silently tainted the transaction; committing
		// now would lie to the caller.
		return m.processRollback(holder, defStatus, true)
	}
	return m.processCommit(holder, defStatus)
}

func (m *Manager) processCommit(holder *SynchronizationHolder, status *DefaultTransactionStatus) (err error) {
	defer m.cleanupAfterCompletion(holder, status)

	if status.newSynchronization {
		if beforeErr := holder.TriggerBeforeCommit(status.readOnly); beforeErr != nil {
			holder.TriggerBeforeCompletion(m.Logger)
			if rollbackErr := m.doRollbackOnCommitFailure(holder, status); rollbackErr != nil && m.Logger != nil {
				m.Logger.Printf("rollback after before-commit failure also failed: %v", rollbackErr)
			}
			return beforeErr
		}
		holder.TriggerBeforeCompletion(m.Logger)
	}

	switch {
	case status.HasSavepoint():
		err = status.resource.ReleaseSavepoint(status.savepoint)
	case status.IsNewTransaction():
		err = status.resource.Commit()
	default:
		// Participating in an outer transaction: nothing physical to do.
	}
	if err != nil {
		if m.RollbackOnCommitFailure {
			if rollbackErr := m.doRollbackOnCommitFailure(holder, status); rollbackErr != nil && m.Logger != nil {
				m.Logger.Printf("rollback after commit failure also failed: %v", rollbackErr)
			}
		} else if status.newSynchronization {
			holder.TriggerAfterCompletion(types.CompletionUnknown, m.Logger)
		}
		return err
	}

	if status.newSynchronization {
		afterErr := holder.TriggerAfterCommit()
		// Completion fires even when an after-commit callback failed.
		holder.TriggerAfterCompletion(types.CompletionCommitted, m.Logger)
		if afterErr != nil {
			return afterErr
		}
	}
	return nil
}

// doRollbackOnCommitFailure physically rolls back after a failed commit stage
// and fires completion with rolled-back status.
func (m *Manager) doRollbackOnCommitFailure(holder *SynchronizationHolder, status *DefaultTransactionStatus) error {
	var err error
	if status.IsNewTransaction() {
		err = status.resource.Rollback()
	} else if status.HasTransaction() && !m.NoGlobalRollbackOnParticipationFailure {
		status.resource.SetRollbackOnly()
	}
	if status.newSynchronization {
		holder.TriggerAfterCompletion(types.CompletionRolledBack, m.Logger)
	}
	return err
}

// Rollback completes the scope by discarding its work. For a savepoint scope
// it rolls back to the savepoint; for a participating scope it taints the
// outer transaction instead of physically rolling back.
func (m *Manager) Rollback(ctx context.Context, status types.TransactionStatus) error {
	defStatus, ok := status.(*DefaultTransactionStatus)
	if !ok {
		return types.NewConfigurationError("unknown transaction status %T", status)
	}
	if defStatus.IsCompleted() {
		return types.NewConfigurationError("transaction already completed: do not call Commit or Rollback more than once")
	}
	holder := HolderFrom(ctx)
	if holder == nil {
		holder = NewSynchronizationHolder()
	}
	return m.processRollback(holder, defStatus, false)
}

func (m *Manager) processRollback(holder *SynchronizationHolder, status *DefaultTransactionStatus, unexpected bool) (err error) {
	defer m.cleanupAfterCompletion(holder, status)

	if status.newSynchronization {
		holder.TriggerBeforeCompletion(m.Logger)
	}

	switch {
	case status.HasSavepoint():
		err = status.resource.RollbackToSavepoint(status.savepoint)
	case status.IsNewTransaction():
		err = status.resource.Rollback()
	case status.HasTransaction():
		// Participating scope: taint the outer transaction rather than
		// rolling back work the originator still owns.
		if status.isLocalRollbackOnly() || !m.NoGlobalRollbackOnParticipationFailure {
			status.resource.SetRollbackOnly()
		}
	}

	if status.newSynchronization {
		holder.TriggerAfterCompletion(types.CompletionRolledBack, m.Logger)
	}
	if err != nil {
		return err
	}
	if unexpected {
		return types.NewUnexpectedRollbackError("transaction rolled back because it has been marked as rollback-only")
	}
	return nil
}

// cleanupAfterCompletion runs unconditionally at the end of commit or
// rollback: marks the status consumed, clears owned synchronization state,
// releases an owned physical resource and restores any suspended outer state.
func (m *Manager) cleanupAfterCompletion(holder *SynchronizationHolder, status *DefaultTransactionStatus) {
	status.markCompleted()
	if status.newSynchronization {
		holder.ClearSynchronization()
	}
	if status.IsNewTransaction() {
		if _, err := holder.UnbindResource(m.key()); err != nil && m.Logger != nil {
			m.Logger.Printf("cleanup: %v", err)
		}
		if err := status.resource.Close(); err != nil && m.Logger != nil {
			// Release failures never mask the primary outcome.
			m.Logger.Printf("failed to release transactional resource: %v", err)
		}
	}
	if status.suspended != nil {
		m.resume(holder, status.suspended)
	}
}
