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

package advice

import (
	"context"
	"errors"

	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/utils/maps"
)

// TransactionAttribute configures one transactional method.
// TransactionAttribute 配置一个事务方法。
type TransactionAttribute struct {
	Propagation types.Propagation
	Isolation   types.Isolation
	Timeout     int
	ReadOnly    bool
	Name        string
}

// TransactionInterceptorConfiguration maps method names to attributes. A
// method without an entry uses Default; a nil Default means the method runs
// untouched.
type TransactionInterceptorConfiguration struct {
	Methods map[string]TransactionAttribute
	Default *TransactionAttribute
}

// TransactionInterceptor demarcates a transaction around the invocation:
// GetTransaction before Proceed, Rollback when the method (or a later
// interceptor) returns a rollback-worthy error, Commit otherwise.
//
// By default every error triggers rollback. NoRollbackFor exempts matching
// errors: such an invocation still commits and the error propagates.
//
// 事务拦截器：调用前开启事务，方法返回可回滚错误时回滚，否则提交。
type TransactionInterceptor struct {
	Config TransactionInterceptorConfiguration

	manager types.TransactionManager
	logger  types.Logger

	// NoRollbackFor reports errors that should NOT trigger rollback.
	NoRollbackFor func(err error) bool
}

var _ types.MethodInterceptor = (*TransactionInterceptor)(nil)

// NewTransactionInterceptor creates an interceptor over the manager.
func NewTransactionInterceptor(manager types.TransactionManager) *TransactionInterceptor {
	return &TransactionInterceptor{manager: manager, logger: types.DefaultLogger()}
}

// Init implements types.Initializable.
func (i *TransactionInterceptor) Init(config types.Config, configuration types.Configuration) error {
	if config.Logger != nil {
		i.logger = config.Logger
	}
	return maps.Map2Struct(configuration, &i.Config)
}

// SetTransactionManager wires the manager collaborator.
func (i *TransactionInterceptor) SetTransactionManager(manager types.TransactionManager) {
	i.manager = manager
}

// NoRollbackForErrors exempts the given sentinel errors (matched with
// errors.Is) from triggering rollback.
func NoRollbackForErrors(sentinels ...error) func(error) bool {
	return func(err error) bool {
		for _, sentinel := range sentinels {
			if errors.Is(err, sentinel) {
				return true
			}
		}
		return false
	}
}

func (i *TransactionInterceptor) attributeFor(methodName string) *TransactionAttribute {
	if attr, ok := i.Config.Methods[methodName]; ok {
		return &attr
	}
	return i.Config.Default
}

// Invoke implements types.MethodInterceptor.
func (i *TransactionInterceptor) Invoke(invocation types.MethodInvocation) (interface{}, error) {
	attr := i.attributeFor(invocation.Method().Name)
	if attr == nil {
		return invocation.Proceed()
	}
	if i.manager == nil {
		return nil, types.NewConfigurationError("transaction interceptor has no transaction manager")
	}
	def := &types.TransactionDefinition{
		Propagation: attr.Propagation,
		Isolation:   attr.Isolation,
		Timeout:     attr.Timeout,
		ReadOnly:    attr.ReadOnly,
		Name:        attr.Name,
	}
	if def.Timeout == 0 {
		def.Timeout = types.TimeoutDefault
	}
	if def.Name == "" {
		def.Name = invocation.Method().Name
	}

	ctx, status, err := i.manager.GetTransaction(invocation.Context(), def)
	if err != nil {
		return nil, err
	}
	// The transactional context must flow to the target and inner interceptors.
	if setter, ok := invocation.(interface{ SetContext(context.Context) }); ok {
		setter.SetContext(ctx)
	}

	result, err := invocation.Proceed()
	if err != nil {
		if i.NoRollbackFor != nil && i.NoRollbackFor(err) {
			if commitErr := i.manager.Commit(ctx, status); commitErr != nil {
				// The business error stays primary; the commit failure is logged.
				i.logger.Printf("commit failed after exempted error %v: %v", err, commitErr)
			}
			return result, err
		}
		if rollbackErr := i.manager.Rollback(ctx, status); rollbackErr != nil {
			i.logger.Printf("rollback failed after error %v: %v", err, rollbackErr)
		}
		return result, err
	}
	if commitErr := i.manager.Commit(ctx, status); commitErr != nil {
		return nil, commitErr
	}
	return result, nil
}
