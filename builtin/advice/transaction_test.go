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
	"testing"

	"github.com/weavego/weavego/aop"
	"github.com/weavego/weavego/api/types"
	"github.com/weavego/weavego/test/assert"
)

// recordingTxManager records demarcation calls without a real resource.
type recordingTxManager struct {
	calls []string
	defs  []*types.TransactionDefinition
}

type recordingTxStatus struct {
	rollbackOnly bool
	completed    bool
}

func (s *recordingTxStatus) IsNewTransaction() bool { return true }
func (s *recordingTxStatus) HasSavepoint() bool     { return false }
func (s *recordingTxStatus) SetRollbackOnly()       { s.rollbackOnly = true }
func (s *recordingTxStatus) IsRollbackOnly() bool   { return s.rollbackOnly }
func (s *recordingTxStatus) IsCompleted() bool      { return s.completed }

type txCtxKey struct{}

func (m *recordingTxManager) GetTransaction(ctx context.Context, def *types.TransactionDefinition) (context.Context, types.TransactionStatus, error) {
	m.calls = append(m.calls, "get")
	m.defs = append(m.defs, def)
	return context.WithValue(ctx, txCtxKey{}, true), &recordingTxStatus{}, nil
}

func (m *recordingTxManager) Commit(ctx context.Context, status types.TransactionStatus) error {
	m.calls = append(m.calls, "commit")
	status.(*recordingTxStatus).completed = true
	return nil
}

func (m *recordingTxManager) Rollback(ctx context.Context, status types.TransactionStatus) error {
	m.calls = append(m.calls, "rollback")
	status.(*recordingTxStatus).completed = true
	return nil
}

type accountService struct {
	failErr     error
	sawTxCtx    bool
	invocations int
}

func (s *accountService) Transfer(ctx context.Context, from, to string, amount int) error {
	s.invocations++
	s.sawTxCtx = ctx.Value(txCtxKey{}) != nil
	return s.failErr
}

func (s *accountService) Balance(ctx context.Context, account string) (int, error) {
	return 42, nil
}

func newTxProxy(t *testing.T, service *accountService, manager types.TransactionManager,
	configure func(*TransactionInterceptor)) *aop.Proxy {
	t.Helper()
	interceptor := NewTransactionInterceptor(manager)
	interceptor.Config = TransactionInterceptorConfiguration{
		Methods: map[string]TransactionAttribute{
			"Transfer": {Propagation: types.PropagationRequired},
		},
	}
	if configure != nil {
		configure(interceptor)
	}
	factory := aop.NewProxyFactory(service)
	if err := factory.AddAdvice(interceptor); err != nil {
		t.Fatal(err)
	}
	proxy, err := factory.GetProxy()
	if err != nil {
		t.Fatal(err)
	}
	return proxy
}

func TestNewTransactionInterceptorDefaults(t *testing.T) {
	interceptor := NewTransactionInterceptor(&recordingTxManager{})
	assert.NotNil(t, interceptor.logger)
	interceptor.logger.Printf("usable default logger")
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	manager := &recordingTxManager{}
	service := &accountService{}
	proxy := newTxProxy(t, service, manager, nil)

	_, err := proxy.Call(context.Background(), "Transfer", "a", "b", 10)
	assert.Nil(t, err)
	assert.Equal(t, []string{"get", "commit"}, manager.calls)
	// The transactional context reached the target.
	assert.True(t, service.sawTxCtx)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	boom := errors.New("insufficient funds")
	manager := &recordingTxManager{}
	service := &accountService{failErr: boom}
	proxy := newTxProxy(t, service, manager, nil)

	_, err := proxy.Call(context.Background(), "Transfer", "a", "b", 10)
	assert.Equal(t, boom, err)
	assert.Equal(t, []string{"get", "rollback"}, manager.calls)
}

func TestTransactionNoRollbackFor(t *testing.T) {
	benign := errors.New("duplicate, ignored")
	manager := &recordingTxManager{}
	service := &accountService{failErr: benign}
	proxy := newTxProxy(t, service, manager, func(i *TransactionInterceptor) {
		i.NoRollbackFor = NoRollbackForErrors(benign)
	})

	_, err := proxy.Call(context.Background(), "Transfer", "a", "b", 10)
	assert.Equal(t, benign, err)
	assert.Equal(t, []string{"get", "commit"}, manager.calls)
}

func TestTransactionUnconfiguredMethodRunsUntouched(t *testing.T) {
	manager := &recordingTxManager{}
	proxy := newTxProxy(t, &accountService{}, manager, nil)

	result, err := proxy.Call(context.Background(), "Balance", "a")
	assert.Nil(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 0, len(manager.calls))
}

func TestTransactionDefinitionDefaults(t *testing.T) {
	manager := &recordingTxManager{}
	proxy := newTxProxy(t, &accountService{}, manager, nil)

	_, _ = proxy.Call(context.Background(), "Transfer", "a", "b", 10)
	def := manager.defs[0]
	assert.Equal(t, types.TimeoutDefault, def.Timeout)
	assert.Equal(t, "Transfer", def.Name)
}
