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
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/weavego/weavego/api/types"
)

// SQLDriverConfig 数据库事务驱动配置
type SQLDriverConfig struct {
	// DriverName 数据库驱动名称，mysql或postgres
	DriverName string
	// Dsn 数据库连接配置，参考sql.Open参数
	Dsn string
	// PoolSize 连接池大小
	PoolSize int
	// DisableSavepoints 禁用保存点（NESTED 传播将升级为新事务）
	DisableSavepoints bool
}

// SQLDriver adapts a database/sql pool to the transaction manager.
// SQLDriver 将 database/sql 连接池适配到事务管理器。
type SQLDriver struct {
	db                *sql.DB
	disableSavepoints bool
	savepointSeq      uint64
}

var _ Driver = (*SQLDriver)(nil)

// NewSQLDriver opens a database pool for the config.
func NewSQLDriver(config SQLDriverConfig) (*SQLDriver, error) {
	db, err := sql.Open(config.DriverName, config.Dsn)
	if err != nil {
		return nil, err
	}
	if config.PoolSize > 0 {
		db.SetMaxOpenConns(config.PoolSize)
		db.SetMaxIdleConns(config.PoolSize / 2)
	}
	return &SQLDriver{db: db, disableSavepoints: config.DisableSavepoints}, nil
}

// WrapDB adapts an already-open pool.
func WrapDB(db *sql.DB) *SQLDriver {
	return &SQLDriver{db: db}
}

// DB exposes the underlying pool for non-transactional use.
func (d *SQLDriver) DB() *sql.DB {
	return d.db
}

// Close closes the underlying pool.
func (d *SQLDriver) Close() error {
	return d.db.Close()
}

func (d *SQLDriver) SupportsSavepoints() bool {
	return !d.disableSavepoints
}

// Begin implements Driver. Isolation and read-only pass through to the
// database; the timeout is enforced by a deadline on the transaction context.
func (d *SQLDriver) Begin(ctx context.Context, def *types.TransactionDefinition) (Resource, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.Timeout)*time.Second)
	}
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: toSQLIsolation(def.Isolation),
		ReadOnly:  def.ReadOnly,
	})
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	return &sqlResource{driver: d, tx: tx, cancel: cancel}, nil
}

func toSQLIsolation(isolation types.Isolation) sql.IsolationLevel {
	switch isolation {
	case types.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case types.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case types.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case types.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// sqlResource is one open *sql.Tx plus the rollback-only taint flag.
type sqlResource struct {
	driver *SQLDriver
	tx     *sql.Tx
	cancel context.CancelFunc

	mu           sync.Mutex
	rollbackOnly bool
	closed       bool
}

var _ Resource = (*sqlResource)(nil)

// Tx exposes the transaction so transactional code can run statements on it.
// Look it up through TxFromContext.
func (r *sqlResource) Tx() *sql.Tx {
	return r.tx
}

func (r *sqlResource) Commit() error {
	return r.tx.Commit()
}

func (r *sqlResource) Rollback() error {
	return r.tx.Rollback()
}

func (r *sqlResource) CreateSavepoint() (string, error) {
	name := fmt.Sprintf("WEAVEGO_%d", atomic.AddUint64(&r.driver.savepointSeq, 1))
	if _, err := r.tx.Exec("SAVEPOINT " + name); err != nil {
		return "", err
	}
	return name, nil
}

func (r *sqlResource) RollbackToSavepoint(name string) error {
	_, err := r.tx.Exec("ROLLBACK TO SAVEPOINT " + name)
	return err
}

func (r *sqlResource) ReleaseSavepoint(name string) error {
	_, err := r.tx.Exec("RELEASE SAVEPOINT " + name)
	return err
}

func (r *sqlResource) SetRollbackOnly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbackOnly = true
}

func (r *sqlResource) IsRollbackOnly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbackOnly
}

func (r *sqlResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// TxFromContext returns the *sql.Tx of the transaction the given manager has
// active in this context, or nil when the scope runs non-transactionally.
// Transactional code uses it to route statements through the managed
// transaction instead of the pool.
func TxFromContext(ctx context.Context, manager *Manager) *sql.Tx {
	holder := HolderFrom(ctx)
	if holder == nil || manager == nil {
		return nil
	}
	if resource, ok := holder.GetResource(manager.key()).(*sqlResource); ok {
		return resource.Tx()
	}
	return nil
}
