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

import (
	"errors"
	"fmt"
)

// ErrConcurrencyLimitReached is returned when the async pool rejects a task.
var ErrConcurrencyLimitReached = errors.New("concurrency limit reached")

// ErrNoTransaction is returned when MANDATORY propagation finds no active transaction.
var ErrNoTransaction = errors.New("no existing transaction found for transaction marked with propagation MANDATORY")

// ErrTransactionExists is returned when NEVER propagation finds an active transaction.
var ErrTransactionExists = errors.New("existing transaction found for transaction marked with propagation NEVER")

// ConfigurationError reports an invalid framework setup: missing required
// collaborators, incompatible settings, malformed operation declarations.
// Configuration errors fail fast at setup or first use and are never silently
// degraded.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}

// NewConfigurationError creates a ConfigurationError with a formatted message.
func NewConfigurationError(format string, v ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, v...)}
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// UnexpectedRollbackError is raised when a transaction was silently marked
// rollback-only by an inner participant but the outer caller attempted to
// commit. It surfaces at the outermost transaction boundary.
type UnexpectedRollbackError struct {
	Msg string
}

func (e *UnexpectedRollbackError) Error() string {
	return e.Msg
}

// NewUnexpectedRollbackError creates an UnexpectedRollbackError with a formatted message.
func NewUnexpectedRollbackError(format string, v ...interface{}) error {
	return &UnexpectedRollbackError{Msg: fmt.Sprintf(format, v...)}
}

// IsUnexpectedRollback reports whether err is (or wraps) an UnexpectedRollbackError.
func IsUnexpectedRollback(err error) bool {
	var ure *UnexpectedRollbackError
	return errors.As(err, &ure)
}

// ValueRetrievalError wraps an error thrown by the value loader of a
// synchronized cache get-or-compute. The cache interceptor unwraps it back to
// the original error before propagating to the caller.
type ValueRetrievalError struct {
	Key   string
	Cause error
}

func (e *ValueRetrievalError) Error() string {
	return fmt.Sprintf("value for key '%s' could not be loaded: %v", e.Key, e.Cause)
}

func (e *ValueRetrievalError) Unwrap() error {
	return e.Cause
}
