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

// Package pool provides the worker pool used for async advice dispatch.
//
// Note: This file is inspired by:
// Valyala, A. (2023) workerpool.go (Version 1.48.0)
// [Source code]. https://github.com/valyala/fasthttp/blob/master/workerpool.go
package pool

import (
	"errors"
	"runtime"
	"sync"
	"time"
)

// WorkerPool serves submitted functions using a pool of workers in FILO order:
// the most recently idled worker serves the next function, keeping CPU caches
// hot. Idle workers are cleaned up after MaxIdleWorkerDuration.
//
// WorkerPool 使用工作池以 FILO 顺序处理提交的函数，最近空闲的工作者优先复用。
type WorkerPool struct {
	// MaxWorkersCount limits concurrently running workers. Zero means no limit.
	MaxWorkersCount int
	// MaxIdleWorkerDuration is how long a worker may idle before cleanup.
	// Defaults to 10 seconds.
	MaxIdleWorkerDuration time.Duration

	lock         sync.Mutex
	workersCount int
	mustStop     bool
	ready        []*workerChan
	stopCh       chan struct{}
	workerPool   sync.Pool
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan func()
}

var ErrPoolStopped = errors.New("worker pool has been stopped")

// Start launches the cleanup loop. Must be called before Submit.
func (wp *WorkerPool) Start() {
	if wp.stopCh != nil {
		return
	}
	wp.stopCh = make(chan struct{})
	stopCh := wp.stopCh
	wp.workerPool.New = func() interface{} {
		return &workerChan{ch: make(chan func(), workerChanCap)}
	}
	go func() {
		var scratch []*workerChan
		for {
			wp.clean(&scratch)
			select {
			case <-stopCh:
				return
			default:
				time.Sleep(wp.maxIdleWorkerDuration())
			}
		}
	}()
}

// Stop stops the pool. Already-running tasks complete; idle workers exit.
func (wp *WorkerPool) Stop() {
	if wp.stopCh == nil {
		return
	}
	close(wp.stopCh)
	wp.stopCh = nil

	wp.lock.Lock()
	ready := wp.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	wp.ready = ready[:0]
	wp.mustStop = true
	wp.lock.Unlock()
}

// Release implements types.Pool.
func (wp *WorkerPool) Release() {
	wp.Stop()
}

// Submit schedules task on an idle or new worker.
// Returns an error when the pool is saturated or stopped.
// Submit 往协程池提交一个任务，如果协程池满返回错误。
func (wp *WorkerPool) Submit(task func()) error {
	ch := wp.getCh()
	if ch == nil {
		return ErrPoolStopped
	}
	ch.ch <- task
	return nil
}

func (wp *WorkerPool) maxIdleWorkerDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.MaxIdleWorkerDuration
}

func (wp *WorkerPool) clean(scratch *[]*workerChan) {
	maxIdle := wp.maxIdleWorkerDuration()
	criticalTime := time.Now().Add(-maxIdle)

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)
	// binary search for the most recent worker that idled past the deadline
	l, r, mid := 0, n-1, 0
	for l <= r {
		mid = (l + r) / 2
		if criticalTime.After(wp.ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	i := r
	if i == -1 {
		wp.lock.Unlock()
		return
	}
	*scratch = append((*scratch)[:0], ready[:i+1]...)
	m := copy(ready, ready[i+1:])
	for i = m; i < n; i++ {
		ready[i] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

var workerChanCap = func() int {
	// Use blocking channels when GOMAXPROCS=1, otherwise buffered channels so
	// the submitter does not lag on a yielding worker.
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

func (wp *WorkerPool) getCh() *workerChan {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready) - 1
	if n < 0 {
		if wp.MaxWorkersCount <= 0 || wp.workersCount < wp.MaxWorkersCount {
			createWorker = true
			wp.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		wp.ready = ready[:n]
	}
	mustStop := wp.mustStop
	wp.lock.Unlock()

	if mustStop {
		return nil
	}
	if ch == nil {
		if !createWorker {
			return nil
		}
		vch := wp.workerPool.Get()
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerPool.Put(vch)
		}()
	}
	return ch
}

func (wp *WorkerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return false
	}
	wp.ready = append(wp.ready, ch)
	wp.lock.Unlock()
	return true
}

func (wp *WorkerPool) workerFunc(ch *workerChan) {
	for task := range ch.ch {
		if task == nil {
			break
		}
		task()
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}
