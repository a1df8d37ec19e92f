/*
 * Copyright 2024 The RuleGo Authors.
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

// Package pool provides the worker pool used for asynchronous exchange dispatch.
//
// The FILO worker scheme follows valyala/fasthttp workerpool.go: the most recently
// released worker serves the next task, which keeps its stack and caches warm.
package pool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoIdleWorkers is returned by Submit when MaxWorkersCount workers are busy.
	ErrNoIdleWorkers = errors.New("no idle workers")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// WorkerPool runs submitted functions on a bounded set of reusable goroutines.
type WorkerPool struct {
	// MaxWorkersCount bounds the number of concurrently running workers.
	MaxWorkersCount int
	// MaxIdleWorkerDuration is how long an idle worker is kept. Default 10s.
	MaxIdleWorkerDuration time.Duration

	lock         sync.Mutex
	workersCount int
	mustStop     bool
	ready        []*workerChan
	stopCh       chan struct{}
	chanPool     sync.Pool
	startOnce    sync.Once
	busy         int64
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan func()
}

// a zero capacity channel hands tasks over directly on a single CPU
var workerChanCap = func() int {
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

// Start launches the idle-worker cleaner. It is safe to call more than once.
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.lock.Lock()
		wp.stopCh = make(chan struct{})
		stopCh := wp.stopCh
		wp.lock.Unlock()
		wp.chanPool.New = func() interface{} {
			return &workerChan{ch: make(chan func(), workerChanCap)}
		}
		go func() {
			var scratch []*workerChan
			ticker := time.NewTicker(wp.idleDuration())
			defer ticker.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					wp.clean(&scratch)
				}
			}
		}()
	})
}

// Stop rejects new tasks and dismisses idle workers. Busy workers exit after their task.
func (wp *WorkerPool) Stop() {
	wp.lock.Lock()
	defer wp.lock.Unlock()
	if wp.mustStop {
		return
	}
	wp.mustStop = true
	if wp.stopCh != nil {
		close(wp.stopCh)
	}
	for i := range wp.ready {
		wp.ready[i].ch <- nil
		wp.ready[i] = nil
	}
	wp.ready = wp.ready[:0]
}

// Release is an alias of Stop.
func (wp *WorkerPool) Release() {
	wp.Stop()
}

// Busy returns the number of tasks currently running.
func (wp *WorkerPool) Busy() int {
	return int(atomic.LoadInt64(&wp.busy))
}

// Submit hands fn to an idle worker, creating one if the limit allows.
func (wp *WorkerPool) Submit(fn func()) error {
	ch, err := wp.getCh()
	if err != nil {
		return err
	}
	ch.ch <- fn
	return nil
}

func (wp *WorkerPool) idleDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.MaxIdleWorkerDuration
}

// clean dismisses workers idle for longer than MaxIdleWorkerDuration.
// ready is ordered by lastUseTime, oldest first.
func (wp *WorkerPool) clean(scratch *[]*workerChan) {
	criticalTime := time.Now().Add(-wp.idleDuration())

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)
	i := 0
	for i < n && criticalTime.After(ready[i].lastUseTime) {
		i++
	}
	if i == 0 {
		wp.lock.Unlock()
		return
	}
	*scratch = append((*scratch)[:0], ready[:i]...)
	m := copy(ready, ready[i:])
	for j := m; j < n; j++ {
		ready[j] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	// sending may block, so it happens outside the lock
	for j, w := range *scratch {
		w.ch <- nil
		(*scratch)[j] = nil
	}
}

func (wp *WorkerPool) getCh() (*workerChan, error) {
	var ch *workerChan
	create := false

	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return nil, ErrPoolStopped
	}
	n := len(wp.ready) - 1
	if n < 0 {
		if wp.workersCount < wp.MaxWorkersCount {
			create = true
			wp.workersCount++
		}
	} else {
		ch = wp.ready[n]
		wp.ready[n] = nil
		wp.ready = wp.ready[:n]
	}
	wp.lock.Unlock()

	if ch != nil {
		return ch, nil
	}
	if !create {
		return nil, ErrNoIdleWorkers
	}
	v := wp.chanPool.Get()
	if v == nil {
		v = &workerChan{ch: make(chan func(), workerChanCap)}
	}
	ch = v.(*workerChan)
	go func() {
		wp.workerFunc(ch)
		wp.chanPool.Put(v)
	}()
	return ch, nil
}

func (wp *WorkerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	defer wp.lock.Unlock()
	if wp.mustStop {
		return false
	}
	wp.ready = append(wp.ready, ch)
	return true
}

func (wp *WorkerPool) workerFunc(ch *workerChan) {
	for fn := range ch.ch {
		if fn == nil {
			break
		}
		atomic.AddInt64(&wp.busy, 1)
		fn()
		atomic.AddInt64(&wp.busy, -1)
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}
