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

package impl

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClientNotInit is returned by SharedClient.Get before the first Acquire.
var ErrClientNotInit = errors.New("client not initialized")

// SharedClient is a lazily constructed, reference-counted backend client.
// The first Acquire constructs it, the last Release closes it after in-flight
// operations finished or the timeout expired. A closed client is rebuilt by the next Acquire.
type SharedClient[T any] struct {
	newFunc   func() (T, error)
	closeFunc func(T) error

	mu        sync.Mutex
	client    T
	ready     bool
	refs      int
	activeOps int64
	closes    int64
}

// NewSharedClient creates a handle. closeFunc may be nil.
func NewSharedClient[T any](newFunc func() (T, error), closeFunc func(T) error) *SharedClient[T] {
	return &SharedClient[T]{newFunc: newFunc, closeFunc: closeFunc}
}

// Acquire takes a reference, constructing the client on first use.
// A failed construction takes no reference.
func (s *SharedClient[T]) Acquire() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		c, err := s.newFunc()
		if err != nil {
			var zero T
			return zero, err
		}
		s.client = c
		s.ready = true
	}
	s.refs++
	return s.client, nil
}

// Get returns the client without taking a reference.
func (s *SharedClient[T]) Get() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		var zero T
		return zero, ErrClientNotInit
	}
	return s.client, nil
}

// Release drops a reference. Releasing more often than acquiring is a no-op.
func (s *SharedClient[T]) Release(timeout time.Duration) error {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 || !s.ready {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	var zero T
	s.client = zero
	s.ready = false
	s.mu.Unlock()

	s.waitIdle(timeout)
	atomic.AddInt64(&s.closes, 1)
	if s.closeFunc != nil {
		return s.closeFunc(client)
	}
	return nil
}

// BeginOp marks an operation using the client as in flight.
func (s *SharedClient[T]) BeginOp() {
	atomic.AddInt64(&s.activeOps, 1)
}

// EndOp marks an operation as finished.
func (s *SharedClient[T]) EndOp() {
	atomic.AddInt64(&s.activeOps, -1)
}

// Refs returns the number of references held.
func (s *SharedClient[T]) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// IsInit reports whether the client is constructed.
func (s *SharedClient[T]) IsInit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Closes returns how many times the client was closed.
func (s *SharedClient[T]) Closes() int {
	return int(atomic.LoadInt64(&s.closes))
}

func (s *SharedClient[T]) waitIdle(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for atomic.LoadInt64(&s.activeOps) > 0 {
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// ClientPool shares clients by key, e.g. one connection per broker URL across endpoints.
type ClientPool[T any] struct {
	mu      sync.Mutex
	clients map[string]*SharedClient[T]
}

// Get returns the client for key, creating the handle with newFunc and closeFunc on first use.
func (p *ClientPool[T]) Get(key string, newFunc func() (T, error), closeFunc func(T) error) *SharedClient[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients == nil {
		p.clients = make(map[string]*SharedClient[T])
	}
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := NewSharedClient(newFunc, closeFunc)
	p.clients[key] = c
	return c
}

// Len returns the number of client handles.
func (p *ClientPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
