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

package types

import (
	"sync"
)

// Processor processes an exchange synchronously.
// Backend failures are recorded on the exchange with SetFault. The returned error is
// reserved for configuration and programmer errors.
type Processor interface {
	Process(exchange *Exchange) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(exchange *Exchange) error

func (f ProcessorFunc) Process(exchange *Exchange) error {
	return f(exchange)
}

// AsyncCallback is invoked exactly once when an exchange completes.
// doneSync is true when completion happened on the calling goroutine.
type AsyncCallback func(doneSync bool)

// AsyncProcessor processes an exchange without blocking the caller past enqueueing.
// ProcessAsync returns true if the exchange completed synchronously, in which case the
// callback has already been called with doneSync=true.
type AsyncProcessor interface {
	Processor
	ProcessAsync(exchange *Exchange, callback AsyncCallback) bool
}

// Once guards callback so that only the first call goes through.
func Once(callback AsyncCallback) AsyncCallback {
	if callback == nil {
		return func(bool) {}
	}
	var once sync.Once
	return func(doneSync bool) {
		once.Do(func() {
			callback(doneSync)
		})
	}
}

// ToAsync adapts a Processor. An AsyncProcessor is returned unchanged.
func ToAsync(p Processor) AsyncProcessor {
	if ap, ok := p.(AsyncProcessor); ok {
		return ap
	}
	return &syncProcessor{p: p}
}

type syncProcessor struct {
	p Processor
}

func (s *syncProcessor) Process(exchange *Exchange) error {
	return s.p.Process(exchange)
}

// ProcessAsync runs Process on the calling goroutine. A returned error is recorded as a fault.
func (s *syncProcessor) ProcessAsync(exchange *Exchange, callback AsyncCallback) bool {
	if err := s.p.Process(exchange); err != nil {
		exchange.Fail(err, "")
	}
	Once(callback)(true)
	return true
}

// ProcessSync drives an AsyncProcessor to completion and waits for the callback.
// Fatal errors recorded by ProcessAsync are returned.
func ProcessSync(p AsyncProcessor, exchange *Exchange) error {
	done := make(chan struct{})
	if !p.ProcessAsync(exchange, Once(func(doneSync bool) {
		close(done)
	})) {
		<-done
	}
	if f := exchange.Fault(); f != nil && (f.Kind == KindProgrammer || f.Kind == KindConfiguration) {
		return f.Err
	}
	return nil
}
