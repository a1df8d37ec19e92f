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
	"sort"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/utils/runtime"
)

// DefaultProducer contains backend failures in the exchange fault slot.
// Only configuration and programmer errors are returned from Process.
type DefaultProducer struct {
	endpoint endpoint.Endpoint
	// DoProcess performs the backend call.
	DoProcess func(exchange *types.Exchange) error
	// DoProcessAsync, when set, performs the backend call without blocking and calls done once.
	DoProcessAsync func(exchange *types.Exchange, done func(err error))
	// Validate runs before any backend call, also on the asynchronous path.
	// It reports programmer errors such as a missing header.
	Validate func(exchange *types.Exchange) error
	DoStart  func() error
	DoStop   func() error

	mu      sync.Mutex
	started bool
}

var _ endpoint.Producer = (*DefaultProducer)(nil)

// NewDefaultProducer creates a producer calling process for each exchange.
func NewDefaultProducer(ep endpoint.Endpoint, process func(exchange *types.Exchange) error) *DefaultProducer {
	return &DefaultProducer{endpoint: ep, DoProcess: process}
}

func (p *DefaultProducer) Endpoint() endpoint.Endpoint {
	return p.endpoint
}

// Start acquires the endpoint. Starting twice is a no-op.
func (p *DefaultProducer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.endpoint.Start(); err != nil {
		return err
	}
	if p.DoStart != nil {
		if err := p.DoStart(); err != nil {
			_ = p.endpoint.Stop()
			return err
		}
	}
	p.started = true
	return nil
}

// Stop releases the endpoint. Stopping twice is a no-op.
func (p *DefaultProducer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	var err error
	if p.DoStop != nil {
		err = p.DoStop()
	}
	if epErr := p.endpoint.Stop(); err == nil {
		err = epErr
	}
	return err
}

// Process runs the backend call on the calling goroutine.
func (p *DefaultProducer) Process(exchange *types.Exchange) error {
	if err := p.validate(exchange); err != nil {
		return p.contain(exchange, err)
	}
	return p.contain(exchange, p.invoke(exchange))
}

// ProcessAsync never blocks past enqueueing the call. Validation failures complete
// synchronously with the fault set.
func (p *DefaultProducer) ProcessAsync(exchange *types.Exchange, callback types.AsyncCallback) bool {
	callback = types.Once(callback)
	if err := p.validate(exchange); err != nil {
		_ = p.contain(exchange, err)
		callback(true)
		return true
	}
	if p.DoProcessAsync == nil {
		p.endpoint.Config().Submit(func() {
			_ = p.contain(exchange, p.invoke(exchange))
			callback(false)
		})
		return false
	}
	var mu sync.Mutex
	returned, doneSync := false, false
	p.DoProcessAsync(exchange, func(err error) {
		_ = p.contain(exchange, err)
		mu.Lock()
		if !returned {
			doneSync = true
		}
		s := doneSync
		mu.Unlock()
		callback(s)
	})
	mu.Lock()
	defer mu.Unlock()
	returned = true
	return doneSync
}

func (p *DefaultProducer) validate(exchange *types.Exchange) error {
	if p.Validate == nil {
		return nil
	}
	return p.Validate(exchange)
}

func (p *DefaultProducer) invoke(exchange *types.Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewProgrammerError(p.endpoint.Scheme(), "", "%v", runtime.PanicError(r))
		}
	}()
	return p.DoProcess(exchange)
}

// contain records err as the fault; fatal errors are also returned.
func (p *DefaultProducer) contain(exchange *types.Exchange, err error) error {
	if err == nil {
		return nil
	}
	var f *types.Fault
	if !errors.As(err, &f) {
		op := ""
		if types.KindOf(err) == types.KindUnknown {
			op = p.endpoint.Scheme()
		}
		f = types.NewFault(err, op, p.endpoint.Address())
	}
	exchange.SetFault(f)
	if f.Kind == types.KindProgrammer || f.Kind == types.KindConfiguration {
		return f.Err
	}
	return nil
}

// Reply sets Out to a message carrying body and the In headers.
func Reply(exchange *types.Exchange, body interface{}) *types.Message {
	out := types.NewMessage(body)
	exchange.In().Headers().CopyTo(out.Headers())
	exchange.SetOut(out)
	return out
}

// RequireHeader returns the header or a programmer error naming it.
func RequireHeader(exchange *types.Exchange, op, key string) (interface{}, error) {
	v, ok := exchange.In().Header(key)
	if !ok || v == nil {
		return nil, types.NewProgrammerError(op, key, "header %s is required", key)
	}
	return v, nil
}

// RequireBody returns the body or a programmer error.
func RequireBody(exchange *types.Exchange, op string) (interface{}, error) {
	body := exchange.In().Body()
	if body == nil {
		return nil, types.NewProgrammerError(op, "body", "body is required")
	}
	return body, nil
}

// OperationFunc handles one operation of a dispatch table.
type OperationFunc func(exchange *types.Exchange) error

// OperationTable maps operation identifiers, read from a header, to handlers.
type OperationTable struct {
	header string
	ops    map[string]OperationFunc
}

// NewOperationTable creates a table selecting the operation from header.
func NewOperationTable(header string) *OperationTable {
	return &OperationTable{header: header, ops: make(map[string]OperationFunc)}
}

// Register adds a handler.
func (t *OperationTable) Register(name string, fn OperationFunc) *OperationTable {
	t.ops[name] = fn
	return t
}

// Header is the header carrying the operation identifier.
func (t *OperationTable) Header() string {
	return t.header
}

// Operations returns the registered identifiers, sorted.
func (t *OperationTable) Operations() []string {
	names := make([]string, 0, len(t.ops))
	for k := range t.ops {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name has a handler.
func (t *OperationTable) Has(name string) bool {
	_, ok := t.ops[name]
	return ok
}

// Resolve returns the operation named by the header, falling back to defaultOp.
// A missing or unknown operation is a programmer error.
func (t *OperationTable) Resolve(exchange *types.Exchange, defaultOp string) (string, OperationFunc, error) {
	name := exchange.In().Headers().GetString(t.header)
	if name == "" {
		name = defaultOp
	}
	if name == "" {
		return "", nil, types.NewProgrammerError("dispatch", t.header, "header %s is required", t.header)
	}
	fn, ok := t.ops[name]
	if !ok {
		return name, nil, types.NewProgrammerError("dispatch", t.header, "unknown operation %q", name)
	}
	return name, fn, nil
}

// Dispatch resolves and runs the operation.
func (t *OperationTable) Dispatch(exchange *types.Exchange, defaultOp string) error {
	_, fn, err := t.Resolve(exchange, defaultOp)
	if err != nil {
		return err
	}
	return fn(exchange)
}
