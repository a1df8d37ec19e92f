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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/utils/str"
)

var (
	_ endpoint.Router = (*Router)(nil)
	_ endpoint.From   = (*From)(nil)
	_ endpoint.To     = (*To)(nil)
)

// From is the consumer side of a route.
type From struct {
	Router *Router
	// From is the consumer address.
	From        string
	processList []endpoint.Process
	to          *To
}

func (f *From) ToString() string {
	return f.From
}

// Process appends a step run before the producer.
func (f *From) Process(process endpoint.Process) endpoint.From {
	f.processList = append(f.processList, process)
	return f
}

// Processor appends a Processor as a step. A returned error fails the exchange.
func (f *From) Processor(processor types.Processor) endpoint.From {
	return f.Process(ProcessorStep(processor))
}

func (f *From) GetProcessList() []endpoint.Process {
	return f.processList
}

// ExecuteProcess runs the steps in order.
// It reports false as soon as a step stops the exchange.
func (f *From) ExecuteProcess(router endpoint.Router, exchange *types.Exchange) bool {
	return executeProcess(f.processList, router, exchange)
}

// To sets the producer address.
func (f *From) To(to string) endpoint.To {
	to = strings.TrimSpace(to)
	if to == "" {
		f.Router.setErr(errors.New("route to address is empty"))
	}
	f.to = &To{Router: f.Router, To: to, HasVars: str.CheckHasVar(to)}
	return f.to
}

func (f *From) GetTo() endpoint.To {
	if f.to == nil {
		return nil
	}
	return f.to
}

func (f *From) End() endpoint.Router {
	return f.Router
}

// To is the producer side of a route.
type To struct {
	Router *Router
	// HasVars reports whether To contains ${...} placeholders.
	HasVars     bool
	To          string
	processList []endpoint.Process
}

func (t *To) ToString() string {
	return t.To
}

// Process appends a step run after the producer completed without a fault.
func (t *To) Process(process endpoint.Process) endpoint.To {
	t.processList = append(t.processList, process)
	return t
}

func (t *To) GetProcessList() []endpoint.Process {
	return t.processList
}

func (t *To) IsDynamic() bool {
	return t.HasVars
}

// ToStringByDict expands ${header.x}, ${body.x} and ${global.x} placeholders.
func (t *To) ToStringByDict(dict map[string]interface{}) string {
	if t.HasVars {
		return str.ExecuteTemplate(t.To, dict)
	}
	return t.To
}

func (t *To) End() endpoint.Router {
	return t.Router
}

// Router is a route definition: From(address).Process(...).To(address).End().
type Router struct {
	id      string
	from    *From
	disable uint32
	aspects []endpoint.Aspect

	mu  sync.Mutex
	err error
}

// NewRouter creates an empty route.
func NewRouter() endpoint.Router {
	return &Router{}
}

func (r *Router) SetId(id string) endpoint.Router {
	r.id = id
	return r
}

func (r *Router) GetId() string {
	return r.id
}

func (r *Router) FromToString() string {
	if r.from == nil {
		return ""
	}
	return r.from.ToString()
}

func (r *Router) From(from string) endpoint.From {
	from = strings.TrimSpace(from)
	if from == "" {
		r.setErr(errors.New("route from address is empty"))
	}
	r.from = &From{Router: r, From: from}
	return r.from
}

func (r *Router) GetFrom() endpoint.From {
	if r.from == nil {
		return nil
	}
	return r.from
}

// Disable true stops the route from accepting exchanges.
func (r *Router) Disable(disable bool) endpoint.Router {
	if disable {
		atomic.StoreUint32(&r.disable, 1)
	} else {
		atomic.StoreUint32(&r.disable, 0)
	}
	return r
}

func (r *Router) IsDisable() bool {
	return atomic.LoadUint32(&r.disable) == 1
}

func (r *Router) Use(aspects ...endpoint.Aspect) endpoint.Router {
	r.aspects = append(r.aspects, aspects...)
	return r
}

func (r *Router) Aspects() []endpoint.Aspect {
	return r.aspects
}

// Err returns the first error recorded while building the route.
func (r *Router) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil && r.from == nil {
		return errors.New("route has no from address")
	}
	return r.err
}

func (r *Router) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// ProcessorStep adapts a Processor to a route step. A returned error is
// recorded as the fault and stops the exchange.
func ProcessorStep(processor types.Processor) endpoint.Process {
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		if err := processor.Process(exchange); err != nil {
			exchange.Fail(err, "process")
			return false
		}
		return !exchange.Failed()
	}
}

func executeProcess(steps []endpoint.Process, router endpoint.Router, exchange *types.Exchange) bool {
	for _, step := range steps {
		if !step(router, exchange) {
			return false
		}
	}
	return true
}
