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

// Package endpoint defines the mediation contracts: components resolve addresses into
// endpoints, endpoints create producers and consumers, and routes connect them.
//
// A route reads:
//
//	router := impl.NewRouter().From("queue:orders?pollInterval=500").Process(func(router endpoint.Router, exchange *types.Exchange) bool {
//		exchange.In().SetHeader("seen", true)
//		return true
//	}).To("log:orders").End()
package endpoint

import (
	"context"

	"github.com/rulego/relay/api/types"
)

// Component creates endpoints for one address scheme.
type Component interface {
	// Scheme is the address scheme the component serves, e.g. "queue".
	Scheme() string
	// CreateEndpoint binds the address into a fresh configuration.
	// It must not connect to the backend.
	CreateEndpoint(address Address, config types.Config) (Endpoint, error)
}

// LenientComponent is implemented by components that accept parameters they do not declare.
// Unknown parameters stay readable through Address.Params.
type LenientComponent interface {
	Component
	Lenient() bool
}

// Endpoint is a resolved, reusable descriptor plus a shared backend handle.
// Start and Stop are reference counted: the backend starts with the first Start
// and stops with the matching last Stop. Extra Stop calls are no-ops.
type Endpoint interface {
	// Address is the normalized address the endpoint was resolved from.
	Address() string
	Scheme() string
	// Configuration returns the resolved configuration struct.
	Configuration() interface{}
	// Config is the runtime configuration.
	Config() types.Config
	Start() error
	Stop() error
	// Refs is the number of active adapters.
	Refs() int
	CreateProducer() (Producer, error)
	CreateConsumer(processor types.Processor) (Consumer, error)
}

// Producer pushes exchanges to the backend. Safe for concurrent use unless a component documents otherwise.
type Producer interface {
	types.AsyncProcessor
	Endpoint() Endpoint
	Start() error
	Stop() error
}

// Consumer turns backend events into exchanges for its processor.
type Consumer interface {
	Endpoint() Endpoint
	Start() error
	// Stop is safe to call more than once.
	Stop() error
	State() types.State
}

// PollingConsumer is a consumer driven by a schedule.
type PollingConsumer interface {
	Consumer
	// Poll runs one poll cycle and returns the number of exchanges emitted.
	Poll(ctx context.Context) (int, error)
}

// Registry resolves addresses into endpoints.
type Registry interface {
	Register(component Component) error
	Unregister(scheme string) error
	Resolve(address string, params map[string]interface{}) (Endpoint, error)
}

// Process is a route step. Returning false stops the exchange.
type Process func(router Router, exchange *types.Exchange) bool

// From is the consumer side of a route.
type From interface {
	ToString() string
	Process(process Process) From
	// Processor appends a Processor as a route step.
	Processor(processor types.Processor) From
	GetProcessList() []Process
	// To sets the producer address. It may contain ${header.x}, ${body.x} or ${global.x}
	// placeholders, expanded per exchange.
	To(to string) To
	GetTo() To
	End() Router
}

// To is the producer side of a route.
type To interface {
	ToString() string
	// Process appends a step run after the producer completed.
	Process(process Process) To
	GetProcessList() []Process
	// IsDynamic reports whether the address contains placeholders.
	IsDynamic() bool
	// ToStringByDict expands placeholders.
	ToStringByDict(dict map[string]interface{}) string
	End() Router
}

// Router is a route definition.
type Router interface {
	SetId(id string) Router
	GetId() string
	FromToString() string
	From(from string) From
	GetFrom() From
	Disable(disable bool) Router
	IsDisable() bool
	// Use appends aspects invoked around every exchange of the route.
	Use(aspects ...Aspect) Router
	Aspects() []Aspect
	Err() error
}

// Aspect intercepts exchanges of a route.
type Aspect interface {
	// Before runs before the first step. Returning false drops the exchange.
	Before(router Router, exchange *types.Exchange) bool
	// After runs once the exchange completed, successfully or not.
	After(router Router, exchange *types.Exchange)
}
