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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rulego/relay/utils/json"
)

// Pattern is the message exchange pattern.
type Pattern int

const (
	// InOnly is fire-and-forget: the consumer does not wait for a reply.
	InOnly Pattern = iota
	// InOut is request/reply: the consumer sends Out (or In when Out is unset) back.
	InOut
)

func (p Pattern) String() string {
	if p == InOut {
		return "InOut"
	}
	return "InOnly"
}

// Message is a header set and an opaque body.
type Message struct {
	mu      sync.RWMutex
	headers *Headers
	body    interface{}
}

// NewMessage creates a message with the given body.
func NewMessage(body interface{}) *Message {
	return &Message{headers: NewHeaders(), body: body}
}

// Headers returns the message headers.
func (m *Message) Headers() *Headers {
	return m.headers
}

// SetHeader is a shortcut for Headers().Set.
func (m *Message) SetHeader(key string, value interface{}) {
	m.headers.Set(key, value)
}

// Header is a shortcut for Headers().Get.
func (m *Message) Header(key string) (interface{}, bool) {
	return m.headers.Get(key)
}

// Body returns the body.
func (m *Message) Body() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.body
}

// SetBody replaces the body.
func (m *Message) SetBody(body interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = body
}

// BodyBytes converts the body to bytes. Strings and byte slices are returned as is,
// other values are JSON encoded.
func (m *Message) BodyBytes() ([]byte, error) {
	switch v := m.Body().(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// BodyString is BodyBytes as a string; encoding errors yield "".
func (m *Message) BodyString() string {
	if s, ok := m.Body().(string); ok {
		return s
	}
	b, err := m.BodyBytes()
	if err != nil {
		return ""
	}
	return string(b)
}

// Copy returns a message with copied headers and the same body value.
func (m *Message) Copy() *Message {
	return &Message{headers: m.headers.Copy(), body: m.Body()}
}

// BodyAs returns the body as T.
func BodyAs[T any](m *Message) (T, bool) {
	v, ok := m.Body().(T)
	return v, ok
}

// Fault is an error attached to an Exchange instead of being returned.
type Fault struct {
	Kind Kind
	// Op is the backend operation that failed.
	Op string
	// Address is the endpoint address.
	Address string
	// Code is the backend error code, if any.
	Code string
	// Err is the original backend error.
	Err error
}

// NewFault wraps err. Classification is copied from *Error when err carries one.
func NewFault(err error, op, address string) *Fault {
	f := &Fault{Kind: KindConnectivity, Op: op, Address: address, Err: err}
	var e *Error
	if errors.As(err, &e) {
		f.Kind = e.Kind
		f.Code = e.Code
		if f.Op == "" {
			f.Op = e.Op
		}
		if f.Address == "" {
			f.Address = e.Address
		}
	}
	return f
}

func (f *Fault) Error() string {
	msg := "fault"
	if f.Op != "" {
		msg += " op=" + f.Op
	}
	if f.Address != "" {
		msg += " address=" + f.Address
	}
	if f.Code != "" {
		msg += " code=" + f.Code
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Exchange is the unit of work flowing through a route.
// After processing exactly one of {out set, fault set, neither} holds.
type Exchange struct {
	mu           sync.RWMutex
	id           string
	pattern      Pattern
	ctx          context.Context
	created      time.Time
	in           *Message
	out          *Message
	fault        *Fault
	properties   map[string]interface{}
	fromEndpoint string
	routeId      string
}

// NewExchange creates an exchange with an empty In message.
func NewExchange(ctx context.Context, pattern Pattern) *Exchange {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Exchange{
		id:         NewId(),
		pattern:    pattern,
		ctx:        ctx,
		created:    time.Now(),
		in:         NewMessage(nil),
		properties: make(map[string]interface{}),
	}
}

// NewId generates a random exchange id.
func NewId() string {
	return uuid.Must(uuid.NewV4()).String()
}

func (e *Exchange) Id() string {
	return e.id
}

func (e *Exchange) Pattern() Pattern {
	return e.pattern
}

func (e *Exchange) Created() time.Time {
	return e.created
}

// Context returns the context the exchange was created with.
func (e *Exchange) Context() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ctx
}

// SetContext replaces the exchange context, e.g. to carry a tracing span.
func (e *Exchange) SetContext(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx = ctx
}

// In returns the input message. It is never nil.
func (e *Exchange) In() *Message {
	return e.in
}

// Out returns the output message, or nil if none was produced.
func (e *Exchange) Out() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.out
}

// HasOut reports whether an output message was produced.
func (e *Exchange) HasOut() bool {
	return e.Out() != nil
}

// SetOut sets the output message and clears the fault.
func (e *Exchange) SetOut(out *Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = out
	if out != nil {
		e.fault = nil
	}
}

// Result returns Out when set, otherwise In.
func (e *Exchange) Result() *Message {
	if out := e.Out(); out != nil {
		return out
	}
	return e.in
}

// Fault returns the fault, or nil.
func (e *Exchange) Fault() *Fault {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fault
}

// SetFault records a fault and clears the output message. In is left intact.
func (e *Exchange) SetFault(fault *Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fault = fault
	if fault != nil {
		e.out = nil
	}
}

// Fail records err as a fault. A *Fault is stored as is.
func (e *Exchange) Fail(err error, op string) {
	if err == nil {
		return
	}
	var f *Fault
	if errors.As(err, &f) {
		e.SetFault(f)
		return
	}
	e.SetFault(NewFault(err, op, e.FromEndpoint()))
}

// ClearFault removes the fault, e.g. after a successful retry.
func (e *Exchange) ClearFault() {
	e.SetFault(nil)
}

// Failed reports whether a fault is set.
func (e *Exchange) Failed() bool {
	return e.Fault() != nil
}

// Err returns the fault as an error, or nil.
func (e *Exchange) Err() error {
	if f := e.Fault(); f != nil {
		return f
	}
	return nil
}

// Property returns an exchange-scoped property.
func (e *Exchange) Property(key string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.properties[key]
	return v, ok
}

// SetProperty sets an exchange-scoped property.
func (e *Exchange) SetProperty(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.properties[key] = value
}

// FromEndpoint is the address of the endpoint that created the exchange.
func (e *Exchange) FromEndpoint() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fromEndpoint
}

func (e *Exchange) SetFromEndpoint(address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fromEndpoint = address
}

// RouteId is the id of the route processing the exchange.
func (e *Exchange) RouteId() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.routeId
}

func (e *Exchange) SetRouteId(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routeId = id
}

// Copy returns a new exchange with the same id, copied messages and properties.
func (e *Exchange) Copy() *Exchange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := &Exchange{
		id:           e.id,
		pattern:      e.pattern,
		ctx:          e.ctx,
		created:      e.created,
		in:           e.in.Copy(),
		fault:        e.fault,
		properties:   make(map[string]interface{}, len(e.properties)),
		fromEndpoint: e.fromEndpoint,
		routeId:      e.routeId,
	}
	if e.out != nil {
		c.out = e.out.Copy()
	}
	for k, v := range e.properties {
		c.properties[k] = v
	}
	return c
}
