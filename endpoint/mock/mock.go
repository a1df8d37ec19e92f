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

// Package mock records the exchanges sent to it and checks expectations in tests.
//
//	ep, _ := registry.Resolve("mock:result", nil)
//	m := ep.(*mock.Endpoint)
//	m.ExpectedMessageCount(2)
//	...
//	assert.Nil(t, m.AssertIsSatisfied(time.Second))
package mock

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "mock"

// Config is bound from the address.
type Config struct {
	Name string `mapstructure:"name" required:"true"`
	// RetainFirst keeps only the first n exchanges, 0 keeps all.
	RetainFirst int `mapstructure:"retainFirst"`
}

type Component struct{}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	var conf Config
	if err := impl.Bind(c, address, config, "name", &conf); err != nil {
		return nil, err
	}
	ep := &Endpoint{conf: conf, expectedCount: -1}
	ep.cond = sync.NewCond(&ep.mu)
	ep.Init(address, config, conf)
	return ep, nil
}

// Endpoint is a mock:name endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf Config

	mu             sync.Mutex
	cond           *sync.Cond
	received       []*types.Exchange
	count          int
	expectedCount  int
	expectedBodies []interface{}
	expectedHeader map[string]interface{}
	// Reply, when set, runs for every exchange, e.g. to set Out or return an error.
	Reply func(exchange *types.Exchange) error
}

// ExpectedMessageCount expects exactly n exchanges.
func (e *Endpoint) ExpectedMessageCount(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expectedCount = n
}

// ExpectedBodiesReceived expects the bodies in order. It implies their count.
func (e *Endpoint) ExpectedBodiesReceived(bodies ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expectedBodies = bodies
	e.expectedCount = len(bodies)
}

// ExpectedHeaderReceived expects every exchange to carry the header value.
func (e *Endpoint) ExpectedHeaderReceived(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expectedHeader == nil {
		e.expectedHeader = make(map[string]interface{})
	}
	e.expectedHeader[key] = value
}

// Reset clears received exchanges and expectations.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = nil
	e.count = 0
	e.expectedCount = -1
	e.expectedBodies = nil
	e.expectedHeader = nil
}

// Received returns the retained exchanges.
func (e *Endpoint) Received() []*types.Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.Exchange(nil), e.received...)
}

// ReceivedCount returns the number of exchanges sent to the endpoint.
func (e *Endpoint) ReceivedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// AssertIsSatisfied waits up to timeout for the expected count, then checks every expectation.
func (e *Endpoint) AssertIsSatisfied(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.expectedCount >= 0 && e.count < e.expectedCount && time.Now().Before(deadline) {
		e.cond.Wait()
	}
	if e.expectedCount >= 0 && e.count != e.expectedCount {
		return fmt.Errorf("mock %s: expected %d exchanges, received %d", e.conf.Name, e.expectedCount, e.count)
	}
	for i, want := range e.expectedBodies {
		if i >= len(e.received) {
			break
		}
		if got := e.received[i].In().Body(); !reflect.DeepEqual(got, want) {
			return fmt.Errorf("mock %s: exchange %d body %v, expected %v", e.conf.Name, i, got, want)
		}
	}
	for key, want := range e.expectedHeader {
		for i, ex := range e.received {
			if got, _ := ex.In().Header(key); !reflect.DeepEqual(got, want) {
				return fmt.Errorf("mock %s: exchange %d header %s=%v, expected %v", e.conf.Name, i, key, got, want)
			}
		}
	}
	return nil
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	return impl.NewDefaultProducer(e, e.receive), nil
}

func (e *Endpoint) receive(exchange *types.Exchange) error {
	e.mu.Lock()
	e.count++
	if e.conf.RetainFirst <= 0 || len(e.received) < e.conf.RetainFirst {
		e.received = append(e.received, exchange)
	}
	reply := e.Reply
	e.cond.Broadcast()
	e.mu.Unlock()
	if reply != nil {
		return reply(exchange)
	}
	return nil
}
