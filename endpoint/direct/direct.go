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

// Package direct hands exchanges synchronously from a producer to the consumer
// registered under the same name, on the producer's goroutine.
//
//	direct:orders
package direct

import (
	"context"
	"errors"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "direct"

// ErrNoConsumers is the fault of an exchange sent to a name nobody consumes.
var ErrNoConsumers = errors.New("no consumers available on endpoint")

// Config is bound from the address.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	Name                string `mapstructure:"name" required:"true"`
	// FailIfNoConsumers fails the exchange when no consumer is running. When false the exchange is dropped.
	FailIfNoConsumers bool `mapstructure:"failIfNoConsumers"`
}

// Component keeps the running consumers by name.
type Component struct {
	mu        sync.RWMutex
	consumers map[string]*impl.DefaultConsumer
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{ConsumerConfig: impl.DefaultConsumerConfig(), FailIfNoConsumers: true}
	if err := impl.Bind(c, address, config, "name", &conf); err != nil {
		return nil, err
	}
	ep := &Endpoint{component: c, conf: conf}
	ep.Init(address, config, conf)
	return ep, nil
}

func (c *Component) consumer(name string) *impl.DefaultConsumer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumers[name]
}

func (c *Component) attach(name string, consumer *impl.DefaultConsumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumers == nil {
		c.consumers = make(map[string]*impl.DefaultConsumer)
	}
	if _, ok := c.consumers[name]; ok {
		return types.NewConfigurationError(Scheme+":"+name, "name", "a consumer is already attached")
	}
	c.consumers[name] = consumer
	return nil
}

func (c *Component) detach(name string, consumer *impl.DefaultConsumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumers[name] == consumer {
		delete(c.consumers, name)
	}
}

// Endpoint is a direct:name endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	component *Component
	conf      Config
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	return impl.NewDefaultProducer(e, e.send), nil
}

func (e *Endpoint) send(exchange *types.Exchange) error {
	consumer := e.component.consumer(e.conf.Name)
	if consumer == nil || !consumer.IsRunning() {
		if e.conf.FailIfNoConsumers {
			return types.NewConnectivityError("send", ErrNoConsumers)
		}
		return nil
	}
	// the consumer works on the same exchange, so its Out is the producer's reply
	return consumer.EmitAndWait(exchange)
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	consumer := impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	consumer.DoStart = func(ctx context.Context) error {
		return e.component.attach(e.conf.Name, consumer)
	}
	consumer.DoStop = func() error {
		e.component.detach(e.conf.Name, consumer)
		return nil
	}
	return consumer, nil
}
