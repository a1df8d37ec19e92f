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

// Package queue provides named in-memory logs. Producers append items; consumers
// poll them on a schedule and track progress with a cursor.
//
//	queue:orders?pollInterval=500&cursor=id
//
// Items are offered oldest first. With the default id cursor an item whose id was
// already emitted is skipped, like a table polled by primary key.
package queue

import (
	"context"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "queue"

const (
	// HeaderOperation selects the producer operation.
	HeaderOperation = "QueueOperation"
	// HeaderItemKey carries the item key on produced and consumed exchanges.
	HeaderItemKey = "QueueItemKey"
	HeaderItemSeq = "QueueItemSeq"
)

// Producer operations.
const (
	OpOffer = "offer"
	OpSize  = "size"
	OpClear = "clear"
)

// Config is bound from the address.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	impl.PollConfig     `mapstructure:",squash"`
	Name                string `mapstructure:"name" required:"true"`
	// Cursor is id, timestamp or seen.
	Cursor       string `mapstructure:"cursor"`
	SeenCapacity int    `mapstructure:"seenCapacity"`
	// IdField is the body field used as item id.
	IdField string `mapstructure:"idField"`
	// Delete removes items from the log once consumed.
	Delete bool `mapstructure:"delete"`
	// MaxSize bounds the log. The first endpoint creating the log decides it.
	MaxSize int `mapstructure:"maxSize"`
}

// Component owns the logs. They outlive their endpoints.
type Component struct {
	mu     sync.Mutex
	stores map[string]*Store
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

// Store returns the log named name, creating it.
func (c *Component) Store(name string) *Store {
	return c.store(name, 0)
}

func (c *Component) store(name string, maxSize int) *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stores == nil {
		c.stores = make(map[string]*Store)
	}
	s, ok := c.stores[name]
	if !ok {
		s = NewStore(maxSize)
		c.stores[name] = s
	}
	return s
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig: impl.DefaultConsumerConfig(),
		PollConfig:     impl.DefaultPollConfig(),
		Cursor:         impl.CursorId,
		IdField:        "id",
		MaxSize:        impl.DefaultSeenCapacity,
	}
	if err := impl.Bind(c, address, config, "name", &conf); err != nil {
		return nil, err
	}
	if err := conf.PollConfig.Validate(address.String()); err != nil {
		return nil, err
	}
	if _, err := impl.NewCursor(conf.Cursor, conf.SeenCapacity); err != nil {
		return nil, types.NewConfigurationError(address.String(), "cursor", "%v", err)
	}
	ep := &Endpoint{conf: conf, store: c.store(conf.Name, conf.MaxSize)}
	ep.Init(address, config, conf)
	ep.ops = impl.NewOperationTable(HeaderOperation).
		Register(OpOffer, ep.offer).
		Register(OpSize, func(exchange *types.Exchange) error {
			impl.Reply(exchange, ep.store.Len())
			return nil
		}).
		Register(OpClear, func(exchange *types.Exchange) error {
			ep.store.Clear()
			return nil
		})
	return ep, nil
}

// Endpoint is a queue:name endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf  Config
	store *Store
	ops   *impl.OperationTable
}

// Store returns the endpoint's log.
func (e *Endpoint) Store() *Store {
	return e.store
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := impl.NewDefaultProducer(e, func(exchange *types.Exchange) error {
		return e.ops.Dispatch(exchange, OpOffer)
	})
	p.Validate = func(exchange *types.Exchange) error {
		_, _, err := e.ops.Resolve(exchange, OpOffer)
		return err
	}
	return p, nil
}

func (e *Endpoint) offer(exchange *types.Exchange) error {
	in := exchange.In()
	headers := in.Headers().Values()
	delete(headers, HeaderOperation)
	item := e.store.Put(in.Body(), headers, e.conf.IdField)
	in.SetHeader(HeaderItemKey, item.Key)
	in.SetHeader(HeaderItemSeq, item.Seq)
	return nil
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	cursor, err := impl.NewCursor(e.conf.Cursor, e.conf.SeenCapacity)
	if err != nil {
		return nil, err
	}
	consumer := impl.NewScheduledPollConsumer(e, processor, e.conf.ConsumerConfig, e.conf.PollConfig, &source{endpoint: e}, cursor)
	consumer.ItemHeaderPrefix = "Queue"
	return consumer, nil
}

type source struct {
	endpoint *Endpoint
}

func (s *source) Fetch(ctx context.Context, cursor impl.Cursor, max int) ([]impl.PollItem, error) {
	return s.endpoint.store.Items(), nil
}

// Commit removes consumed items when the endpoint deletes.
func (s *source) Commit(ctx context.Context, item impl.PollItem) error {
	if s.endpoint.conf.Delete {
		s.endpoint.store.Remove(item.Key)
	}
	return nil
}
