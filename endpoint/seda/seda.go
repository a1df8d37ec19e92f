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

// Package seda provides asynchronous in-process queues. Producers enqueue and return;
// consumers drain the queue with concurrentConsumers workers.
//
//	seda:orders?size=1000&concurrentConsumers=4&blockWhenFull=true
package seda

import (
	"context"
	"errors"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/pool"
)

const Scheme = "seda"

const (
	DefaultSize    = 1000
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrQueueFull is the fault of an exchange offered to a full queue.
	ErrQueueFull = errors.New("queue full")
	// ErrReplyTimeout is the fault of an InOut exchange no consumer completed in time.
	ErrReplyTimeout = errors.New("no reply within timeout")
)

// Config is bound from the address.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	Name                string `mapstructure:"name" required:"true"`
	// Size is the queue capacity. The first endpoint creating the queue decides it.
	Size int `mapstructure:"size"`
	// BlockWhenFull makes producers wait up to OfferTimeout for space instead of failing.
	BlockWhenFull bool          `mapstructure:"blockWhenFull"`
	OfferTimeout  time.Duration `mapstructure:"offerTimeout"`
	// ConcurrentConsumers is the number of workers draining the queue.
	ConcurrentConsumers int `mapstructure:"concurrentConsumers"`
	// WaitForTaskToComplete makes the producer wait for the consumer even for InOnly exchanges.
	WaitForTaskToComplete bool `mapstructure:"waitForTaskToComplete"`
	// Timeout bounds the wait for an InOut reply.
	Timeout time.Duration `mapstructure:"timeout"`
}

type item struct {
	exchange *types.Exchange
	done     chan struct{}
}

// Component shares one queue per name between the producers and consumers of all its endpoints.
type Component struct {
	queues impl.ClientPool[chan *item]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:      impl.DefaultConsumerConfig(),
		Size:                DefaultSize,
		ConcurrentConsumers: 1,
		Timeout:             DefaultTimeout,
	}
	if err := impl.Bind(c, address, config, "name", &conf); err != nil {
		return nil, err
	}
	if conf.Size <= 0 {
		return nil, types.NewConfigurationError(address.String(), "size", "must be positive")
	}
	if conf.ConcurrentConsumers <= 0 {
		return nil, types.NewConfigurationError(address.String(), "concurrentConsumers", "must be positive")
	}
	size := conf.Size
	ep := &Endpoint{conf: conf}
	ep.queue = c.queues.Get(conf.Name, func() (chan *item, error) {
		return make(chan *item, size), nil
	}, nil)
	ep.Init(address, config, conf)
	ep.OnStart = func() error {
		_, err := ep.queue.Acquire()
		return err
	}
	ep.OnStop = func() error {
		return ep.queue.Release(config.Timeout())
	}
	return ep, nil
}

// Endpoint is a seda:name endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf  Config
	queue *impl.SharedClient[chan *item]
}

// Len returns the number of queued exchanges.
func (e *Endpoint) Len() int {
	q, err := e.queue.Get()
	if err != nil {
		return 0
	}
	return len(q)
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	return impl.NewDefaultProducer(e, e.offer), nil
}

func (e *Endpoint) offer(exchange *types.Exchange) error {
	q, err := e.queue.Get()
	if err != nil {
		return types.NewConnectivityError("offer", err)
	}
	wait := exchange.Pattern() == types.InOut || e.conf.WaitForTaskToComplete
	it := &item{exchange: exchange}
	if wait {
		it.done = make(chan struct{})
	} else {
		it.exchange = exchange.Copy()
	}
	if err := e.enqueue(exchange.Context(), q, it); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	timer := time.NewTimer(e.conf.Timeout)
	defer timer.Stop()
	select {
	case <-it.done:
		return nil
	case <-timer.C:
		return types.NewConnectivityError("offer", ErrReplyTimeout)
	case <-exchange.Context().Done():
		return types.NewConnectivityError("offer", exchange.Context().Err())
	}
}

func (e *Endpoint) enqueue(ctx context.Context, q chan *item, it *item) error {
	select {
	case q <- it:
		return nil
	default:
	}
	if !e.conf.BlockWhenFull {
		return types.NewConnectivityError("offer", ErrQueueFull)
	}
	var timeout <-chan time.Time
	if e.conf.OfferTimeout > 0 {
		timer := time.NewTimer(e.conf.OfferTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case q <- it:
		return nil
	case <-timeout:
		return types.NewConnectivityError("offer", ErrQueueFull)
	case <-ctx.Done():
		return types.NewConnectivityError("offer", ctx.Err())
	}
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	c := &consumer{endpoint: e}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

type consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint
	workers  *pool.WorkerPool
	done     chan struct{}
}

func (c *consumer) start(ctx context.Context) error {
	q, err := c.endpoint.queue.Get()
	if err != nil {
		return err
	}
	n := c.endpoint.conf.ConcurrentConsumers
	c.workers = &pool.WorkerPool{MaxWorkersCount: n}
	c.workers.Start()
	c.done = make(chan struct{})
	go c.dispatch(ctx, q, make(chan struct{}, n))
	return nil
}

// dispatch takes an item once a worker slot is free, so queued exchanges stay in the queue
// while all workers are busy.
func (c *consumer) dispatch(ctx context.Context, q chan *item, slots chan struct{}) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}
		var it *item
		select {
		case <-ctx.Done():
			return
		case it = <-q:
		}
		task := func() {
			defer func() { <-slots }()
			_ = c.EmitAndWait(it.exchange)
			if it.done != nil {
				close(it.done)
			}
		}
		// a worker finishing its task frees the slot just before it returns to the idle list
		for c.workers.Submit(task) == pool.ErrNoIdleWorkers {
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *consumer) stop() error {
	if c.done != nil {
		<-c.done
	}
	if c.workers != nil {
		c.workers.Stop()
	}
	return nil
}
