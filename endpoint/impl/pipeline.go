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
	"container/list"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/utils/json"
	"github.com/rulego/relay/utils/runtime"
)

// Pipeline is the processor a route's consumer feeds. Each exchange runs the
// aspects' Before, the from steps, the producer of the to address, the to steps,
// and the aspects' After in reverse order.
type Pipeline struct {
	router   endpoint.Router
	registry endpoint.Registry
	config   types.Config

	mu        sync.Mutex
	producers map[string]endpoint.Producer
	// dynamic holds the producers of expanded To addresses, most recently used first.
	dynamic map[string]*list.Element
	lru     *list.List
	stopped bool
}

type dynamicProducer struct {
	address  string
	producer endpoint.Producer
	inflight int
	evicted  bool
}

var _ types.AsyncProcessor = (*Pipeline)(nil)

// NewPipeline creates the pipeline of router. Producers are resolved through registry.
func NewPipeline(router endpoint.Router, registry endpoint.Registry, config types.Config) *Pipeline {
	return &Pipeline{
		router:    router,
		registry:  registry,
		config:    config,
		producers: make(map[string]endpoint.Producer),
		dynamic:   make(map[string]*list.Element),
		lru:       list.New(),
	}
}

// Router returns the route definition.
func (p *Pipeline) Router() endpoint.Router {
	return p.router
}

// Start resolves and starts the producer of a static to address.
// Dynamic addresses are resolved per exchange.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	from := p.router.GetFrom()
	if from == nil || from.GetTo() == nil || from.GetTo().IsDynamic() {
		return nil
	}
	_, err := p.producer(from.GetTo().ToString())
	return err
}

// Stop stops every producer the pipeline started.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	var producers []endpoint.Producer
	for _, producer := range p.producers {
		producers = append(producers, producer)
	}
	for e := p.lru.Front(); e != nil; e = e.Next() {
		producers = append(producers, e.Value.(*dynamicProducer).producer)
	}
	p.producers = make(map[string]endpoint.Producer)
	p.dynamic = make(map[string]*list.Element)
	p.lru.Init()
	p.stopped = true
	p.mu.Unlock()
	var firstErr error
	for _, producer := range producers {
		if err := producer.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) Process(exchange *types.Exchange) error {
	return types.ProcessSync(p, exchange)
}

func (p *Pipeline) ProcessAsync(exchange *types.Exchange, callback types.AsyncCallback) bool {
	callback = types.Once(callback)
	if p.router.IsDisable() {
		callback(true)
		return true
	}
	exchange.SetRouteId(p.router.GetId())

	aspects := p.router.Aspects()
	passed := 0
	finish := func(doneSync bool) {
		for i := passed - 1; i >= 0; i-- {
			p.after(aspects[i], exchange)
		}
		callback(doneSync)
	}
	for _, aspect := range aspects {
		if !aspect.Before(p.router, exchange) {
			finish(true)
			return true
		}
		passed++
	}

	from := p.router.GetFrom()
	if from == nil {
		finish(true)
		return true
	}
	if !p.steps(from.GetProcessList(), exchange) {
		finish(true)
		return true
	}
	to := from.GetTo()
	if to == nil {
		finish(true)
		return true
	}
	var producer endpoint.Producer
	var err error
	release := func() {}
	if to.IsDynamic() {
		producer, release, err = p.dynamicProducer(to.ToStringByDict(ExchangeDict(p.config, exchange)))
	} else {
		producer, err = p.producer(to.ToString())
	}
	if err != nil {
		exchange.Fail(err, "to")
		finish(true)
		return true
	}
	return producer.ProcessAsync(exchange, func(doneSync bool) {
		release()
		if !exchange.Failed() {
			p.steps(to.GetProcessList(), exchange)
		}
		finish(doneSync)
	})
}

// steps runs route steps, turning a panic into a programmer fault.
func (p *Pipeline) steps(steps []endpoint.Process, exchange *types.Exchange) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := runtime.PanicError(r)
			p.config.Printf("route %s step panic: %v", p.router.GetId(), err)
			exchange.Fail(types.NewProgrammerError("process", "", "%v", err), "process")
			ok = false
		}
	}()
	return executeProcess(steps, p.router, exchange)
}

func (p *Pipeline) after(aspect endpoint.Aspect, exchange *types.Exchange) {
	defer func() {
		if r := recover(); r != nil {
			p.config.Printf("route %s aspect panic: %v", p.router.GetId(), runtime.PanicError(r))
		}
	}()
	aspect.After(p.router, exchange)
}

func (p *Pipeline) producer(address string) (endpoint.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if producer, ok := p.producers[address]; ok {
		return producer, nil
	}
	if p.stopped {
		return nil, types.NewConfigurationError(address, "", "route %s is stopped", p.router.GetId())
	}
	producer, err := p.startProducer(address)
	if err != nil {
		return nil, err
	}
	p.producers[address] = producer
	return producer, nil
}

func (p *Pipeline) startProducer(address string) (endpoint.Producer, error) {
	ep, err := p.registry.Resolve(address, nil)
	if err != nil {
		return nil, err
	}
	producer, err := ep.CreateProducer()
	if err != nil {
		return nil, err
	}
	if err := producer.Start(); err != nil {
		return nil, err
	}
	return producer, nil
}

// dynamicProducer returns the producer of an expanded To address and marks it in use
// until release is called. Beyond MaxDynamicProducers the least recently used
// producer is evicted; it stops once its last exchange released it.
func (p *Pipeline) dynamicProducer(address string) (endpoint.Producer, func(), error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, nil, types.NewConfigurationError(address, "", "route %s is stopped", p.router.GetId())
	}
	e, ok := p.dynamic[address]
	if !ok {
		producer, err := p.startProducer(address)
		if err != nil {
			p.mu.Unlock()
			return nil, nil, err
		}
		e = p.lru.PushFront(&dynamicProducer{address: address, producer: producer})
		p.dynamic[address] = e
	} else {
		p.lru.MoveToFront(e)
	}
	dp := e.Value.(*dynamicProducer)
	dp.inflight++
	var idle []*dynamicProducer
	for limit := p.config.MaxDynamicProducers; limit > 0 && p.lru.Len() > limit; {
		last := p.lru.Back()
		victim := p.lru.Remove(last).(*dynamicProducer)
		delete(p.dynamic, victim.address)
		victim.evicted = true
		if victim.inflight == 0 {
			idle = append(idle, victim)
		}
	}
	p.mu.Unlock()
	for _, victim := range idle {
		p.evict(victim)
	}
	var once sync.Once
	return dp.producer, func() {
		once.Do(func() {
			p.mu.Lock()
			dp.inflight--
			stop := dp.evicted && dp.inflight == 0
			p.mu.Unlock()
			if stop {
				p.evict(dp)
			}
		})
	}, nil
}

// evict stops an evicted producer and drops its endpoint from the registry cache
// when no other adapter holds it.
func (p *Pipeline) evict(dp *dynamicProducer) {
	if err := dp.producer.Stop(); err != nil {
		p.config.Printf("route %s stop producer %s: %v", p.router.GetId(), dp.address, err)
	}
	if r, ok := p.registry.(interface{ Remove(address string) bool }); ok && dp.producer.Endpoint().Refs() == 0 {
		r.Remove(dp.address)
	}
}

// ExchangeDict exposes the exchange to ${...} placeholders: id, header, global and
// body, the latter decoded from JSON when it is bytes or a string.
func ExchangeDict(config types.Config, exchange *types.Exchange) map[string]interface{} {
	global := make(map[string]interface{}, len(config.Properties))
	for k, v := range config.Properties {
		global[k] = v
	}
	dict := map[string]interface{}{
		"id":         exchange.Id(),
		types.Header: exchange.In().Headers().Values(),
		types.Global: global,
	}
	switch body := exchange.In().Body().(type) {
	case map[string]interface{}:
		dict[types.Body] = body
	case []byte, string:
		var m map[string]interface{}
		var b []byte
		if s, ok := body.(string); ok {
			b = []byte(s)
		} else {
			b = body.([]byte)
		}
		if json.Unmarshal(b, &m) == nil {
			dict[types.Body] = m
		}
	}
	return dict
}
