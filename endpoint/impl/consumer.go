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
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/utils/runtime"
)

// ConsumerConfig holds the parameters every consumer accepts.
// Embed it in component configurations with `mapstructure:",squash"`.
type ConsumerConfig struct {
	// Synchronous makes the consumer goroutine wait for each exchange to complete.
	// When false exchanges are handed to the worker pool.
	Synchronous bool `mapstructure:"synchronous"`
	// ExchangePattern is InOnly or InOut. Request/reply backends force InOut.
	ExchangePattern string `mapstructure:"exchangePattern"`
}

// DefaultConsumerConfig returns synchronous InOnly dispatch.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{Synchronous: true, ExchangePattern: types.InOnly.String()}
}

// Pattern parses ExchangePattern.
func (c ConsumerConfig) Pattern() types.Pattern {
	if strings.EqualFold(c.ExchangePattern, types.InOut.String()) {
		return types.InOut
	}
	return types.InOnly
}

// DefaultConsumer implements the consumer state machine
// CREATED -> STARTING -> RUNNING -> STOPPING -> STOPPED and exchange dispatch.
// Components set DoStart and DoStop to register with and release the backend.
type DefaultConsumer struct {
	endpoint  endpoint.Endpoint
	processor types.AsyncProcessor
	settings  ConsumerConfig

	// DoStart establishes the backend registration. ctx is cancelled on Stop.
	DoStart func(ctx context.Context) error
	// DoStop releases the backend registration. It runs once per Stop.
	DoStop func() error

	mu       sync.Mutex
	state    int32
	ctxMu    sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	// reconnecting is 1 while a reconnect loop runs
	reconnecting int32
}

var _ endpoint.Consumer = (*DefaultConsumer)(nil)

// NewDefaultConsumer creates a consumer in state CREATED.
func NewDefaultConsumer(ep endpoint.Endpoint, processor types.Processor, settings ConsumerConfig) *DefaultConsumer {
	return &DefaultConsumer{
		endpoint:  ep,
		processor: types.ToAsync(processor),
		settings:  settings,
		ctx:       context.Background(),
	}
}

func (c *DefaultConsumer) Endpoint() endpoint.Endpoint {
	return c.endpoint
}

func (c *DefaultConsumer) State() types.State {
	return types.State(atomic.LoadInt32(&c.state))
}

// IsRunning reports whether the consumer accepts events.
func (c *DefaultConsumer) IsRunning() bool {
	return c.State() == types.Running
}

// Context is cancelled when the consumer stops.
func (c *DefaultConsumer) Context() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.ctx
}

func (c *DefaultConsumer) setState(s types.State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Start acquires the endpoint and runs DoStart. Starting a running consumer is a no-op.
func (c *DefaultConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case types.Starting, types.Running:
		return nil
	}
	c.setState(types.Starting)
	if err := c.endpoint.Start(); err != nil {
		c.setState(types.Stopped)
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.ctxMu.Lock()
	c.ctx, c.cancel = ctx, cancel
	c.ctxMu.Unlock()
	if c.DoStart != nil {
		if err := c.DoStart(ctx); err != nil {
			c.cancel()
			_ = c.endpoint.Stop()
			c.setState(types.Stopped)
			return err
		}
	}
	c.setState(types.Running)
	c.fire(types.EventStarted, nil)
	return nil
}

// Stop cancels the registration, waits for in-flight exchanges up to the shutdown
// timeout and releases the endpoint. Calling Stop again is a no-op.
func (c *DefaultConsumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != types.Running {
		return nil
	}
	c.setState(types.Stopping)
	c.cancel()
	err := c.safeStop()
	if !c.waitInflight(c.endpoint.Config().Timeout()) {
		c.endpoint.Config().Printf("consumer %s stopped with exchanges in flight", c.endpoint.Address())
	}
	if epErr := c.endpoint.Stop(); err == nil {
		err = epErr
	}
	c.setState(types.Stopped)
	c.fire(types.EventStopped, err)
	return err
}

func (c *DefaultConsumer) safeStop() (err error) {
	if c.DoStop == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = runtime.PanicError(r)
			c.endpoint.Config().Printf("consumer %s stop panic: %v", c.endpoint.Address(), err)
		}
	}()
	return c.DoStop()
}

func (c *DefaultConsumer) waitInflight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CreateExchange creates an exchange tagged with this consumer's endpoint.
func (c *DefaultConsumer) CreateExchange() *types.Exchange {
	return c.CreateExchangeWithPattern(c.settings.Pattern())
}

// CreateExchangeWithPattern creates an exchange with an explicit pattern.
func (c *DefaultConsumer) CreateExchangeWithPattern(pattern types.Pattern) *types.Exchange {
	ex := types.NewExchange(c.Context(), pattern)
	ex.SetFromEndpoint(c.endpoint.Address())
	return ex
}

// Emit hands exchange to the processor. In synchronous mode it returns once the
// exchange completed; fatal errors are returned and also recorded as the fault.
// In asynchronous mode it returns after enqueueing.
func (c *DefaultConsumer) Emit(exchange *types.Exchange) error {
	if c.settings.Synchronous {
		return c.process(exchange)
	}
	c.EmitAsync(exchange, nil)
	return nil
}

// EmitAsync hands exchange to the processor and calls callback exactly once on completion.
// In synchronous mode completion happens before EmitAsync returns.
func (c *DefaultConsumer) EmitAsync(exchange *types.Exchange, callback types.AsyncCallback) bool {
	callback = types.Once(callback)
	if c.settings.Synchronous {
		_ = c.process(exchange)
		callback(true)
		return true
	}
	c.inflight.Add(1)
	c.endpoint.Config().Submit(func() {
		defer c.inflight.Done()
		_ = c.process(exchange)
		callback(false)
	})
	return false
}

// EmitAndWait processes exchange on the calling goroutine whatever the dispatch mode.
// Request/reply and ordered consumers use it.
func (c *DefaultConsumer) EmitAndWait(exchange *types.Exchange) error {
	return c.process(exchange)
}

func (c *DefaultConsumer) process(exchange *types.Exchange) (err error) {
	c.inflight.Add(1)
	defer c.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			perr := runtime.PanicError(r)
			c.endpoint.Config().Printf("consumer %s processor panic: %v", c.endpoint.Address(), perr)
			err = types.NewProgrammerError("process", "", "%v", perr)
			exchange.Fail(err, "process")
		}
	}()
	if err = types.ProcessSync(c.processor, exchange); err != nil {
		if !exchange.Failed() {
			exchange.Fail(err, "process")
		}
		c.endpoint.Config().Printf("consumer %s exchange %s failed: %v", c.endpoint.Address(), exchange.Id(), err)
	}
	return err
}

// Fire reports an event for this consumer's endpoint.
func (c *DefaultConsumer) Fire(name string, err error) {
	c.fire(name, err)
}

func (c *DefaultConsumer) fire(name string, err error) {
	c.endpoint.Config().FireEvent(types.Event{Name: name, Address: c.endpoint.Address(), Err: err, Time: time.Now()})
}
