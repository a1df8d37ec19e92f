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
	"math"
	"time"

	"github.com/rulego/relay/utils/pool"
)

// DefaultShutdownTimeout is the time a stopping consumer waits for in-flight exchanges.
const DefaultShutdownTimeout = 10 * time.Second

// DefaultMaxDynamicProducers bounds the producers a route with a dynamic To keeps started.
const DefaultMaxDynamicProducers = 256

// Config defines the configuration shared by the registry, endpoints and adapters.
type Config struct {
	// Logger is the logging interface, defaulting to `DefaultLogger()`.
	Logger Logger
	// Pool is the worker pool used by consumers configured with `synchronous=false`
	// and by asynchronous producers. If nil, a goroutine is started per task.
	Pool Pool
	// StrictParameters rejects address parameters the component does not declare.
	// Components may still opt out by declaring themselves lenient.
	StrictParameters bool
	// ShutdownTimeout bounds how long Stop waits for a pending poll, subscription
	// or in-flight exchange.
	ShutdownTimeout time.Duration
	// OnEvent receives adapter lifecycle events such as connect, disconnect and reconnect.
	OnEvent OnEvent
	// Properties are global key-value properties. Address strings may reference them
	// with ${global.key}.
	Properties map[string]string
	// MaxDynamicProducers bounds the producers a route keeps for its expanded To
	// addresses. The least recently used one is stopped when the bound is exceeded.
	MaxDynamicProducers int
}

// NewConfig creates a new Config with default values and applies the provided options.
func NewConfig(opts ...Option) Config {
	c := &Config{
		Logger:              DefaultLogger(),
		StrictParameters:    true,
		ShutdownTimeout:     DefaultShutdownTimeout,
		Properties:          make(map[string]string),
		MaxDynamicProducers: DefaultMaxDynamicProducers,
	}
	for _, opt := range opts {
		_ = opt(c)
	}
	return *c
}

// Submit runs task on the configured pool, falling back to a goroutine when the
// pool is missing or saturated.
func (c Config) Submit(task func()) {
	if c.Pool != nil {
		if err := c.Pool.Submit(task); err == nil {
			return
		}
	}
	go task()
}

// FireEvent reports an event to the configured listener, if any.
func (c Config) FireEvent(event Event) {
	if c.OnEvent != nil {
		c.OnEvent(event)
	}
}

// Printf logs through the configured logger, if any.
func (c Config) Printf(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

// Timeout returns the shutdown timeout, applying the default for zero values.
func (c Config) Timeout() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return c.ShutdownTimeout
}

// DefaultPool provides a default worker pool.
func DefaultPool() Pool {
	wp := &pool.WorkerPool{MaxWorkersCount: math.MaxInt32}
	wp.Start()
	return wp
}

// Pool is the worker pool interface. Submit returns an error when the pool is full.
type Pool interface {
	Submit(task func()) error
	Release()
}
