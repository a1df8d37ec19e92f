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
	"time"
)

// Option is a function type that modifies the Config.
type Option func(*Config) error

// WithPool is an option that sets the pool of the Config.
func WithPool(pool Pool) Option {
	return func(c *Config) error {
		c.Pool = pool
		return nil
	}
}

// WithDefaultPool sets an unbounded worker pool.
func WithDefaultPool() Option {
	return func(c *Config) error {
		c.Pool = DefaultPool()
		return nil
	}
}

// WithLogger is an option that sets the logger of the Config.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithStrictParameters toggles rejection of unknown address parameters.
func WithStrictParameters(strict bool) Option {
	return func(c *Config) error {
		c.StrictParameters = strict
		return nil
	}
}

// WithShutdownTimeout sets the bounded stop timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.ShutdownTimeout = timeout
		return nil
	}
}

// WithMaxDynamicProducers bounds the producers kept per route for dynamic To addresses.
func WithMaxDynamicProducers(max int) Option {
	return func(c *Config) error {
		c.MaxDynamicProducers = max
		return nil
	}
}

// WithOnEvent sets the lifecycle event listener.
func WithOnEvent(onEvent OnEvent) Option {
	return func(c *Config) error {
		c.OnEvent = onEvent
		return nil
	}
}

// WithProperties merges global properties into the Config.
func WithProperties(properties map[string]string) Option {
	return func(c *Config) error {
		if c.Properties == nil {
			c.Properties = make(map[string]string)
		}
		for k, v := range properties {
			c.Properties[k] = v
		}
		return nil
	}
}
