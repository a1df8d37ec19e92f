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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rulego/relay/api/types"
)

// ErrReconnectExhausted is returned when every reconnect attempt failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectConfig holds the reconnect parameters of push consumers.
// Embed it in component configurations with `mapstructure:",squash"`.
type ReconnectConfig struct {
	// MaximumReconnects bounds the attempts. A negative value retries forever, 0 disables reconnect.
	MaximumReconnects int `mapstructure:"maximumReconnects"`
	// ReconnectDelay is the delay before the first attempt.
	ReconnectDelay time.Duration `mapstructure:"reconnectDelay"`
	// BackoffMultiplier grows the delay between attempts. Values below 1 keep it constant.
	BackoffMultiplier float64 `mapstructure:"reconnectBackoffMultiplier"`
	// MaxReconnectDelay caps the delay.
	MaxReconnectDelay time.Duration `mapstructure:"maxReconnectDelay"`
	// Jitter randomizes each delay by up to ±Jitter (0 to 1).
	Jitter float64 `mapstructure:"reconnectJitter"`
}

// DefaultReconnectConfig retries forever, starting at 1s and doubling up to 60s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaximumReconnects: -1,
		ReconnectDelay:    time.Second,
		BackoffMultiplier: 2,
		MaxReconnectDelay: 60 * time.Second,
	}
}

// ReconnectPolicy runs connect attempts with exponential backoff.
type ReconnectPolicy struct {
	ReconnectConfig
}

// NewReconnectPolicy creates a policy from config.
func NewReconnectPolicy(config ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{ReconnectConfig: config}
}

// Delay returns the wait before attempt, counted from 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := float64(p.ReconnectDelay)
	if p.BackoffMultiplier > 1 && attempt > 1 {
		d *= math.Pow(p.BackoffMultiplier, float64(attempt-1))
	}
	if p.MaxReconnectDelay > 0 && d > float64(p.MaxReconnectDelay) {
		d = float64(p.MaxReconnectDelay)
	}
	if j := math.Min(math.Max(p.Jitter, 0), 1); j > 0 {
		d *= 1 + (rand.Float64()*2*j - j)
	}
	// uncapped growth leaves the Duration range after enough attempts
	if math.IsNaN(d) || d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Enabled reports whether at least one attempt is allowed.
func (p ReconnectPolicy) Enabled() bool {
	return p.MaximumReconnects != 0
}

// Run calls connect until it succeeds, the attempts are exhausted or ctx is done.
// onAttempt observes every attempt and may be nil.
func (p ReconnectPolicy) Run(ctx context.Context, connect func(ctx context.Context) error, onAttempt func(attempt int, err error)) error {
	var lastErr error
	for attempt := 1; p.MaximumReconnects < 0 || attempt <= p.MaximumReconnects; attempt++ {
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		lastErr = connect(ctx)
		if onAttempt != nil {
			onAttempt(attempt, lastErr)
		}
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
}

// Reconnect recovers from a backend disconnect while the consumer stays RUNNING.
// DoStart may call it too, so an unreachable backend does not fail Start.
// Only one reconnect loop runs at a time; Stop cancels it.
func (c *DefaultConsumer) Reconnect(policy ReconnectPolicy, cause error, connect func(ctx context.Context) error) {
	if s := c.State(); (s != types.Running && s != types.Starting) || !policy.Enabled() {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		return
	}
	address := c.endpoint.Address()
	config := c.endpoint.Config()
	config.Printf("consumer %s disconnected: %v", address, cause)
	c.fire(types.EventDisconnect, cause)
	ctx := c.Context()
	go func() {
		defer atomic.StoreInt32(&c.reconnecting, 0)
		err := policy.Run(ctx, connect, func(attempt int, err error) {
			event := types.Event{Name: types.EventReconnect, Address: address, Attempt: attempt, Err: err, Time: time.Now()}
			if err != nil {
				event.Name = types.EventReconnectErr
				config.Printf("consumer %s reconnect attempt %d failed: %v", address, attempt, err)
			} else {
				config.Printf("consumer %s reconnected after %d attempt(s)", address, attempt)
			}
			config.FireEvent(event)
		})
		if err != nil && ctx.Err() == nil {
			config.Printf("consumer %s gave up reconnecting: %v", address, err)
		}
	}()
}

// Reconnecting reports whether a reconnect loop is active.
func (c *DefaultConsumer) Reconnecting() bool {
	return atomic.LoadInt32(&c.reconnecting) == 1
}
