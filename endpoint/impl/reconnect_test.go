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
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/stretchr/testify/assert"
)

func TestReconnectDelay(t *testing.T) {
	policy := NewReconnectPolicy(ReconnectConfig{
		MaximumReconnects: 5,
		ReconnectDelay:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxReconnectDelay: 500 * time.Millisecond,
	})
	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))
	assert.Equal(t, 500*time.Millisecond, policy.Delay(4))

	policy.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := policy.Delay(1)
		assert.True(t, d >= 50*time.Millisecond && d <= 150*time.Millisecond)
	}
	assert.True(t, policy.Enabled())
	assert.False(t, NewReconnectPolicy(ReconnectConfig{}).Enabled())
	assert.True(t, NewReconnectPolicy(DefaultReconnectConfig()).Enabled())
}

func TestReconnectDelayUncapped(t *testing.T) {
	policy := NewReconnectPolicy(ReconnectConfig{
		MaximumReconnects: -1,
		ReconnectDelay:    time.Second,
		BackoffMultiplier: 2,
	})
	prev := time.Duration(0)
	for _, attempt := range []int{1, 10, 30, 40, 64, 100, 2000} {
		d := policy.Delay(attempt)
		assert.True(t, d > 0, attempt)
		assert.True(t, d >= prev, attempt)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), policy.Delay(2000))

	policy.Jitter = 0.5
	assert.True(t, policy.Delay(2000) > 0)
}

func TestReconnectRun(t *testing.T) {
	policy := NewReconnectPolicy(ReconnectConfig{MaximumReconnects: 3, ReconnectDelay: time.Millisecond})
	attempts := 0
	err := policy.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("refused")
		}
		return nil
	}, nil)
	assert.Nil(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = policy.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("refused")
	}, nil)
	assert.True(t, errors.Is(err, ErrReconnectExhausted))
	assert.Equal(t, 3, attempts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	forever := NewReconnectPolicy(ReconnectConfig{MaximumReconnects: -1, ReconnectDelay: time.Hour})
	assert.Equal(t, context.Canceled, forever.Run(ctx, func(ctx context.Context) error { return nil }, nil))
}

func TestConsumerReconnect(t *testing.T) {
	events := &eventRecorder{}
	ep := newTestEndpoint(t, "test:reconnect", types.NewConfig(types.WithOnEvent(events.OnEvent)))
	consumer := NewDefaultConsumer(ep, types.ProcessorFunc(func(exchange *types.Exchange) error { return nil }), DefaultConsumerConfig())
	assert.Nil(t, consumer.Start())

	var attempts int32
	connected := make(chan struct{})
	policy := NewReconnectPolicy(ReconnectConfig{MaximumReconnects: -1, ReconnectDelay: 5 * time.Millisecond})
	connect := func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("refused")
		}
		close(connected)
		return nil
	}
	consumer.Reconnect(policy, errors.New("connection lost"), connect)
	// a second disconnect while reconnecting is ignored
	consumer.Reconnect(policy, errors.New("connection lost"), connect)
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("not reconnected")
	}
	assert.Eventually(t, func() bool { return !consumer.Reconnecting() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.Running, consumer.State())
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, 1, events.Count(types.EventDisconnect))
	assert.Equal(t, 2, events.Count(types.EventReconnectErr))
	assert.Equal(t, 1, events.Count(types.EventReconnect))

	// Stop cancels an active loop
	consumer.Reconnect(policy, errors.New("lost again"), func(ctx context.Context) error { return errors.New("refused") })
	assert.Nil(t, consumer.Stop())
	assert.Eventually(t, func() bool { return !consumer.Reconnecting() }, time.Second, 5*time.Millisecond)
}
