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

package seda

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/stretchr/testify/assert"
)

func resolve(t *testing.T, c *Component, raw string) *Endpoint {
	ep, err := c.CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
	assert.Nil(t, err)
	return ep.(*Endpoint)
}

func TestSedaAsync(t *testing.T) {
	c := &Component{}
	var mu sync.Mutex
	var bodies []interface{}
	consumer, _ := resolve(t, c, "seda:orders").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, exchange.In().Body())
		return nil
	}))
	assert.Nil(t, consumer.Start())
	producer, _ := resolve(t, c, "seda:orders").CreateProducer()
	assert.Nil(t, producer.Start())

	for _, body := range []string{"a", "b", "c"} {
		ex := types.NewExchange(context.Background(), types.InOnly)
		ex.In().SetBody(body)
		assert.Nil(t, producer.Process(ex))
		assert.False(t, ex.Failed())
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 3
	}, time.Second, 5*time.Millisecond)
	// a single consumer keeps the order
	assert.Equal(t, []interface{}{"a", "b", "c"}, bodies)
	assert.Nil(t, producer.Stop())
	assert.Nil(t, consumer.Stop())
	assert.Nil(t, consumer.Stop())
}

func TestSedaInOut(t *testing.T) {
	c := &Component{}
	consumer, _ := resolve(t, c, "seda:rpc").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		impl.Reply(exchange, "pong")
		return nil
	}))
	assert.Nil(t, consumer.Start())
	defer consumer.Stop()
	producer, _ := resolve(t, c, "seda:rpc?timeout=1000").CreateProducer()
	assert.Nil(t, producer.Start())
	defer producer.Stop()

	ex := types.NewExchange(context.Background(), types.InOut)
	ex.In().SetBody("ping")
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, "pong", ex.Out().Body())
}

func TestSedaFull(t *testing.T) {
	c := &Component{}
	ep := resolve(t, c, "seda:small?size=1")
	producer, _ := ep.CreateProducer()
	assert.Nil(t, producer.Start())
	defer producer.Stop()

	ex := types.NewExchange(context.Background(), types.InOnly)
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, 1, ep.Len())
	ex = types.NewExchange(context.Background(), types.InOnly)
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, types.KindConnectivity, ex.Fault().Kind)

	blocking, _ := resolve(t, c, "seda:small?blockWhenFull=true&offerTimeout=50").CreateProducer()
	assert.Nil(t, blocking.Start())
	defer blocking.Stop()
	ex = types.NewExchange(context.Background(), types.InOnly)
	start := time.Now()
	assert.Nil(t, blocking.Process(ex))
	assert.True(t, time.Since(start) >= 50*time.Millisecond)
	assert.True(t, ex.Failed())
}

func TestSedaConcurrentConsumers(t *testing.T) {
	c := &Component{}
	var running, peak int32
	release := make(chan struct{})
	consumer, _ := resolve(t, c, "seda:work?concurrentConsumers=3").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}))
	assert.Nil(t, consumer.Start())
	producer, _ := resolve(t, c, "seda:work").CreateProducer()
	assert.Nil(t, producer.Start())
	for i := 0; i < 5; i++ {
		assert.Nil(t, producer.Process(types.NewExchange(context.Background(), types.InOnly)))
	}
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
	close(release)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 0 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, producer.Stop())
	assert.Nil(t, consumer.Stop())
}

func TestSedaInvalid(t *testing.T) {
	_, err := (&Component{}).CreateEndpoint(endpoint.MustParseAddress("seda:x?size=0"), types.NewConfig())
	assert.Equal(t, types.KindConfiguration, types.KindOf(err))
}
