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

package queue

import (
	"context"
	"sync"
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

type collector struct {
	mu     sync.Mutex
	bodies []interface{}
	keys   []string
}

func (c *collector) Process(exchange *types.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, exchange.In().Body())
	c.keys = append(c.keys, exchange.In().Headers().GetString(HeaderItemKey))
	return nil
}

func (c *collector) Bodies() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.bodies...)
}

func row(id int) map[string]interface{} {
	return map[string]interface{}{"id": id}
}

func offer(t *testing.T, producer endpoint.Producer, body interface{}) *types.Exchange {
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetBody(body)
	assert.Nil(t, producer.Process(ex))
	assert.False(t, ex.Failed())
	return ex
}

func TestPollByIdCursor(t *testing.T) {
	c := &Component{}
	ep := resolve(t, c, "queue:orders?pollInterval=500")
	assert.Equal(t, 500*time.Millisecond, ep.Configuration().(Config).PollInterval)
	producer, _ := ep.CreateProducer()

	out := &collector{}
	consumer, err := ep.CreateConsumer(out)
	assert.Nil(t, err)
	poller := consumer.(endpoint.PollingConsumer)

	offer(t, producer, row(1))
	offer(t, producer, row(2))
	n, err := poller.Poll(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 2, n)

	offer(t, producer, row(2))
	offer(t, producer, row(3))
	n, err = poller.Poll(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []interface{}{row(1), row(2), row(3)}, out.Bodies())
	assert.Equal(t, []string{"1", "2", "3"}, out.keys)
}

func TestProducerOperations(t *testing.T) {
	c := &Component{}
	ep := resolve(t, c, "queue:ops")
	producer, _ := ep.CreateProducer()
	ex := offer(t, producer, "plain")
	assert.Equal(t, int64(1), ex.In().Headers().GetInt64(HeaderItemSeq))
	assert.Len(t, ex.In().Headers().GetString(HeaderItemKey), 26)
	offer(t, producer, "second")

	ex = types.NewExchange(context.Background(), types.InOut)
	ex.In().SetHeader(HeaderOperation, OpSize)
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, 2, ex.Out().Body())

	ex = types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetHeader(HeaderOperation, OpClear)
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, 0, c.Store("ops").Len())

	ex = types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetHeader(HeaderOperation, "peek")
	assert.Equal(t, types.KindProgrammer, types.KindOf(producer.Process(ex)))
}

func TestDeleteAndSeenCursor(t *testing.T) {
	c := &Component{}
	ep := resolve(t, c, "queue:jobs?cursor=seen&delete=true")
	producer, _ := ep.CreateProducer()
	offer(t, producer, "a")
	offer(t, producer, "b")
	out := &collector{}
	consumer, _ := ep.CreateConsumer(out)
	n, err := consumer.(endpoint.PollingConsumer).Poll(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, ep.Store().Len())
	assert.Equal(t, []interface{}{"a", "b"}, out.Bodies())
}

func TestScheduledConsumer(t *testing.T) {
	c := &Component{}
	ep := resolve(t, c, "queue:live?initialDelay=0&pollInterval=10")
	out := &collector{}
	consumer, _ := ep.CreateConsumer(out)
	assert.Nil(t, consumer.Start())
	producer, _ := ep.CreateProducer()
	assert.Nil(t, producer.Start())
	offer(t, producer, row(1))
	offer(t, producer, row(2))
	assert.Eventually(t, func() bool { return len(out.Bodies()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, producer.Stop())
	assert.Nil(t, consumer.Stop())
	assert.Equal(t, types.Stopped, consumer.State())
	assert.Equal(t, int64(2), consumer.(*impl.ScheduledPollConsumer).Cursor().Position())
}

func TestInvalidAddress(t *testing.T) {
	for _, raw := range []string{"queue:x?cursor=offset", "queue:x?delivery=twice", "queue:x?pollInterval=0", "queue:x?unknown=1"} {
		_, err := (&Component{}).CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
		assert.Equal(t, types.KindConfiguration, types.KindOf(err), raw)
	}
}

func TestStoreMaxSize(t *testing.T) {
	s := NewStore(2)
	s.Put("a", nil, "")
	s.Put("b", nil, "")
	s.Put("c", nil, "")
	items := s.Items()
	assert.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Body)
	assert.Equal(t, int64(3), items[1].Seq)
	assert.True(t, s.Remove(items[0].Key))
	assert.False(t, s.Remove("missing"))
}
