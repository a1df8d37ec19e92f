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

package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/utils/mqtt"
	"github.com/stretchr/testify/assert"
)

// fakeClient is an in-memory broker connection.
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	failConnects int
	connects     int
	closes       int
	subs         map[string]mqtt.Handler
	lost         map[string]func(error)
	published    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.Handler), lost: make(map[string]func(error))}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return nil
	}
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Subscribe(ctx context.Context, handler mqtt.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[handler.Topic] = handler
	return nil
}

func (f *fakeClient) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return nil
}

func (f *fakeClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	f.published = append(f.published, topic+"="+string(payload))
	return nil
}

func (f *fakeClient) OnConnectionLost(key string, fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == nil {
		delete(f.lost, key)
		return
	}
	f.lost[key] = fn
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

// deliver routes a message to the subscriptions whose filter matches topic.
func (f *fakeClient) deliver(topic string, payload string) {
	f.mu.Lock()
	var handlers []mqtt.Handler
	for filter, h := range f.subs {
		if match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h.Handle(mqtt.Message{Topic: topic, Payload: []byte(payload), Qos: h.Qos, MessageID: 1})
	}
}

func (f *fakeClient) drop(err error) {
	f.mu.Lock()
	f.connected = false
	var listeners []func(error)
	for _, fn := range f.lost {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

func (f *fakeClient) stats() (connects, closes, subs int, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes, len(f.subs), f.connected
}

func match(filter, topic string) bool {
	fp, tp := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, p := range fp {
		if p == "#" {
			return true
		}
		if i >= len(tp) || (p != "+" && p != tp[i]) {
			return false
		}
	}
	return len(fp) == len(tp)
}

type events struct {
	mu     sync.Mutex
	counts map[string]int
}

func (e *events) OnEvent(event types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[event.Name]++
}

func (e *events) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[name]
}

func newComponent(client *fakeClient, created *int) *Component {
	return &Component{NewClient: func(conf mqtt.Config) (Client, error) {
		*created++
		return client, nil
	}}
}

func resolve(t *testing.T, c *Component, raw string, config types.Config) *Endpoint {
	ep, err := c.CreateEndpoint(endpoint.MustParseAddress(raw), config)
	assert.Nil(t, err)
	return ep.(*Endpoint)
}

func TestCreateEndpointErrors(t *testing.T) {
	c := &Component{}
	_, err := c.CreateEndpoint(endpoint.MustParseAddress("mqtt:a/b"), types.NewConfig())
	assert.True(t, errors.Is(err, types.ErrConfiguration))
	_, err = c.CreateEndpoint(endpoint.MustParseAddress("mqtt:a/b?server=tcp://h:1883&qos=3"), types.NewConfig())
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestConsumeAndPublishShareClient(t *testing.T) {
	client := newFakeClient()
	created := 0
	c := newComponent(client, &created)
	received := make(chan *types.Exchange, 1)
	consumer, _ := resolve(t, c, "mqtt:sensors/+/temp?server=tcp://broker:1883&qos=1", types.NewConfig()).CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		received <- exchange
		return nil
	}))
	assert.Nil(t, consumer.Start())
	producer, _ := resolve(t, c, "mqtt:sensors/default/temp?server=tcp://broker:1883", types.NewConfig()).CreateProducer()
	assert.Nil(t, producer.Start())
	assert.Equal(t, 1, created)

	client.deliver("sensors/kitchen/temp", "21.5")
	ex := <-received
	assert.Equal(t, []byte("21.5"), ex.In().Body())
	assert.Equal(t, "sensors/kitchen/temp", ex.In().Headers().GetString(HeaderTopic))
	assert.Equal(t, int64(1), ex.In().Headers().GetInt64(HeaderQos))

	out := types.NewExchange(context.Background(), types.InOnly)
	out.In().SetBody("on")
	assert.Nil(t, producer.Process(out))
	assert.False(t, out.Failed())

	out = types.NewExchange(context.Background(), types.InOnly)
	out.In().SetBody("off")
	out.In().SetHeader(HeaderTopic, "lights/hall")
	done := make(chan bool, 1)
	producer.ProcessAsync(out, func(doneSync bool) { done <- doneSync })
	<-done
	assert.False(t, out.Failed())
	assert.Equal(t, []string{"sensors/default/temp=on", "lights/hall=off"}, client.published)

	assert.Nil(t, consumer.Stop())
	_, closes, subs, _ := client.stats()
	assert.Equal(t, 0, closes)
	assert.Equal(t, 0, subs)
	assert.Nil(t, producer.Stop())
	_, closes, _, _ = client.stats()
	assert.Equal(t, 1, closes)
}

func TestProducerValidate(t *testing.T) {
	created := 0
	c := newComponent(newFakeClient(), &created)
	producer, _ := resolve(t, c, "mqtt:t?server=tcp://broker:1883", types.NewConfig()).CreateProducer()
	assert.Nil(t, producer.Start())
	defer producer.Stop()
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetHeader(HeaderQos, 5)
	err := producer.Process(ex)
	assert.True(t, errors.Is(err, types.ErrProgrammer))
	assert.Equal(t, types.KindProgrammer, ex.Fault().Kind)
}

func TestProducerBrokerDown(t *testing.T) {
	client := newFakeClient()
	client.failConnects = 100
	created := 0
	c := newComponent(client, &created)
	producer, _ := resolve(t, c, "mqtt:t?server=tcp://broker:1883&publishTimeout=100", types.NewConfig()).CreateProducer()
	assert.Nil(t, producer.Start())
	defer producer.Stop()
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetBody("x")
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, types.KindConnectivity, ex.Fault().Kind)
	assert.Equal(t, "x", ex.In().Body())
}

func TestConsumerReconnects(t *testing.T) {
	client := newFakeClient()
	client.failConnects = 2
	created := 0
	c := newComponent(client, &created)
	ev := &events{counts: make(map[string]int)}
	config := types.NewConfig(types.WithOnEvent(ev.OnEvent))
	received := make(chan string, 2)
	cons, _ := resolve(t, c, "mqtt:alerts/#?server=tcp://broker:1883&reconnectDelay=5&maximumReconnects=-1", config).CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		received <- exchange.In().Headers().GetString(HeaderTopic)
		return nil
	}))
	// an unreachable broker does not fail Start
	assert.Nil(t, cons.Start())
	assert.Equal(t, types.Running, cons.State())
	assert.Eventually(t, func() bool {
		_, _, _, connected := client.stats()
		return connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return ev.count(types.EventReconnect) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ev.count(types.EventReconnectErr))
	assert.Eventually(t, func() bool { return !cons.(*consumer).Reconnecting() }, time.Second, 5*time.Millisecond)

	client.drop(errors.New("broker restarted"))
	assert.Eventually(t, func() bool { return ev.count(types.EventReconnect) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.Running, cons.State())
	client.deliver("alerts/fire/floor1", "!")
	assert.Equal(t, "alerts/fire/floor1", <-received)

	assert.Nil(t, cons.Stop())
	assert.Nil(t, cons.Stop())
}
