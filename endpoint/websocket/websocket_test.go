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

package websocket

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/stretchr/testify/assert"
)

func resolve(t *testing.T, raw string) *Endpoint {
	ep, err := (&Component{}).CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
	assert.Nil(t, err)
	return ep.(*Endpoint)
}

func startConsumer(t *testing.T, raw string, process types.ProcessorFunc) (*Consumer, string) {
	consumer, err := resolve(t, raw).CreateConsumer(process)
	assert.Nil(t, err)
	assert.Nil(t, consumer.Start())
	return consumer.(*Consumer), consumer.Endpoint().(*Endpoint).ListenAddr()
}

func TestCreateEndpointErrors(t *testing.T) {
	c := &Component{}
	_, err := c.CreateEndpoint(endpoint.MustParseAddress("websocket:localhost:9090/ws?messageType=xml"), types.NewConfig())
	assert.True(t, errors.Is(err, types.ErrConfiguration))
	_, err = c.CreateEndpoint(endpoint.MustParseAddress("websocket:localhost:9090/ws?strategy=batch"), types.NewConfig())
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	ep := resolve(t, "websocket:localhost:9090/ws/:room")
	assert.Equal(t, "localhost:9090", ep.conf.host())
	assert.Equal(t, "/ws/:room", ep.conf.route())
	assert.Equal(t, "ws://localhost:9090/ws/:room", ep.URL())
	ep2, _ := (&Component{Secure: true}).CreateEndpoint(endpoint.MustParseAddress("websockets:example.com/ws"), types.NewConfig())
	assert.Equal(t, "wss://example.com/ws", ep2.(*Endpoint).URL())
}

func TestPropagationEcho(t *testing.T) {
	var mu sync.Mutex
	var indexes []int64
	consumer, addr := startConsumer(t, "websocket:127.0.0.1:0/echo", func(exchange *types.Exchange) error {
		mu.Lock()
		indexes = append(indexes, exchange.In().Headers().GetInt64(HeaderIndex))
		mu.Unlock()
		impl.Reply(exchange, "echo:"+exchange.In().BodyString())
		return nil
	})
	defer consumer.Stop()

	producer, err := resolve(t, "websocket:"+addr+"/echo?replyTimeout=2000").CreateProducer()
	assert.Nil(t, err)
	assert.Nil(t, producer.Start())
	for _, body := range []string{"hi", "there"} {
		ex := types.NewExchange(context.Background(), types.InOut)
		ex.In().SetBody(body)
		assert.Nil(t, producer.Process(ex))
		assert.False(t, ex.Failed())
		assert.Equal(t, "echo:"+body, ex.Out().Body())
		assert.Equal(t, int64(websocket.TextMessage), ex.Out().Headers().GetInt64(HeaderMessageType))
	}
	assert.Equal(t, 1, consumer.Connections())
	assert.Nil(t, producer.Stop())
	assert.Eventually(t, func() bool { return consumer.Connections() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int64{0, 1}, indexes)
	mu.Unlock()
}

func TestAggregation(t *testing.T) {
	received := make(chan *types.Exchange, 1)
	consumer, addr := startConsumer(t, "websocket:127.0.0.1:0/agg/:room?strategy=aggregation", func(exchange *types.Exchange) error {
		received <- exchange
		return nil
	})
	defer consumer.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/agg/lobby", nil)
	assert.Nil(t, err)
	for _, m := range []string{"a", "b", "c"} {
		assert.Nil(t, conn.WriteMessage(websocket.TextMessage, []byte(m)))
	}
	assert.Nil(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case ex := <-received:
		assert.Equal(t, []interface{}{"a", "b", "c"}, ex.In().Body())
		assert.Equal(t, "lobby", ex.In().Headers().GetString("room"))
		assert.Equal(t, int64(3), ex.In().Headers().GetInt64(HeaderIndex))
	case <-time.After(2 * time.Second):
		t.Fatal("aggregated exchange not received")
	}
	_ = conn.Close()
}

func TestAggregationDiscardedOnAbort(t *testing.T) {
	var count int32
	var mu sync.Mutex
	consumer, addr := startConsumer(t, "websocket:127.0.0.1:0/abort?strategy=aggregation", func(exchange *types.Exchange) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	defer consumer.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/abort", nil)
	assert.Nil(t, err)
	assert.Nil(t, conn.WriteMessage(websocket.TextMessage, []byte("a")))
	assert.Eventually(t, func() bool { return consumer.Connections() == 1 }, time.Second, 5*time.Millisecond)
	// dropping the connection without a close frame fails the stream
	_ = conn.Close()
	assert.Eventually(t, func() bool { return consumer.Connections() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, int32(0), count)
	mu.Unlock()
}

func TestPropagationFailureEndsStream(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	consumer, addr := startConsumer(t, "websocket:127.0.0.1:0/fail", func(exchange *types.Exchange) error {
		body := exchange.In().BodyString()
		mu.Lock()
		seen = append(seen, body)
		mu.Unlock()
		if body == "bad" {
			exchange.Fail(errors.New("rejected"), "test")
			return nil
		}
		impl.Reply(exchange, "ok:"+body)
		return nil
	})
	defer consumer.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/fail", nil)
	assert.Nil(t, err)
	defer conn.Close()
	assert.Nil(t, conn.WriteMessage(websocket.TextMessage, []byte("first")))
	_, reply, err := conn.ReadMessage()
	assert.Nil(t, err)
	assert.Equal(t, "ok:first", string(reply))

	assert.Nil(t, conn.WriteMessage(websocket.TextMessage, []byte("bad")))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("late"))

	assert.Eventually(t, func() bool { return consumer.Connections() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "bad"}, seen)
	mu.Unlock()
}

func TestProducerConnectivity(t *testing.T) {
	srv := httptest.NewServer(nil)
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	producer, _ := resolve(t, "websocket:"+host+"/x").CreateProducer()
	assert.Nil(t, producer.Start())
	defer producer.Stop()
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetBody("a")
	assert.Nil(t, producer.Process(ex))
	assert.True(t, ex.Failed())
	assert.Equal(t, types.KindConnectivity, ex.Fault().Kind)
}
