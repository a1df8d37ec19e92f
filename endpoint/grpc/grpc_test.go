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

package grpc

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// bufnet hands out a fresh in-memory listener per server.
type bufnet struct {
	mu  sync.Mutex
	lis *bufconn.Listener
}

func (b *bufnet) listen(string) (net.Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lis = bufconn.Listen(1 << 20)
	return b.lis, nil
}

func (b *bufnet) dial(ctx context.Context, _ string) (net.Conn, error) {
	b.mu.Lock()
	lis := b.lis
	b.mu.Unlock()
	if lis == nil {
		return nil, errors.New("no listener")
	}
	return lis.DialContext(ctx)
}

func newComponent() (*Component, *bufnet) {
	b := &bufnet{}
	return &Component{Listen: b.listen, Dial: b.dial}, b
}

func resolve(t *testing.T, c *Component, raw string) *Endpoint {
	ep, err := c.CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
	assert.Nil(t, err)
	return ep.(*Endpoint)
}

func startConsumer(t *testing.T, c *Component, raw string, process types.ProcessorFunc) endpoint.Consumer {
	consumer, err := resolve(t, c, raw).CreateConsumer(process)
	assert.Nil(t, err)
	assert.Nil(t, consumer.Start())
	return consumer
}

func call(t *testing.T, c *Component, raw string, body interface{}, headers map[string]interface{}) *types.Exchange {
	producer, err := resolve(t, c, raw).CreateProducer()
	assert.Nil(t, err)
	assert.Nil(t, producer.Start())
	defer producer.Stop()
	ex := types.NewExchange(context.Background(), types.InOut)
	ex.In().SetBody(body)
	for k, v := range headers {
		ex.In().SetHeader(k, v)
	}
	assert.Nil(t, producer.Process(ex))
	return ex
}

func TestConfig(t *testing.T) {
	c, _ := newComponent()
	ep := resolve(t, c, "grpc:localhost:9000/echo.Echo/Say")
	assert.Equal(t, "localhost:9000", ep.conf.Host())
	assert.Equal(t, "/echo.Echo/Say", ep.conf.Method())

	for _, raw := range []string{"grpc:localhost:9000", "grpc:localhost:9000/echo.Echo", "grpc:localhost:9000/a?strategy=x"} {
		_, err := c.CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
		assert.True(t, errors.Is(err, types.ErrConfiguration), raw)
	}
}

func TestRawCodec(t *testing.T) {
	codec := rawCodec{}
	data, err := codec.Marshal([]byte("a"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("a"), data)
	b := []byte("b")
	data, _ = codec.Marshal(&b)
	assert.Equal(t, []byte("b"), data)
	_, err = codec.Marshal("s")
	assert.NotNil(t, err)

	var out []byte
	assert.Nil(t, codec.Unmarshal([]byte("xyz"), &out))
	assert.Equal(t, []byte("xyz"), out)
	assert.NotNil(t, codec.Unmarshal([]byte("x"), out))
}

func TestUnary(t *testing.T) {
	c, _ := newComponent()
	var trace, method string
	consumer := startConsumer(t, c, "grpc:bufnet/echo.Echo/Say", func(exchange *types.Exchange) error {
		trace = exchange.In().Headers().GetString("x-trace")
		method = exchange.In().Headers().GetString(HeaderMethod)
		impl.Reply(exchange, "hello "+exchange.In().BodyString())
		return nil
	})
	defer consumer.Stop()

	ex := call(t, c, "grpc:bufnet/echo.Echo/Say", "bob", map[string]interface{}{"X-Trace": "t1", "ignored": "v"})
	assert.False(t, ex.Failed())
	assert.Equal(t, []byte("hello bob"), ex.Out().Body())
	assert.Equal(t, "OK", ex.Out().Headers().GetString(HeaderStatusCode))
	assert.Equal(t, "t1", trace)
	assert.Equal(t, "/echo.Echo/Say", method)

	// without Out the request payload is echoed
	echo := startConsumer(t, c, "grpc:bufnet/echo.Echo/Echo", func(exchange *types.Exchange) error {
		return nil
	})
	defer echo.Stop()
	ex = call(t, c, "grpc:bufnet/echo.Echo/Echo", "same", nil)
	assert.Equal(t, []byte("same"), ex.Out().Body())
}

func TestUnimplementedAndFault(t *testing.T) {
	c, _ := newComponent()
	consumer := startConsumer(t, c, "grpc:bufnet/echo.Echo/Fail", func(exchange *types.Exchange) error {
		exchange.Fail(types.NewProtocolError("validate", "E1", errors.New("rejected")), "")
		return nil
	})
	defer consumer.Stop()

	ex := call(t, c, "grpc:bufnet/echo.Echo/Missing", "x", nil)
	assert.True(t, ex.Failed())
	assert.Equal(t, types.KindProtocol, ex.Fault().Kind)
	assert.Equal(t, "Unimplemented", ex.Fault().Code)

	ex = call(t, c, "grpc:bufnet/echo.Echo/Fail", "x", nil)
	assert.True(t, ex.Failed())
	assert.Equal(t, "Internal", ex.Fault().Code)
	assert.True(t, strings.Contains(ex.Fault().Error(), "rejected"))
}

func TestUnencodableBody(t *testing.T) {
	c, _ := newComponent()
	producer, err := resolve(t, c, "grpc:bufnet/echo.Echo/Say").CreateProducer()
	assert.Nil(t, err)
	assert.Nil(t, producer.Start())
	defer producer.Stop()
	ex := types.NewExchange(context.Background(), types.InOut)
	ex.In().SetBody(make(chan int))
	err = producer.Process(ex)
	assert.Equal(t, types.KindProgrammer, types.KindOf(err))
	assert.True(t, ex.Failed())
	assert.Equal(t, types.KindProgrammer, ex.Fault().Kind)
	assert.Equal(t, "encode", ex.Fault().Op)
}

func TestDuplicateMethod(t *testing.T) {
	c, _ := newComponent()
	noop := types.ProcessorFunc(func(exchange *types.Exchange) error { return nil })
	first := startConsumer(t, c, "grpc:bufnet/a.A/M", noop)
	second, _ := resolve(t, c, "grpc:bufnet/a.A/M?synchronous=true").CreateConsumer(noop)
	err := second.Start()
	assert.True(t, errors.Is(err, types.ErrConfiguration))
	assert.Nil(t, first.Stop())
	// the method is free again once the first consumer stopped
	assert.Nil(t, second.Start())
	assert.Nil(t, second.Stop())
}

func dialStream(t *testing.T, b *bufnet, method string) grpc.ClientStream {
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(b.dial))
	assert.Nil(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	stream, err := conn.NewStream(context.Background(), &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, method, grpc.ForceCodec(rawCodec{}))
	assert.Nil(t, err)
	return stream
}

func TestAggregationStream(t *testing.T) {
	c, b := newComponent()
	received := make(chan []interface{}, 1)
	consumer := startConsumer(t, c, "grpc:bufnet/files.Upload/Put?strategy=aggregation", func(exchange *types.Exchange) error {
		items, _ := exchange.In().Body().([]interface{})
		received <- items
		impl.Reply(exchange, strconv.Itoa(len(items)))
		return nil
	})
	defer consumer.Stop()

	stream := dialStream(t, b, "/files.Upload/Put")
	for _, chunk := range []string{"a", "b", "c"} {
		assert.Nil(t, stream.SendMsg([]byte(chunk)))
	}
	assert.Nil(t, stream.CloseSend())
	var reply []byte
	assert.Nil(t, stream.RecvMsg(&reply))
	assert.Equal(t, "3", string(reply))
	items := <-received
	assert.Equal(t, []interface{}{[]byte("a"), []byte("b"), []byte("c")}, items)
}

func TestPropagationStream(t *testing.T) {
	c, b := newComponent()
	consumer := startConsumer(t, c, "grpc:bufnet/chat.Chat/Talk", func(exchange *types.Exchange) error {
		impl.Reply(exchange, strings.ToUpper(exchange.In().BodyString())+strconv.Itoa(int(exchange.In().Headers().GetInt64(HeaderIndex))))
		return nil
	})
	defer consumer.Stop()

	stream := dialStream(t, b, "/chat.Chat/Talk")
	for i, msg := range []string{"a", "b"} {
		assert.Nil(t, stream.SendMsg([]byte(msg)))
		var reply []byte
		assert.Nil(t, stream.RecvMsg(&reply))
		assert.Equal(t, strings.ToUpper(msg)+strconv.Itoa(i), string(reply))
	}
	assert.Nil(t, stream.CloseSend())
}
