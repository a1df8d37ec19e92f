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

package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

func send(t *testing.T, c *Component, raw string, body interface{}) *types.Exchange {
	producer, err := resolve(t, c, raw).CreateProducer()
	assert.Nil(t, err)
	assert.Nil(t, producer.Start())
	defer producer.Stop()
	ex := types.NewExchange(context.Background(), types.InOut)
	ex.In().SetBody(body)
	assert.Nil(t, producer.Process(ex))
	return ex
}

func TestConfigPath(t *testing.T) {
	conf := Config{Path: "127.0.0.1:9090/orders/:id"}
	assert.Equal(t, "127.0.0.1:9090", conf.Host())
	assert.Equal(t, "/orders/:id", conf.Route())
	assert.Equal(t, allMethods, conf.Methods())

	conf = Config{Path: "127.0.0.1:9090", HttpMethodRestrict: "post, get"}
	assert.Equal(t, "/", conf.Route())
	assert.Equal(t, []string{"POST", "GET"}, conf.Methods())
}

func TestCreateEndpointErrors(t *testing.T) {
	c := &Component{}
	_, err := c.CreateEndpoint(endpoint.MustParseAddress("http:localhost:80/a?proxy=ftp://h:1"), types.NewConfig())
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	_, err = c.CreateEndpoint(endpoint.MustParseAddress("http:localhost:80/a?proxy=%3A%2F%2F"), types.NewConfig())
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	_, err = c.CreateEndpoint(endpoint.MustParseAddress("http:localhost:80/a?proxy=socks5://user:pw@127.0.0.1:1080"), types.NewConfig())
	assert.Nil(t, err)

	assert.Equal(t, "https", (&Component{Secure: true}).Scheme())
	ep := resolve(t, &Component{Secure: true}, "https:example.com/v1")
	assert.Equal(t, "https://example.com/v1", ep.URL())
}

func TestConsumerProducerRoundTrip(t *testing.T) {
	c := &Component{}
	var method, id string
	consumer, err := resolve(t, c, "http:127.0.0.1:0/orders/:id").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		method = exchange.In().Headers().GetString(HeaderMethod)
		id = exchange.In().Headers().GetString("id")
		out := impl.Reply(exchange, "order "+id+" "+exchange.In().BodyString())
		out.SetHeader(HeaderResponseCode, http.StatusCreated)
		out.SetHeader(HeaderContentType, "text/plain")
		return nil
	}))
	assert.Nil(t, err)
	assert.Nil(t, consumer.Start())
	defer consumer.Stop()
	addr := consumer.Endpoint().(*Endpoint).ListenAddr()
	assert.NotEqual(t, "", addr)

	ex := send(t, c, "http:"+addr+"/orders/7", "payload")
	assert.False(t, ex.Failed())
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "7", id)
	assert.Equal(t, "order 7 payload", ex.Out().BodyString())
	assert.Equal(t, int64(http.StatusCreated), ex.Out().Headers().GetInt64(HeaderResponseCode))
	assert.Equal(t, "text/plain", ex.Out().Headers().GetString(HeaderContentType))
}

func TestConsumerFault(t *testing.T) {
	c := &Component{}
	consumer, _ := resolve(t, c, "http:127.0.0.1:0/fail").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		exchange.Fail(errors.New("boom"), "test")
		return nil
	}))
	assert.Nil(t, consumer.Start())
	defer consumer.Stop()
	addr := consumer.Endpoint().(*Endpoint).ListenAddr()

	ex := send(t, c, "http:"+addr+"/fail", "x")
	assert.True(t, ex.Failed())
	assert.Equal(t, types.KindProtocol, ex.Fault().Kind)
	assert.Equal(t, "500", ex.Fault().Code)
	assert.False(t, ex.HasOut())
	var failed *OperationFailedError
	assert.True(t, errors.As(ex.Fault(), &failed))
	assert.Equal(t, http.StatusInternalServerError, failed.StatusCode)
	assert.True(t, strings.Contains(string(failed.Body), "boom"))
	assert.True(t, strings.Contains(ex.Fault().Error(), "boom"))
}

func TestMethodRestrict(t *testing.T) {
	c := &Component{}
	consumer, _ := resolve(t, c, "http:127.0.0.1:0/only?httpMethodRestrict=POST").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		return nil
	}))
	assert.Nil(t, consumer.Start())
	defer consumer.Stop()
	addr := consumer.Endpoint().(*Endpoint).ListenAddr()

	ex := send(t, c, "http:"+addr+"/only?httpMethod=GET&throwExceptionOnFailure=false", nil)
	assert.False(t, ex.Failed())
	assert.Equal(t, int64(http.StatusMethodNotAllowed), ex.Out().Headers().GetInt64(HeaderResponseCode))
}

func TestSharedListener(t *testing.T) {
	c := &Component{}
	reply := func(body string) types.Processor {
		return types.ProcessorFunc(func(exchange *types.Exchange) error {
			impl.Reply(exchange, body)
			return nil
		})
	}
	a, _ := resolve(t, c, "http:127.0.0.1:0/a").CreateConsumer(reply("A"))
	b, _ := resolve(t, c, "http:127.0.0.1:0/b").CreateConsumer(reply("B"))
	assert.Nil(t, a.Start())
	assert.Nil(t, b.Start())
	epA := a.Endpoint().(*Endpoint)
	addr := epA.ListenAddr()
	assert.Equal(t, addr, b.Endpoint().(*Endpoint).ListenAddr())

	assert.Equal(t, "A", send(t, c, "http:"+addr+"/a", "").Out().BodyString())
	assert.Equal(t, "B", send(t, c, "http:"+addr+"/b", "").Out().BodyString())

	// a stopped consumer leaves its route unanswered while the listener keeps serving
	assert.Nil(t, a.Stop())
	ex := send(t, c, "http:"+addr+"/a", "")
	assert.Equal(t, "404", ex.Fault().Code)
	assert.Equal(t, "B", send(t, c, "http:"+addr+"/b", "").Out().BodyString())

	// restarting reattaches to the same route
	assert.Nil(t, a.Start())
	assert.Equal(t, "A", send(t, c, "http:"+addr+"/a", "").Out().BodyString())

	closes := epA.server.Closes()
	assert.Nil(t, a.Stop())
	assert.Nil(t, b.Stop())
	assert.Equal(t, closes+1, epA.server.Closes())
	assert.False(t, epA.server.IsInit())
}

func TestDuplicateRoute(t *testing.T) {
	c := &Component{}
	noop := types.ProcessorFunc(func(exchange *types.Exchange) error { return nil })
	first, _ := resolve(t, c, "http:127.0.0.1:0/dup").CreateConsumer(noop)
	second, _ := resolve(t, c, "http:127.0.0.1:0/dup?synchronous=true").CreateConsumer(noop)
	assert.Nil(t, first.Start())
	err := second.Start()
	assert.True(t, errors.Is(err, types.ErrConfiguration))
	assert.Equal(t, types.Stopped, second.State())
	assert.Equal(t, 1, first.Endpoint().(*Endpoint).server.Refs())
	assert.Nil(t, first.Stop())
}

func TestProducerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Trace", r.Header.Get("X-Trace"))
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			_, _ = fmt.Fprintf(w, "%s %s?%s", r.Method, r.URL.Path, r.URL.RawQuery)
		}
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	c := &Component{}

	producer, _ := resolve(t, c, "http:"+host).CreateProducer()
	assert.Nil(t, producer.Start())
	defer producer.Stop()
	ex := types.NewExchange(context.Background(), types.InOut)
	ex.In().SetHeader(HeaderPath, "/items")
	ex.In().SetHeader(HeaderQuery, "page=2")
	ex.In().SetHeader("X-Trace", "t1")
	assert.Nil(t, producer.Process(ex))
	assert.False(t, ex.Failed())
	assert.Equal(t, "GET /items?page=2", ex.Out().BodyString())
	assert.Equal(t, "t1", ex.Out().Headers().GetString("X-Trace"))

	ex = send(t, c, "http:"+host+"/missing", nil)
	assert.True(t, ex.Failed())
	assert.Equal(t, types.KindProtocol, ex.Fault().Kind)
	assert.Equal(t, "404", ex.Fault().Code)

	ex = send(t, c, "http:"+host+"/missing?throwExceptionOnFailure=false", nil)
	assert.False(t, ex.Failed())
	assert.Equal(t, int64(http.StatusNotFound), ex.Out().Headers().GetInt64(HeaderResponseCode))
}

func TestProducerConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	ex := send(t, &Component{}, "http:"+host+"/x", "a")
	assert.True(t, ex.Failed())
	assert.Equal(t, types.KindConnectivity, ex.Fault().Kind)
}
