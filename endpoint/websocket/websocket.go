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

// Package websocket provides websocket endpoints. A consumer serves a route on the
// listener shared with http consumers of the same host:port and treats each connection
// as a stream; a producer keeps one client connection and writes the In body to it.
//
//	websocket:0.0.0.0:9090/ws/:room?strategy=aggregation
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/endpoint/rest"
)

const (
	Scheme       = "websocket"
	SchemeSecure = "websockets"
)

// Header names set by websocket consumers and producers.
const (
	HeaderConnectionKey = "WebsocketConnectionKey"
	HeaderRemoteAddr    = "WebsocketRemoteAddr"
	HeaderMessageType   = "WebsocketMessageType"
	HeaderIndex         = "WebsocketIndex"
)

// Config is bound from the address. The path is host[:port]/route.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	impl.StreamConfig   `mapstructure:",squash"`
	Path                string `mapstructure:"path" required:"true"`
	// MessageType is text or binary and applies to producer writes.
	MessageType string `mapstructure:"messageType"`
	// ReplyTimeout bounds the wait for the reply of an InOut producer exchange.
	ReplyTimeout time.Duration `mapstructure:"replyTimeout"`
	CertFile     string        `mapstructure:"certFile"`
	CertKeyFile  string        `mapstructure:"certKeyFile"`
}

func (c Config) host() string {
	if i := strings.Index(c.Path, "/"); i >= 0 {
		return c.Path[:i]
	}
	return c.Path
}

func (c Config) route() string {
	if i := strings.Index(c.Path, "/"); i >= 0 {
		return c.Path[i:]
	}
	return "/"
}

// Component creates websocket endpoints. Secure selects wss for producers.
type Component struct {
	Secure bool
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	if c.Secure {
		return SchemeSecure
	}
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig: impl.DefaultConsumerConfig(),
		StreamConfig:   impl.DefaultStreamConfig(),
		MessageType:    "text",
		ReplyTimeout:   30 * time.Second,
	}
	if err := impl.Bind(c, address, config, "path", &conf); err != nil {
		return nil, err
	}
	strategy, err := conf.StreamConfig.Validate(address.String())
	if err != nil {
		return nil, err
	}
	messageType := websocket.TextMessage
	switch strings.ToLower(conf.MessageType) {
	case "text":
	case "binary":
		messageType = websocket.BinaryMessage
	default:
		return nil, types.NewConfigurationError(address.String(), "messageType", "expected text or binary, got %q", conf.MessageType)
	}
	if conf.host() == "" {
		return nil, types.NewConfigurationError(address.String(), "path", "host is required")
	}
	ep := &Endpoint{conf: conf, strategy: strategy, messageType: messageType, secure: c.Secure}
	ep.Init(address, config, conf)
	ep.server = rest.SharedServer(conf.host(), conf.CertFile, conf.CertKeyFile, config.Timeout())
	return ep, nil
}

// Endpoint is a websocket endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf        Config
	strategy    impl.StreamStrategy
	messageType int
	secure      bool
	server      *impl.SharedClient[*rest.Server]
}

// ListenAddr returns the address the shared listener is bound to, once a consumer started.
func (e *Endpoint) ListenAddr() string {
	s, err := e.server.Get()
	if err != nil {
		return ""
	}
	return s.Addr()
}

// URL returns the producer target.
func (e *Endpoint) URL() string {
	if e.secure {
		return "wss://" + e.conf.Path
	}
	return "ws://" + e.conf.Path
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	c := &Consumer{
		endpoint: e,
		conns:    make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

// Consumer handles one stream per connection.
type Consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func (c *Consumer) start(ctx context.Context) error {
	s, err := c.endpoint.server.Acquire()
	if err != nil {
		return types.NewConnectivityError("listen", err)
	}
	if !s.Attach(http.MethodGet, c.endpoint.conf.route(), c.handle) {
		_ = c.endpoint.server.Release(c.endpoint.Config().Timeout())
		return types.NewConfigurationError(c.endpoint.Address(), "path", "route %s is already served", c.endpoint.conf.route())
	}
	return nil
}

func (c *Consumer) stop() error {
	if s, err := c.endpoint.server.Get(); err == nil {
		s.Detach(http.MethodGet, c.endpoint.conf.route())
	}
	c.mu.Lock()
	for _, conn := range c.conns {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.conns = make(map[string]*websocket.Conn)
	c.mu.Unlock()
	return c.endpoint.server.Release(c.endpoint.Config().Timeout())
}

// Connections returns the number of open connections.
func (c *Consumer) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *Consumer) handle(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.endpoint.Config().Printf("websocket %s upgrade: %v", c.endpoint.Address(), err)
		return
	}
	key := uuid.Must(uuid.NewV4()).String()
	c.mu.Lock()
	c.conns[key] = conn
	c.mu.Unlock()
	c.Fire(types.EventConnect, nil)
	defer func() {
		c.mu.Lock()
		delete(c.conns, key)
		c.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	dispatcher := impl.NewStreamDispatcher(c.DefaultConsumer, c.endpoint.strategy, c.endpoint.conf.MaxAggregation, func(exchange *types.Exchange) error {
		if !exchange.HasOut() {
			return nil
		}
		data, err := exchange.Out().BodyBytes()
		if err != nil {
			return types.NewProgrammerError("encode", "body", "%v", err)
		}
		mt := websocket.TextMessage
		if _, ok := exchange.Out().Body().([]byte); ok {
			mt = websocket.BinaryMessage
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(mt, data)
	})
	dispatcher.Headers = map[string]interface{}{
		HeaderConnectionKey: key,
		HeaderRemoteAddr:    r.RemoteAddr,
	}
	for _, p := range params {
		dispatcher.Headers[p.Key] = p.Value
	}
	dispatcher.IndexHeader = HeaderIndex

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if err := dispatcher.OnCompleted(); err != nil {
					c.endpoint.Config().Printf("websocket %s stream %s: %v", c.endpoint.Address(), key, err)
				}
			} else {
				dispatcher.OnError(err)
			}
			c.Fire(types.EventDisconnect, nil)
			return
		}
		var body interface{} = data
		if mt == websocket.TextMessage {
			body = string(data)
		}
		if err := dispatcher.OnNext(body); err != nil {
			c.endpoint.Config().Printf("websocket %s stream %s: %v", c.endpoint.Address(), key, err)
			code := websocket.CloseInternalServerErr
			if errors.Is(err, impl.ErrAggregationOverflow) {
				code = websocket.CloseMessageTooBig
			}
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "stream failed"), time.Now().Add(time.Second))
			writeMu.Unlock()
			c.Fire(types.EventDisconnect, err)
			return
		}
	}
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := &producer{endpoint: e}
	p.DefaultProducer = impl.NewDefaultProducer(e, p.send)
	p.DoStop = p.close
	return p, nil
}

// producer writes over a single connection, dialled on first use and again after a failure.
type producer struct {
	*impl.DefaultProducer
	endpoint *Endpoint

	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *producer) send(exchange *types.Exchange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(exchange.Context(), p.endpoint.URL(), nil)
		if err != nil {
			return types.NewConnectivityError("dial", err)
		}
		p.conn = conn
	}
	data, err := exchange.In().BodyBytes()
	if err != nil {
		return types.NewProgrammerError("encode", "body", "%v", err)
	}
	if err := p.conn.WriteMessage(p.endpoint.messageType, data); err != nil {
		p.reset()
		return types.NewConnectivityError("write", err)
	}
	if exchange.Pattern() != types.InOut {
		return nil
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(p.endpoint.conf.ReplyTimeout))
	mt, reply, err := p.conn.ReadMessage()
	if err != nil {
		p.reset()
		return types.NewConnectivityError("read", err)
	}
	_ = p.conn.SetReadDeadline(time.Time{})
	var body interface{} = reply
	if mt == websocket.TextMessage {
		body = string(reply)
	}
	impl.Reply(exchange, body).SetHeader(HeaderMessageType, mt)
	return nil
}

func (p *producer) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *producer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	p.reset()
	return nil
}
