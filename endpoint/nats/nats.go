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

// Package nats provides NATS endpoints. Consumers subscribe to the subject, joining the
// queue group when queueName is set, and answer request messages with the exchange result.
// Producers publish, or send a request and wait for the reply on InOut exchanges.
//
//	nats:orders.>?servers=nats://127.0.0.1:4222&queueName=workers
//
// The NATS client reconnects by itself; its disconnect and reconnect notifications are
// reported as endpoint events. Endpoints on the same servers and user share one connection.
package nats

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "nats"

// Header names set and read by nats endpoints.
const (
	HeaderSubject = "NatsSubject"
	HeaderReplyTo = "NatsReplyTo"
	HeaderQueue   = "NatsQueue"
)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the connection endpoints use. *nats.Conn is adapted by connAdapter.
type Conn interface {
	Subscribe(subject, queue string, handler nats.MsgHandler) (Subscription, error)
	PublishMsg(msg *nats.Msg) error
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
	Close()
}

// Options are the connection settings shared by endpoints on one connection.
type Options struct {
	Servers        string
	Username       string
	Password       string
	Token          string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

func (o Options) key() string {
	return o.Servers + "|" + o.Username
}

// Config is bound from the address. The path is the subject.
type Config struct {
	impl.ConsumerConfig  `mapstructure:",squash"`
	impl.ReconnectConfig `mapstructure:",squash"`
	Subject              string `mapstructure:"subject" required:"true"`
	Servers              string `mapstructure:"servers" required:"true"`
	QueueName            string `mapstructure:"queueName"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	Token                string `mapstructure:"token"`
	ConnectionName       string `mapstructure:"connectionName"`
	// ReplySubject is set on published messages.
	ReplySubject   string        `mapstructure:"replySubject"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// TextBody delivers consumed payloads as strings instead of bytes.
	TextBody bool `mapstructure:"textBody"`
}

func (c Config) options() Options {
	return Options{
		Servers:        c.Servers,
		Username:       c.Username,
		Password:       c.Password,
		Token:          c.Token,
		Name:           c.ConnectionName,
		MaxReconnects:  c.MaximumReconnects,
		ReconnectWait:  c.ReconnectDelay,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// Component shares connections by servers and user.
// Dial replaces the NATS client, e.g. with an in-memory server.
type Component struct {
	Dial    func(opts Options, events func(name string, err error)) (Conn, error)
	clients impl.ClientPool[*client]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:  impl.DefaultConsumerConfig(),
		ReconnectConfig: impl.DefaultReconnectConfig(),
		RequestTimeout:  20 * time.Second,
		ConnectTimeout:  5 * time.Second,
	}
	if err := impl.Bind(c, address, config, "subject", &conf); err != nil {
		return nil, err
	}
	if strings.ContainsAny(conf.Subject, " \t") {
		return nil, types.NewConfigurationError(address.String(), "subject", "subject must not contain whitespace")
	}
	opts := conf.options()
	dial := c.Dial
	if dial == nil {
		dial = Dial
	}
	ep := &Endpoint{conf: conf}
	ep.Init(address, config, conf)
	ep.client = c.clients.Get(opts.key(), func() (*client, error) {
		cl := &client{listeners: make(map[string]func(string, error))}
		conn, err := dial(opts, cl.notify)
		if err != nil {
			return nil, err
		}
		cl.Conn = conn
		return cl, nil
	}, func(cl *client) error {
		cl.Close()
		return nil
	})
	return ep, nil
}

// client is a shared connection fanning its status notifications out to consumers.
type client struct {
	Conn
	mu        sync.Mutex
	listeners map[string]func(name string, err error)
}

func (c *client) notify(name string, err error) {
	c.mu.Lock()
	fns := make([]func(string, error), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(name, err)
	}
}

func (c *client) listen(key string, fn func(name string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.listeners, key)
		return
	}
	c.listeners[key] = fn
}

// Dial connects with the NATS client. The first connect is retried in the
// background, so an unreachable server does not fail Start.
func Dial(opts Options, events func(name string, err error)) (Conn, error) {
	options := []nats.Option{
		nats.Timeout(opts.ConnectTimeout),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			events(types.EventDisconnect, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			events(types.EventReconnect, nil)
		}),
		nats.ConnectHandler(func(_ *nats.Conn) {
			events(types.EventConnect, nil)
		}),
	}
	if opts.Name != "" {
		options = append(options, nats.Name(opts.Name))
	}
	if opts.Username != "" {
		options = append(options, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.Token != "" {
		options = append(options, nats.Token(opts.Token))
	}
	conn, err := nats.Connect(opts.Servers, options...)
	if err != nil {
		return nil, err
	}
	return connAdapter{conn}, nil
}

type connAdapter struct {
	*nats.Conn
}

func (c connAdapter) Subscribe(subject, queue string, handler nats.MsgHandler) (Subscription, error) {
	if queue != "" {
		return c.Conn.QueueSubscribe(subject, queue, handler)
	}
	return c.Conn.Subscribe(subject, handler)
}

// Endpoint is a nats endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf   Config
	client *impl.SharedClient[*client]
}

func (e *Endpoint) acquire() (*client, error) {
	cl, err := e.client.Acquire()
	if err != nil {
		return nil, types.NewConfigurationError(e.Address(), "servers", "%v", err)
	}
	return cl, nil
}

func (e *Endpoint) release() error {
	return e.client.Release(e.Config().Timeout())
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := impl.NewDefaultProducer(e, e.publish)
	p.DoStart = func() error {
		_, err := e.acquire()
		return err
	}
	p.DoStop = e.release
	return p, nil
}

func (e *Endpoint) publish(exchange *types.Exchange) error {
	cl, err := e.client.Get()
	if err != nil {
		return types.NewConnectivityError("publish", err)
	}
	in := exchange.In()
	data, err := in.BodyBytes()
	if err != nil {
		return types.NewProgrammerError("publish", "body", "%v", err)
	}
	msg := nats.NewMsg(e.conf.Subject)
	if s := in.Headers().GetString(HeaderSubject); s != "" {
		msg.Subject = s
	}
	msg.Reply = e.conf.ReplySubject
	if r := in.Headers().GetString(HeaderReplyTo); r != "" {
		msg.Reply = r
	}
	msg.Data = data
	in.Headers().Range(func(k string, v interface{}) bool {
		if s, ok := v.(string); ok && !strings.HasPrefix(k, "Nats") {
			msg.Header.Set(k, s)
		}
		return true
	})
	e.client.BeginOp()
	defer e.client.EndOp()
	if exchange.Pattern() != types.InOut {
		if err := cl.PublishMsg(msg); err != nil {
			return classify("publish", err)
		}
		return nil
	}
	msg.Reply = ""
	ctx, cancel := context.WithTimeout(exchange.Context(), e.conf.RequestTimeout)
	defer cancel()
	reply, err := cl.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return classify("request", err)
	}
	out := impl.Reply(exchange, reply.Data)
	copyHeaders(reply, out)
	return nil
}

func copyHeaders(msg *nats.Msg, m *types.Message) {
	m.SetHeader(HeaderSubject, msg.Subject)
	for k := range msg.Header {
		m.SetHeader(k, msg.Header.Get(k))
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return types.NewProtocolError(op, "503", err)
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload):
		return types.NewProtocolError(op, "", err)
	}
	return types.NewConnectivityError(op, err)
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	c := &consumer{endpoint: e}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

type consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint
	client   *client
	sub      Subscription
}

func (c *consumer) start(ctx context.Context) error {
	cl, err := c.endpoint.acquire()
	if err != nil {
		return err
	}
	sub, err := cl.Subscribe(c.endpoint.conf.Subject, c.endpoint.conf.QueueName, c.handle)
	if err != nil {
		_ = c.endpoint.release()
		return types.NewConfigurationError(c.endpoint.Address(), "subject", "%v", err)
	}
	c.client, c.sub = cl, sub
	cl.listen(c.endpoint.Address(), func(name string, err error) {
		c.Fire(name, err)
	})
	return nil
}

func (c *consumer) handle(msg *nats.Msg) {
	pattern := c.endpoint.conf.Pattern()
	if msg.Reply != "" {
		pattern = types.InOut
	}
	exchange := c.CreateExchangeWithPattern(pattern)
	in := exchange.In()
	copyHeaders(msg, in)
	if msg.Reply != "" {
		in.SetHeader(HeaderReplyTo, msg.Reply)
	}
	if c.endpoint.conf.QueueName != "" {
		in.SetHeader(HeaderQueue, c.endpoint.conf.QueueName)
	}
	if c.endpoint.conf.TextBody {
		in.SetBody(string(msg.Data))
	} else {
		in.SetBody(msg.Data)
	}
	if msg.Reply == "" {
		_ = c.Emit(exchange)
		return
	}
	_ = c.EmitAndWait(exchange)
	reply := nats.NewMsg(msg.Reply)
	if exchange.Failed() {
		reply.Header.Set("error", exchange.Err().Error())
	} else if data, err := exchange.Result().BodyBytes(); err == nil {
		reply.Data = data
	}
	if err := c.client.PublishMsg(reply); err != nil {
		c.endpoint.Config().Printf("consumer %s reply to %s failed: %v", c.endpoint.Address(), msg.Reply, err)
	}
}

func (c *consumer) stop() error {
	if c.client == nil {
		return nil
	}
	c.client.listen(c.endpoint.Address(), nil)
	if err := c.sub.Unsubscribe(); err != nil {
		c.endpoint.Config().Printf("consumer %s unsubscribe failed: %v", c.endpoint.Address(), err)
	}
	c.client, c.sub = nil, nil
	return c.endpoint.release()
}
