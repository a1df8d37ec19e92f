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

// Package mqtt provides MQTT endpoints. Endpoints on the same broker and client id share
// one connection. Consumers subscribe to the topic filter and recover from a lost
// connection with the reconnect policy; producers publish without blocking the caller.
//
//	mqtt:sensors/+/temp?server=tcp://127.0.0.1:1883&qos=1&maximumReconnects=-1
package mqtt

import (
	"context"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/mqtt"
)

const Scheme = "mqtt"

// Header names set and read by mqtt endpoints.
const (
	HeaderTopic     = "MqttTopic"
	HeaderQos       = "MqttQos"
	HeaderRetained  = "MqttRetained"
	HeaderMessageId = "MqttMessageId"
)

// Client is the broker connection endpoints use.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, handler mqtt.Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	OnConnectionLost(key string, fn func(err error))
	Close() error
}

// Config is bound from the address. The path is the topic or topic filter.
type Config struct {
	impl.ConsumerConfig  `mapstructure:",squash"`
	impl.ReconnectConfig `mapstructure:",squash"`
	Topic                string `mapstructure:"topic" required:"true"`
	Server               string `mapstructure:"server" required:"true"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	ClientId             string `mapstructure:"clientId"`
	CleanSession         bool   `mapstructure:"cleanSession"`
	Qos                  int    `mapstructure:"qos"`
	Retained             bool   `mapstructure:"retained"`
	// PublishTimeout bounds the wait for the broker acknowledgement.
	PublishTimeout time.Duration `mapstructure:"publishTimeout"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	CAFile         string        `mapstructure:"caFile"`
	CertFile       string        `mapstructure:"certFile"`
	CertKeyFile    string        `mapstructure:"certKeyFile"`
}

func (c Config) clientConfig() mqtt.Config {
	return mqtt.Config{
		Server:         c.Server,
		Username:       c.Username,
		Password:       c.Password,
		ClientID:       c.ClientId,
		CleanSession:   c.CleanSession,
		ConnectTimeout: c.ConnectTimeout,
		CAFile:         c.CAFile,
		CertFile:       c.CertFile,
		CertKeyFile:    c.CertKeyFile,
	}
}

// Component shares clients by broker, client id and user.
// NewClient replaces the Paho client, e.g. with an in-memory broker.
type Component struct {
	NewClient func(conf mqtt.Config) (Client, error)
	clients   impl.ClientPool[Client]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:  impl.DefaultConsumerConfig(),
		ReconnectConfig: impl.DefaultReconnectConfig(),
		CleanSession:    true,
		PublishTimeout:  10 * time.Second,
		ConnectTimeout:  10 * time.Second,
	}
	if err := impl.Bind(c, address, config, "topic", &conf); err != nil {
		return nil, err
	}
	if conf.Qos < 0 || conf.Qos > 2 {
		return nil, types.NewConfigurationError(address.String(), "qos", "must be 0, 1 or 2")
	}
	clientConf := conf.clientConfig()
	newClient := c.NewClient
	if newClient == nil {
		newClient = func(conf mqtt.Config) (Client, error) {
			return mqtt.NewClient(conf)
		}
	}
	ep := &Endpoint{conf: conf}
	ep.Init(address, config, conf)
	ep.client = c.clients.Get(clientConf.Key(), func() (Client, error) {
		return newClient(clientConf)
	}, func(client Client) error {
		return client.Close()
	})
	return ep, nil
}

// Endpoint is an mqtt endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf   Config
	client *impl.SharedClient[Client]
}

func (e *Endpoint) acquire() (Client, error) {
	client, err := e.client.Acquire()
	if err != nil {
		return nil, types.NewConfigurationError(e.Address(), "server", "%v", err)
	}
	return client, nil
}

func (e *Endpoint) release() error {
	return e.client.Release(e.Config().Timeout())
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	c := &consumer{endpoint: e, policy: impl.NewReconnectPolicy(e.conf.ReconnectConfig)}
	c.DefaultConsumer = impl.NewDefaultConsumer(e, processor, e.conf.ConsumerConfig)
	c.DoStart = c.start
	c.DoStop = c.stop
	return c, nil
}

type consumer struct {
	*impl.DefaultConsumer
	endpoint *Endpoint
	policy   impl.ReconnectPolicy
	client   Client
}

func (c *consumer) key() string {
	return c.endpoint.Address()
}

func (c *consumer) start(ctx context.Context) error {
	client, err := c.endpoint.acquire()
	if err != nil {
		return err
	}
	c.client = client
	handler := mqtt.Handler{Topic: c.endpoint.conf.Topic, Qos: byte(c.endpoint.conf.Qos), Handle: c.handle}
	if err := client.Subscribe(ctx, handler); err != nil {
		_ = c.endpoint.release()
		return types.NewProtocolError("subscribe", "", err)
	}
	connect := func(ctx context.Context) error {
		return client.Connect(ctx)
	}
	client.OnConnectionLost(c.key(), func(err error) {
		c.Reconnect(c.policy, err, connect)
	})
	if err := client.Connect(ctx); err != nil {
		c.Reconnect(c.policy, types.NewConnectivityError("connect", err), connect)
	}
	return nil
}

func (c *consumer) stop() error {
	if c.client == nil {
		return nil
	}
	c.client.OnConnectionLost(c.key(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), c.endpoint.Config().Timeout())
	defer cancel()
	if err := c.client.Unsubscribe(ctx, c.endpoint.conf.Topic); err != nil {
		c.endpoint.Config().Printf("mqtt %s unsubscribe: %v", c.endpoint.Address(), err)
	}
	c.client = nil
	return c.endpoint.release()
}

func (c *consumer) handle(msg mqtt.Message) {
	exchange := c.CreateExchange()
	in := exchange.In()
	in.SetBody(msg.Payload)
	in.SetHeader(HeaderTopic, msg.Topic)
	in.SetHeader(HeaderQos, int(msg.Qos))
	in.SetHeader(HeaderRetained, msg.Retained)
	in.SetHeader(HeaderMessageId, int(msg.MessageID))
	_ = c.Emit(exchange)
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := &producer{endpoint: e}
	p.DefaultProducer = impl.NewDefaultProducer(e, p.publish)
	p.DoProcessAsync = func(exchange *types.Exchange, done func(err error)) {
		go func() {
			done(p.publish(exchange))
		}()
	}
	p.Validate = func(exchange *types.Exchange) error {
		if exchange.In().Headers().Has(HeaderQos) {
			if qos := exchange.In().Headers().GetInt64(HeaderQos); qos < 0 || qos > 2 {
				return types.NewProgrammerError("publish", HeaderQos, "qos must be 0, 1 or 2, got %d", qos)
			}
		}
		return nil
	}
	p.DoStart = p.start
	p.DoStop = e.release
	return p, nil
}

type producer struct {
	*impl.DefaultProducer
	endpoint *Endpoint
}

func (p *producer) start() error {
	client, err := p.endpoint.acquire()
	if err != nil {
		return err
	}
	// an unreachable broker surfaces as a fault on the first publish
	ctx, cancel := context.WithTimeout(context.Background(), p.endpoint.conf.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		p.endpoint.Config().Printf("mqtt %s connect: %v", p.endpoint.Address(), err)
	}
	return nil
}

func (p *producer) publish(exchange *types.Exchange) error {
	client, err := p.endpoint.client.Get()
	if err != nil {
		return types.NewConnectivityError("publish", err)
	}
	p.endpoint.client.BeginOp()
	defer p.endpoint.client.EndOp()
	conf := p.endpoint.conf
	in := exchange.In()
	topic := conf.Topic
	if t := in.Headers().GetString(HeaderTopic); t != "" {
		topic = t
	}
	qos := conf.Qos
	if in.Headers().Has(HeaderQos) {
		qos = int(in.Headers().GetInt64(HeaderQos))
	}
	payload, err := in.BodyBytes()
	if err != nil {
		return types.NewProgrammerError("encode", "body", "%v", err)
	}
	ctx, cancel := context.WithTimeout(exchange.Context(), conf.PublishTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return types.NewConnectivityError("connect", err)
	}
	if err := client.Publish(ctx, topic, byte(qos), conf.Retained, payload); err != nil {
		return types.NewConnectivityError("publish", err)
	}
	return nil
}
