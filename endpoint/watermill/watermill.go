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

// Package watermill bridges watermill publishers and subscribers. The address path
// is the topic; the pubSub parameter selects a registered pair.
//
//	watermill:orders?pubSub=kafka
//
// Without pubSub an in-memory gochannel pair shared by the component's endpoints is used.
// Consumers ack each message once its exchange completed and nack failed ones,
// leaving redelivery to the subscriber implementation.
package watermill

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "watermill"

// MemoryPubSub names the built-in gochannel pair.
const MemoryPubSub = "memory"

// Header names set and read by watermill endpoints.
const (
	HeaderUUID  = "WatermillUUID"
	HeaderTopic = "WatermillTopic"
)

// ErrSubscriptionClosed is reported when the subscriber closed the message channel.
var ErrSubscriptionClosed = errors.New("subscription closed")

// PubSub pairs a publisher with a subscriber. Either may be nil for one-way use.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Config is bound from the address. The path is the topic.
type Config struct {
	impl.ConsumerConfig  `mapstructure:",squash"`
	impl.ReconnectConfig `mapstructure:",squash"`
	Topic                string `mapstructure:"topic" required:"true"`
	PubSub               string `mapstructure:"pubSub"`
	// BufferSize is the output buffer of the in-memory pair.
	BufferSize int64 `mapstructure:"bufferSize"`
	// BlockPublish makes in-memory publishes wait until every subscriber acked,
	// which keeps the publish order. The first endpoint creating the pair decides.
	BlockPublish bool `mapstructure:"blockPublish"`
	TextBody     bool `mapstructure:"textBody"`
}

// Component resolves pubSub names to registered pairs.
type Component struct {
	mu         sync.RWMutex
	registered map[string]PubSub
	clients    impl.ClientPool[PubSub]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

// Register makes ps available as pubSub=name. Registered pairs are owned by the caller
// and not closed by the component.
func (c *Component) Register(name string, ps PubSub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered == nil {
		c.registered = make(map[string]PubSub)
	}
	c.registered[name] = ps
}

func (c *Component) lookup(name string) (PubSub, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.registered[name]
	return ps, ok
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:  impl.DefaultConsumerConfig(),
		ReconnectConfig: impl.DefaultReconnectConfig(),
		PubSub:          MemoryPubSub,
		BufferSize:      64,
		BlockPublish:    true,
	}
	if err := impl.Bind(c, address, config, "topic", &conf); err != nil {
		return nil, err
	}
	ep := &Endpoint{conf: conf}
	ep.Init(address, config, conf)
	logger := logAdapter{config: config}
	if conf.PubSub == MemoryPubSub {
		ep.pubSub = c.clients.Get(MemoryPubSub, func() (PubSub, error) {
			ch := gochannel.NewGoChannel(gochannel.Config{
				OutputChannelBuffer:            conf.BufferSize,
				BlockPublishUntilSubscriberAck: conf.BlockPublish,
			}, logger)
			return PubSub{Publisher: ch, Subscriber: ch}, nil
		}, func(ps PubSub) error {
			return ps.Publisher.Close()
		})
		return ep, nil
	}
	if _, ok := c.lookup(conf.PubSub); !ok {
		return nil, types.NewConfigurationError(address.String(), "pubSub", "pubSub %q is not registered", conf.PubSub)
	}
	name := conf.PubSub
	ep.pubSub = c.clients.Get(name, func() (PubSub, error) {
		ps, ok := c.lookup(name)
		if !ok {
			return PubSub{}, types.NewConfigurationError(address.String(), "pubSub", "pubSub %q is not registered", name)
		}
		return ps, nil
	}, nil)
	return ep, nil
}

// logAdapter writes watermill errors and info records to the configured logger.
type logAdapter struct {
	config types.Config
	fields watermill.LogFields
}

func (l logAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.config.Printf("watermill: %s: %v %v", msg, err, l.fields.Add(fields))
}

func (l logAdapter) Info(msg string, fields watermill.LogFields) {
	l.config.Printf("watermill: %s %v", msg, l.fields.Add(fields))
}

func (l logAdapter) Debug(msg string, fields watermill.LogFields) {}

func (l logAdapter) Trace(msg string, fields watermill.LogFields) {}

func (l logAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return logAdapter{config: l.config, fields: l.fields.Add(fields)}
}

// Endpoint is a watermill endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf   Config
	pubSub *impl.SharedClient[PubSub]
}

func (e *Endpoint) acquire() (PubSub, error) {
	return e.pubSub.Acquire()
}

func (e *Endpoint) release() error {
	return e.pubSub.Release(e.Config().Timeout())
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := &producer{endpoint: e}
	p.DefaultProducer = impl.NewDefaultProducer(e, p.publish)
	p.DoStart = func() error {
		ps, err := e.acquire()
		if err != nil {
			return err
		}
		if ps.Publisher == nil {
			_ = e.release()
			return types.NewConfigurationError(e.Address(), "pubSub", "pubSub %q has no publisher", e.conf.PubSub)
		}
		return nil
	}
	p.DoStop = e.release
	return p, nil
}

type producer struct {
	*impl.DefaultProducer
	endpoint *Endpoint
}

func (p *producer) publish(exchange *types.Exchange) error {
	ps, err := p.endpoint.pubSub.Get()
	if err != nil {
		return types.NewConnectivityError("publish", err)
	}
	in := exchange.In()
	payload, err := in.BodyBytes()
	if err != nil {
		return types.NewProgrammerError("publish", "body", "%v", err)
	}
	uuid := in.Headers().GetString(HeaderUUID)
	if uuid == "" {
		uuid = exchange.Id()
	}
	msg := message.NewMessage(uuid, payload)
	msg.SetContext(exchange.Context())
	in.Headers().Range(func(k string, v interface{}) bool {
		if s, ok := v.(string); ok && k != HeaderUUID && k != HeaderTopic {
			msg.Metadata.Set(k, s)
		}
		return true
	})
	topic := p.endpoint.conf.Topic
	if t := in.Headers().GetString(HeaderTopic); t != "" {
		topic = t
	}
	p.endpoint.pubSub.BeginOp()
	defer p.endpoint.pubSub.EndOp()
	if err := ps.Publisher.Publish(topic, msg); err != nil {
		return types.NewConnectivityError("publish", err)
	}
	return nil
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
	sub      message.Subscriber
	wg       sync.WaitGroup
}

func (c *consumer) start(ctx context.Context) error {
	ps, err := c.endpoint.acquire()
	if err != nil {
		return err
	}
	if ps.Subscriber == nil {
		_ = c.endpoint.release()
		return types.NewConfigurationError(c.endpoint.Address(), "pubSub", "pubSub %q has no subscriber", c.endpoint.conf.PubSub)
	}
	c.sub = ps.Subscriber
	if err := c.subscribe(ctx); err != nil {
		c.Reconnect(c.policy, err, c.subscribe)
	}
	return nil
}

func (c *consumer) subscribe(ctx context.Context) error {
	messages, err := c.sub.Subscribe(ctx, c.endpoint.conf.Topic)
	if err != nil {
		return types.NewConnectivityError("subscribe", err)
	}
	c.Fire(types.EventConnect, nil)
	c.wg.Add(1)
	go c.receive(ctx, messages)
	return nil
}

func (c *consumer) receive(ctx context.Context, messages <-chan *message.Message) {
	defer c.wg.Done()
	for msg := range messages {
		c.handle(msg)
	}
	if ctx.Err() == nil {
		c.Reconnect(c.policy, types.NewConnectivityError("receive", ErrSubscriptionClosed), c.subscribe)
	}
}

func (c *consumer) handle(msg *message.Message) {
	exchange := c.CreateExchange()
	in := exchange.In()
	for k, v := range msg.Metadata {
		in.SetHeader(k, v)
	}
	in.SetHeader(HeaderUUID, msg.UUID)
	in.SetHeader(HeaderTopic, c.endpoint.conf.Topic)
	if c.endpoint.conf.TextBody {
		in.SetBody(string(msg.Payload))
	} else {
		in.SetBody([]byte(msg.Payload))
	}
	c.EmitAsync(exchange, func(bool) {
		if exchange.Failed() {
			msg.Nack()
		} else {
			msg.Ack()
		}
	})
}

// stop waits for the subscriber to close the channel after the consumer context was cancelled.
func (c *consumer) stop() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.endpoint.Config().Timeout()):
		c.endpoint.Config().Printf("consumer %s subscription did not close", c.endpoint.Address())
	}
	return c.endpoint.release()
}
