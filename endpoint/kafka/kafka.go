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

// Package kafka provides Kafka endpoints on kafka-go. Consumers join the consumer
// group and commit each record once its exchange completed. A failed record is never
// committed past: the consumer closes its reader, waits the reconnect delay and
// rejoins the group, which fetches again from the failed offset. Producers write
// records keyed by the KafkaKey header, so records with the same key land on the
// same partition.
//
//	kafka:orders?brokers=127.0.0.1:9092&groupId=billing&startOffset=earliest
package kafka

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/cast"
	"github.com/segmentio/kafka-go"
)

const Scheme = "kafka"

// Header names set and read by kafka endpoints.
const (
	HeaderTopic     = "KafkaTopic"
	HeaderKey       = "KafkaKey"
	HeaderPartition = "KafkaPartition"
	HeaderOffset    = "KafkaOffset"
	HeaderTimestamp = "KafkaTimestamp"
)

const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// Reader is the consumer side of kafka-go, implemented by *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the producer side of kafka-go, implemented by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config is bound from the address. The path is the topic.
type Config struct {
	impl.ConsumerConfig  `mapstructure:",squash"`
	impl.ReconnectConfig `mapstructure:",squash"`
	Topic                string `mapstructure:"topic" required:"true"`
	// Brokers is a comma separated list of host:port.
	Brokers string `mapstructure:"brokers" required:"true"`
	GroupId string `mapstructure:"groupId"`
	// StartOffset is earliest or latest, used when the group has no committed offset.
	StartOffset    string        `mapstructure:"startOffset"`
	CommitInterval time.Duration `mapstructure:"commitInterval"`
	MaxWait        time.Duration `mapstructure:"maxWait"`
	// RequiredAcks is all, one or none.
	RequiredAcks string        `mapstructure:"requiredAcks"`
	BatchTimeout time.Duration `mapstructure:"batchTimeout"`
	// Async makes writes fire and forget.
	Async bool `mapstructure:"async"`
	// TextBody delivers consumed values as strings instead of bytes.
	TextBody bool `mapstructure:"textBody"`
}

// BrokerList splits Brokers.
func (c Config) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c Config) acks() (kafka.RequiredAcks, bool) {
	switch strings.ToLower(c.RequiredAcks) {
	case "", "all":
		return kafka.RequireAll, true
	case "one":
		return kafka.RequireOne, true
	case "none":
		return kafka.RequireNone, true
	}
	return 0, false
}

func (c Config) readerConfig() kafka.ReaderConfig {
	offset := kafka.LastOffset
	if strings.EqualFold(c.StartOffset, OffsetEarliest) {
		offset = kafka.FirstOffset
	}
	return kafka.ReaderConfig{
		Brokers:        c.BrokerList(),
		GroupID:        c.GroupId,
		Topic:          c.Topic,
		StartOffset:    offset,
		CommitInterval: c.CommitInterval,
		MaxWait:        c.MaxWait,
	}
}

// Component shares one writer per broker list and ack level.
// NewReader and NewWriter replace kafka-go, e.g. with in-memory fakes.
type Component struct {
	NewReader func(conf kafka.ReaderConfig) Reader
	NewWriter func(conf Config) Writer
	writers   impl.ClientPool[Writer]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:  impl.DefaultConsumerConfig(),
		ReconnectConfig: impl.DefaultReconnectConfig(),
		GroupId:         "relay",
		StartOffset:     OffsetLatest,
		MaxWait:         time.Second,
		BatchTimeout:    10 * time.Millisecond,
	}
	if err := impl.Bind(c, address, config, "topic", &conf); err != nil {
		return nil, err
	}
	if len(conf.BrokerList()) == 0 {
		return nil, types.NewMissingParameterError(address.String(), "brokers")
	}
	if _, ok := conf.acks(); !ok {
		return nil, types.NewConfigurationError(address.String(), "requiredAcks", "unknown value %q, expected all, one or none", conf.RequiredAcks)
	}
	switch strings.ToLower(conf.StartOffset) {
	case OffsetEarliest, OffsetLatest:
	default:
		return nil, types.NewConfigurationError(address.String(), "startOffset", "unknown value %q, expected earliest or latest", conf.StartOffset)
	}
	rc := conf.readerConfig()
	if err := rc.Validate(); err != nil {
		return nil, types.NewConfigurationError(address.String(), "", "%v", err)
	}
	newWriter := c.NewWriter
	if newWriter == nil {
		newWriter = NewWriter
	}
	ep := &Endpoint{conf: conf, component: c}
	ep.Init(address, config, conf)
	ep.writer = c.writers.Get(conf.Brokers+"|"+strings.ToLower(conf.RequiredAcks)+"|"+cast.ToString(conf.Async), func() (Writer, error) {
		return newWriter(conf), nil
	}, func(w Writer) error {
		return w.Close()
	})
	return ep, nil
}

// NewWriter creates a kafka-go writer. The topic is set per record.
func NewWriter(conf Config) Writer {
	acks, _ := conf.acks()
	return &kafka.Writer{
		Addr:                   kafka.TCP(conf.BrokerList()...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           acks,
		BatchTimeout:           conf.BatchTimeout,
		Async:                  conf.Async,
		AllowAutoTopicCreation: true,
	}
}

func (c *Component) newReader(conf kafka.ReaderConfig) Reader {
	if c.NewReader != nil {
		return c.NewReader(conf)
	}
	return kafka.NewReader(conf)
}

// Endpoint is a kafka endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf      Config
	component *Component
	writer    *impl.SharedClient[Writer]
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := impl.NewDefaultProducer(e, e.write)
	p.DoStart = func() error {
		_, err := e.writer.Acquire()
		return err
	}
	p.DoStop = func() error {
		return e.writer.Release(e.Config().Timeout())
	}
	return p, nil
}

func (e *Endpoint) write(exchange *types.Exchange) error {
	w, err := e.writer.Get()
	if err != nil {
		return types.NewConnectivityError("write", err)
	}
	in := exchange.In()
	value, err := in.BodyBytes()
	if err != nil {
		return types.NewProgrammerError("write", "body", "%v", err)
	}
	msg := kafka.Message{Topic: e.conf.Topic, Value: value}
	if t := in.Headers().GetString(HeaderTopic); t != "" {
		msg.Topic = t
	}
	if k, ok := in.Header(HeaderKey); ok && k != nil {
		if b, ok := k.([]byte); ok {
			msg.Key = b
		} else {
			msg.Key = []byte(cast.ToString(k))
		}
	}
	in.Headers().Range(func(k string, v interface{}) bool {
		if s, ok := v.(string); ok && !strings.HasPrefix(k, "Kafka") {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(s)})
		}
		return true
	})
	e.writer.BeginOp()
	defer e.writer.EndOp()
	if err := w.WriteMessages(exchange.Context(), msg); err != nil {
		return classify("write", err)
	}
	return nil
}

// classify maps kafka-go errors. Temporary broker errors and transport failures are
// connectivity errors; other broker error codes are protocol errors.
func classify(op string, err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, we := range writeErrs {
			if we != nil {
				err = we
				break
			}
		}
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		if kerr.Temporary() {
			return types.NewConnectivityError(op, err)
		}
		return types.NewProtocolError(op, kerr.Title(), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewConnectivityError(op, err)
	}
	return types.NewConnectivityError(op, err)
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	if e.conf.GroupId == "" {
		return nil, types.NewMissingParameterError(e.Address(), "groupId")
	}
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
	mu       sync.Mutex
	reader   Reader
	done     chan struct{}
}

func (c *consumer) start(ctx context.Context) error {
	c.mu.Lock()
	c.reader = c.endpoint.component.newReader(c.endpoint.conf.readerConfig())
	c.mu.Unlock()
	c.done = make(chan struct{})
	go c.fetchLoop(ctx)
	return nil
}

func (c *consumer) currentReader() Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// rewind replaces the reader so the group fetches again from its committed offset.
func (c *consumer) rewind(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil || ctx.Err() != nil {
		return false
	}
	if err := c.reader.Close(); err != nil {
		c.endpoint.Config().Printf("consumer %s close reader failed: %v", c.endpoint.Address(), err)
	}
	c.reader = c.endpoint.component.newReader(c.endpoint.conf.readerConfig())
	return true
}

// fetchLoop processes records in partition order. The reader reconnects by itself;
// consecutive fetch failures back off with the reconnect policy delays. A failed
// record is retried with the same delays until it completes.
func (c *consumer) fetchLoop(ctx context.Context) {
	defer close(c.done)
	failures, redeliveries := 0, 0
	for {
		reader := c.currentReader()
		if reader == nil {
			return
		}
		msg, err := reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			if failures == 1 {
				c.Fire(types.EventDisconnect, err)
			} else {
				c.Fire(types.EventReconnectErr, err)
			}
			c.endpoint.Config().Printf("consumer %s fetch failed: %v", c.endpoint.Address(), err)
			if c.exhausted(failures) {
				c.endpoint.Config().Printf("consumer %s gave up fetching", c.endpoint.Address())
				return
			}
			if !sleep(ctx, c.policy.Delay(failures)) {
				return
			}
			continue
		}
		if failures > 0 {
			failures = 0
			c.Fire(types.EventReconnect, nil)
		}
		exchange := c.exchange(msg)
		_ = c.EmitAndWait(exchange)
		if exchange.Failed() {
			redeliveries++
			c.endpoint.Config().Printf("consumer %s failed offset %d of %s/%d: %v",
				c.endpoint.Address(), msg.Offset, msg.Topic, msg.Partition, exchange.Err())
			if c.exhausted(redeliveries) {
				c.endpoint.Config().Printf("consumer %s stopped fetching at offset %d of %s/%d",
					c.endpoint.Address(), msg.Offset, msg.Topic, msg.Partition)
				return
			}
			if !sleep(ctx, c.policy.Delay(redeliveries)) || !c.rewind(ctx) {
				return
			}
			continue
		}
		redeliveries = 0
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.endpoint.Config().Printf("consumer %s commit failed: %v", c.endpoint.Address(), err)
		}
	}
}

func (c *consumer) exhausted(attempt int) bool {
	return !c.policy.Enabled() || (c.policy.MaximumReconnects > 0 && attempt > c.policy.MaximumReconnects)
}

func (c *consumer) exchange(msg kafka.Message) *types.Exchange {
	exchange := c.CreateExchange()
	in := exchange.In()
	in.SetHeader(HeaderTopic, msg.Topic)
	in.SetHeader(HeaderPartition, msg.Partition)
	in.SetHeader(HeaderOffset, msg.Offset)
	if msg.Key != nil {
		in.SetHeader(HeaderKey, string(msg.Key))
	}
	if !msg.Time.IsZero() {
		in.SetHeader(HeaderTimestamp, msg.Time)
	}
	for _, h := range msg.Headers {
		in.SetHeader(h.Key, string(h.Value))
	}
	if c.endpoint.conf.TextBody {
		in.SetBody(string(msg.Value))
	} else {
		in.SetBody(msg.Value)
	}
	return exchange
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *consumer) stop() error {
	c.mu.Lock()
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()
	if reader == nil {
		return nil
	}
	err := reader.Close()
	select {
	case <-c.done:
	case <-time.After(c.endpoint.Config().Timeout()):
	}
	return err
}
