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

// Package sqs provides Amazon SQS endpoints. The address path is the queue name.
//
//	sqs:orders?region=eu-west-1&waitTimeSeconds=10&pollInterval=1s
//
// Consumers poll with long polling and delete each message once its exchange
// completed; failed messages reappear after the visibility timeout. Producers send
// the body with string headers as message attributes. Endpoints with the same
// region, endpoint override and credentials share one client.
package sqs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "sqs"

// Header names set and read by sqs endpoints.
const (
	HeaderMessageId       = "SqsMessageId"
	HeaderReceiptHandle   = "SqsReceiptHandle"
	HeaderDelaySeconds    = "SqsDelaySeconds"
	HeaderGroupId         = "SqsMessageGroupId"
	HeaderDeduplicationId = "SqsMessageDeduplicationId"
	HeaderSequenceNumber  = "SqsSequenceNumber"
)

// maxBatch is the SQS limit of messages per receive.
const maxBatch = 10

// Client is the subset of *sqs.Client endpoints use.
type Client interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config is bound from the address. The path is the queue name.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	impl.PollConfig     `mapstructure:",squash"`
	Queue               string `mapstructure:"queue" required:"true"`
	// QueueUrl skips the queue url lookup.
	QueueUrl string `mapstructure:"queueUrl"`
	Region   string `mapstructure:"region"`
	// Endpoint overrides the service endpoint, e.g. a LocalStack url.
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	// WaitTimeSeconds enables long polling, 0 to 20.
	WaitTimeSeconds int `mapstructure:"waitTimeSeconds"`
	// VisibilityTimeout hides received messages for that many seconds, 0 keeps the queue default.
	VisibilityTimeout int `mapstructure:"visibilityTimeout"`
	// DeleteAfterRead deletes each message once processed successfully.
	DeleteAfterRead bool   `mapstructure:"deleteAfterRead"`
	DelaySeconds    int    `mapstructure:"delaySeconds"`
	MessageGroupId  string `mapstructure:"messageGroupId"`
	SeenCapacity    int    `mapstructure:"seenCapacity"`
}

// Component shares clients per region, endpoint and access key.
// NewClient replaces the AWS client, e.g. with an in-memory queue.
type Component struct {
	NewClient func(ctx context.Context, conf Config) (Client, error)
	clients   impl.ClientPool[Client]
}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{
		ConsumerConfig:  impl.DefaultConsumerConfig(),
		PollConfig:      impl.DefaultPollConfig(),
		DeleteAfterRead: true,
	}
	conf.MaxMessagesPerPoll = maxBatch
	if err := impl.Bind(c, address, config, "queue", &conf); err != nil {
		return nil, err
	}
	if err := conf.PollConfig.Validate(address.String()); err != nil {
		return nil, err
	}
	if conf.WaitTimeSeconds < 0 || conf.WaitTimeSeconds > 20 {
		return nil, types.NewConfigurationError(address.String(), "waitTimeSeconds", "must be between 0 and 20")
	}
	if conf.DelaySeconds < 0 || conf.DelaySeconds > 900 {
		return nil, types.NewConfigurationError(address.String(), "delaySeconds", "must be between 0 and 900")
	}
	if (conf.AccessKey == "") != (conf.SecretKey == "") {
		return nil, types.NewConfigurationError(address.String(), "secretKey", "accessKey and secretKey must be set together")
	}
	newClient := c.NewClient
	if newClient == nil {
		newClient = NewClient
	}
	ep := &Endpoint{conf: conf}
	ep.Init(address, config, conf)
	key := strings.Join([]string{conf.Region, conf.Endpoint, conf.AccessKey}, "|")
	ep.client = c.clients.Get(key, func() (Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout())
		defer cancel()
		return newClient(ctx, conf)
	}, nil)
	return ep, nil
}

// NewClient loads the default AWS configuration, applying the region, static
// credentials and endpoint override of conf.
func NewClient(ctx context.Context, conf Config) (Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if conf.Region != "" {
		opts = append(opts, awsconfig.WithRegion(conf.Region))
	}
	if conf.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: conf.AccessKey, SecretAccessKey: conf.SecretKey}, nil
		})))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, types.NewConfigurationError(Scheme, "region", "%v", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
		}
	}), nil
}

// Endpoint is an sqs endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf   Config
	client *impl.SharedClient[Client]

	mu       sync.Mutex
	queueUrl string
}

// url resolves the queue url once.
func (e *Endpoint) url(ctx context.Context, client Client) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conf.QueueUrl != "" {
		return e.conf.QueueUrl, nil
	}
	if e.queueUrl != "" {
		return e.queueUrl, nil
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(e.conf.Queue)})
	if err != nil {
		return "", classify("getQueueUrl", err)
	}
	e.queueUrl = aws.ToString(out.QueueUrl)
	return e.queueUrl, nil
}

// classify maps SDK errors. Service errors caused by the request are protocol
// errors carrying the error code, everything else is a connectivity error.
func classify(op string, err error) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() != smithy.FaultServer {
		return types.NewProtocolError(op, apiErr.ErrorCode(), err)
	}
	return types.NewConnectivityError(op, err)
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	p := &producer{endpoint: e}
	p.DefaultProducer = impl.NewDefaultProducer(e, p.send)
	p.DoStart = func() error {
		_, err := e.client.Acquire()
		return err
	}
	p.DoStop = func() error {
		return e.client.Release(e.Config().Timeout())
	}
	return p, nil
}

type producer struct {
	*impl.DefaultProducer
	endpoint *Endpoint
}

func (p *producer) send(exchange *types.Exchange) error {
	client, err := p.endpoint.client.Get()
	if err != nil {
		return types.NewConnectivityError("send", err)
	}
	p.endpoint.client.BeginOp()
	defer p.endpoint.client.EndOp()
	ctx := exchange.Context()
	queueUrl, err := p.endpoint.url(ctx, client)
	if err != nil {
		return err
	}
	in := exchange.In()
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueUrl),
		MessageBody:       aws.String(in.BodyString()),
		DelaySeconds:      int32(p.endpoint.conf.DelaySeconds),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{},
	}
	if v := in.Headers().GetInt64(HeaderDelaySeconds); v > 0 {
		input.DelaySeconds = int32(v)
	}
	if g := in.Headers().GetString(HeaderGroupId); g != "" {
		input.MessageGroupId = aws.String(g)
	} else if p.endpoint.conf.MessageGroupId != "" {
		input.MessageGroupId = aws.String(p.endpoint.conf.MessageGroupId)
	}
	if d := in.Headers().GetString(HeaderDeduplicationId); d != "" {
		input.MessageDeduplicationId = aws.String(d)
	}
	in.Headers().Range(func(k string, v interface{}) bool {
		if s, ok := v.(string); ok && !strings.HasPrefix(k, "Sqs") && len(input.MessageAttributes) < 10 {
			input.MessageAttributes[k] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s)}
		}
		return true
	})
	out, err := client.SendMessage(ctx, input)
	if err != nil {
		return classify("send", err)
	}
	reply := impl.Reply(exchange, in.Body())
	reply.SetHeader(HeaderMessageId, aws.ToString(out.MessageId))
	if out.SequenceNumber != nil {
		reply.SetHeader(HeaderSequenceNumber, aws.ToString(out.SequenceNumber))
	}
	return nil
}

func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	cursor := impl.NewSeenSetCursor(e.conf.SeenCapacity)
	c := impl.NewScheduledPollConsumer(e, processor, e.conf.ConsumerConfig, e.conf.PollConfig, &source{endpoint: e}, cursor)
	c.ItemHeaderPrefix = "Sqs"
	return c, nil
}

// source receives messages and deletes them on commit.
type source struct {
	endpoint *Endpoint
}

func (s *source) Open(ctx context.Context) error {
	_, err := s.endpoint.client.Acquire()
	return err
}

func (s *source) Close() error {
	return s.endpoint.client.Release(s.endpoint.Config().Timeout())
}

func (s *source) Fetch(ctx context.Context, cursor impl.Cursor, max int) ([]impl.PollItem, error) {
	client, err := s.endpoint.client.Get()
	if err != nil {
		return nil, types.NewConnectivityError("receive", err)
	}
	queueUrl, err := s.endpoint.url(ctx, client)
	if err != nil {
		return nil, err
	}
	if max <= 0 || max > maxBatch {
		max = maxBatch
	}
	conf := s.endpoint.conf
	out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueUrl),
		MaxNumberOfMessages:         int32(max),
		WaitTimeSeconds:             int32(conf.WaitTimeSeconds),
		VisibilityTimeout:           int32(conf.VisibilityTimeout),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, classify("receive", err)
	}
	items := make([]impl.PollItem, 0, len(out.Messages))
	for _, m := range out.Messages {
		headers := map[string]interface{}{
			HeaderMessageId:     aws.ToString(m.MessageId),
			HeaderReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				headers[k] = aws.ToString(v.StringValue)
			}
		}
		item := impl.PollItem{Key: aws.ToString(m.MessageId), Body: aws.ToString(m.Body), Headers: headers}
		if ms, err := strconv.ParseInt(m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
			item.Time = time.UnixMilli(ms)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *source) Commit(ctx context.Context, item impl.PollItem) error {
	if !s.endpoint.conf.DeleteAfterRead {
		return nil
	}
	client, err := s.endpoint.client.Get()
	if err != nil {
		return types.NewConnectivityError("delete", err)
	}
	queueUrl, err := s.endpoint.url(ctx, client)
	if err != nil {
		return err
	}
	handle, _ := item.Headers[HeaderReceiptHandle].(string)
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(queueUrl), ReceiptHandle: aws.String(handle)}); err != nil {
		return classify("delete", err)
	}
	return nil
}
