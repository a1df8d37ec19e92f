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

package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/stretchr/testify/assert"
)

// fakeSQS keeps undeleted messages per queue url and returns all of them on receive.
type fakeSQS struct {
	mu         sync.Mutex
	queues     map[string][]sqstypes.Message
	seq        int
	clients    int
	lookups    int
	deleted    []string
	receiveErr error
}

func newFakeSQS(names ...string) *fakeSQS {
	f := &fakeSQS{queues: make(map[string][]sqstypes.Message)}
	for _, name := range names {
		f.queues[queueUrl(name)] = nil
	}
	return f
}

func queueUrl(name string) string {
	return "https://sqs.eu-west-1.amazonaws.com/000000000000/" + name
}

func (f *fakeSQS) component() *Component {
	return &Component{NewClient: func(ctx context.Context, conf Config) (Client, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.clients++
		return f, nil
	}}
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	url := queueUrl(aws.ToString(params.QueueName))
	if _, ok := f.queues[url]; !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("The specified queue does not exist.")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("m-%d", f.seq)
	url := aws.ToString(params.QueueUrl)
	f.queues[url] = append(f.queues[url], sqstypes.Message{
		MessageId:         aws.String(id),
		ReceiptHandle:     aws.String(fmt.Sprintf("r-%d", f.seq)),
		Body:              params.MessageBody,
		MessageAttributes: params.MessageAttributes,
		Attributes: map[string]string{
			string(sqstypes.MessageSystemAttributeNameSentTimestamp): strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	messages := f.queues[aws.ToString(params.QueueUrl)]
	if n := int(params.MaxNumberOfMessages); len(messages) > n {
		messages = messages[:n]
	}
	return &sqs.ReceiveMessageOutput{Messages: append([]sqstypes.Message(nil), messages...)}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(params.QueueUrl)
	handle := aws.ToString(params.ReceiptHandle)
	messages := f.queues[url]
	for i, m := range messages {
		if aws.ToString(m.ReceiptHandle) == handle {
			f.queues[url] = append(messages[:i:i], messages[i+1:]...)
			f.deleted = append(f.deleted, handle)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &smithy.GenericAPIError{Code: "ReceiptHandleIsInvalid", Message: "invalid handle", Fault: smithy.FaultClient}
}

func (f *fakeSQS) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type collector struct {
	mu        sync.Mutex
	exchanges []*types.Exchange
}

func (c *collector) Process(exchange *types.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, exchange)
	if exchange.In().Body() == "bad" {
		return errors.New("rejected")
	}
	return nil
}

func (c *collector) At(i int) *types.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges[i]
}

func resolve(t *testing.T, c *Component, raw string) *Endpoint {
	ep, err := c.CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
	assert.Nil(t, err)
	return ep.(*Endpoint)
}

func send(p endpoint.Producer, body interface{}, headers map[string]interface{}) (*types.Exchange, error) {
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetBody(body)
	for k, v := range headers {
		ex.In().SetHeader(k, v)
	}
	return ex, p.Process(ex)
}

func TestCreateEndpointErrors(t *testing.T) {
	for _, raw := range []string{
		"sqs:",
		"sqs:orders?waitTimeSeconds=30",
		"sqs:orders?delaySeconds=-1",
		"sqs:orders?accessKey=AKIA",
		"sqs:orders?pollInterval=0",
		"sqs:orders?delivery=twice",
		"sqs:orders?fifo=true",
	} {
		_, err := (&Component{}).CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
		assert.Equal(t, types.KindConfiguration, types.KindOf(err), raw)
	}
}

func TestSendAndPoll(t *testing.T) {
	f := newFakeSQS("orders")
	c := f.component()
	p, _ := resolve(t, c, "sqs:orders?region=eu-west-1").CreateProducer()
	assert.Nil(t, p.Start())
	ex, err := send(p, "first", map[string]interface{}{"Trace": "t1"})
	assert.Nil(t, err)
	assert.False(t, ex.Failed())
	assert.Equal(t, "m-1", ex.Out().Headers().GetString(HeaderMessageId))
	_, _ = send(p, map[string]interface{}{"id": 2}, nil)
	_, _ = send(p, "bad", nil)

	out := &collector{}
	cons, err := resolve(t, c, "sqs:orders?region=eu-west-1&initialDelay=1h").CreateConsumer(out)
	assert.Nil(t, err)
	poll := cons.(*impl.ScheduledPollConsumer)
	assert.Nil(t, poll.Start())

	n, err := poll.Poll(context.Background())
	assert.Equal(t, 2, n)
	assert.NotNil(t, err)
	// the failed message stays in the queue
	assert.Equal(t, []string{"r-1", "r-2"}, f.Deleted())
	in := out.At(0).In()
	assert.Equal(t, "first", in.Body())
	assert.Equal(t, "t1", in.Headers().GetString("Trace"))
	assert.Equal(t, "m-1", in.Headers().GetString(HeaderMessageId))
	assert.Equal(t, "m-1", in.Headers().GetString("SqsItemKey"))
	assert.Equal(t, `{"id":2}`, out.At(1).In().Body())
	assert.Equal(t, 1, f.clients)

	assert.Nil(t, poll.Stop())
	assert.Nil(t, p.Stop())
	assert.Equal(t, 1, c.clients.Len())
}

func TestKeepAfterRead(t *testing.T) {
	f := newFakeSQS("orders")
	c := f.component()
	p, _ := resolve(t, c, "sqs:orders").CreateProducer()
	assert.Nil(t, p.Start())
	defer p.Stop()
	_, _ = send(p, "first", nil)

	out := &collector{}
	cons, _ := resolve(t, c, "sqs:orders?initialDelay=1h&deleteAfterRead=false").CreateConsumer(out)
	poll := cons.(*impl.ScheduledPollConsumer)
	assert.Nil(t, poll.Start())
	defer poll.Stop()
	n, err := poll.Poll(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.Deleted())
	// the undeleted message is remembered by the cursor
	n, _ = poll.Poll(context.Background())
	assert.Equal(t, 0, n)
}

func TestFaults(t *testing.T) {
	f := newFakeSQS("orders")
	c := f.component()
	p, _ := resolve(t, c, "sqs:missing").CreateProducer()
	assert.Nil(t, p.Start())
	ex, err := send(p, "x", nil)
	assert.Nil(t, err)
	assert.Equal(t, types.KindProtocol, ex.Fault().Kind)
	assert.Equal(t, (&sqstypes.QueueDoesNotExist{}).ErrorCode(), ex.Fault().Code)
	assert.Nil(t, p.Stop())

	// sending on a stopped producer
	ex, _ = send(p, "x", nil)
	assert.Equal(t, types.KindConnectivity, ex.Fault().Kind)

	f.receiveErr = errors.New("dial tcp: i/o timeout")
	cons, _ := resolve(t, c, "sqs:orders?initialDelay=1h").CreateConsumer(&collector{})
	poll := cons.(*impl.ScheduledPollConsumer)
	assert.Nil(t, poll.Start())
	_, err = poll.Poll(context.Background())
	assert.Equal(t, types.KindConnectivity, types.KindOf(err))
	assert.Nil(t, poll.Stop())

	err = classify("receive", &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer})
	assert.Equal(t, types.KindConnectivity, types.KindOf(err))
}
