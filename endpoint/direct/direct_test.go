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

package direct

import (
	"context"
	"testing"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/stretchr/testify/assert"
)

func resolve(t *testing.T, c *Component, raw string) endpoint.Endpoint {
	ep, err := c.CreateEndpoint(endpoint.MustParseAddress(raw), types.NewConfig())
	assert.Nil(t, err)
	return ep
}

func TestDirect(t *testing.T) {
	c := &Component{}
	consumer, err := resolve(t, c, "direct:orders").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		impl.Reply(exchange, "handled "+exchange.In().BodyString())
		return nil
	}))
	assert.Nil(t, err)
	assert.Nil(t, consumer.Start())

	producer, err := resolve(t, c, "direct:orders").CreateProducer()
	assert.Nil(t, err)
	assert.Nil(t, producer.Start())
	defer producer.Stop()

	ex := types.NewExchange(context.Background(), types.InOut)
	ex.In().SetBody("o1")
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, "handled o1", ex.Out().Body())

	// a second consumer on the same name is rejected
	second, _ := resolve(t, c, "direct:orders").CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error { return nil }))
	assert.Equal(t, types.KindConfiguration, types.KindOf(second.Start()))

	assert.Nil(t, consumer.Stop())
	ex = types.NewExchange(context.Background(), types.InOnly)
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, types.KindConnectivity, ex.Fault().Kind)
}

func TestDirectNoConsumerDrop(t *testing.T) {
	c := &Component{}
	producer, _ := resolve(t, c, "direct:none?failIfNoConsumers=false").CreateProducer()
	ex := types.NewExchange(context.Background(), types.InOnly)
	assert.Nil(t, producer.Process(ex))
	assert.False(t, ex.Failed())
}
