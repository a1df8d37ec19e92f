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

package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/stretchr/testify/assert"
)

func TestTimerRepeatCount(t *testing.T) {
	ep, err := (&Component{}).CreateEndpoint(endpoint.MustParseAddress("timer:tick?period=10&delay=0&repeatCount=3"), types.NewConfig())
	assert.Nil(t, err)
	var mu sync.Mutex
	var counters []int64
	consumer, err := ep.CreateConsumer(types.ProcessorFunc(func(exchange *types.Exchange) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "tick", exchange.In().Headers().GetString(HeaderName))
		counters = append(counters, exchange.In().Headers().GetInt64(HeaderCounter))
		return nil
	}))
	assert.Nil(t, err)
	assert.Nil(t, consumer.Start())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counters) == 3
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, consumer.Stop())
	assert.Equal(t, []int64{1, 2, 3}, counters)
}

func TestTimerProducerUnsupported(t *testing.T) {
	ep, err := (&Component{}).CreateEndpoint(endpoint.MustParseAddress("timer:tick"), types.NewConfig())
	assert.Nil(t, err)
	_, err = ep.CreateProducer()
	assert.Equal(t, types.KindConfiguration, types.KindOf(err))

	_, err = (&Component{}).CreateEndpoint(endpoint.MustParseAddress("timer:bad?cron=nope"), types.NewConfig())
	assert.Equal(t, types.KindConfiguration, types.KindOf(err))
}
