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

package aspect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/stretchr/testify/assert"
)

func newExchange() *types.Exchange {
	return types.NewExchange(context.Background(), types.InOnly)
}

func TestConcurrencyLimiterAspect(t *testing.T) {
	maxConcurrent := 5
	limiter := NewConcurrencyLimiterAspect(maxConcurrent)
	router := impl.NewRouter().SetId("r1")

	var wg sync.WaitGroup
	var rejected int32
	start := make(chan struct{})
	for i := 0; i < maxConcurrent+3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			exchange := newExchange()
			if !limiter.Before(router, exchange) {
				assert.True(t, errors.Is(exchange.Err(), ErrConcurrencyLimitReached))
				atomic.AddInt32(&rejected, 1)
				return
			}
			time.Sleep(50 * time.Millisecond)
			limiter.After(router, exchange)
		}()
	}
	close(start)
	wg.Wait()
	assert.True(t, atomic.LoadInt32(&rejected) >= 3)
	assert.Equal(t, int64(0), limiter.Current())
}

func TestSkipFallbackAspect(t *testing.T) {
	fallback := NewSkipFallbackAspect(2, 100*time.Millisecond)
	router := impl.NewRouter().SetId("r1")

	for i := 0; i < 2; i++ {
		exchange := newExchange()
		assert.True(t, fallback.Before(router, exchange))
		exchange.Fail(errors.New("down"), "test")
		fallback.After(router, exchange)
	}
	exchange := newExchange()
	assert.False(t, fallback.Before(router, exchange))
	assert.True(t, errors.Is(exchange.Err(), FallbackErr))

	other := impl.NewRouter().SetId("r2")
	assert.True(t, fallback.Before(other, newExchange()))

	time.Sleep(150 * time.Millisecond)
	exchange = newExchange()
	assert.True(t, fallback.Before(router, exchange))
	fallback.After(router, exchange)
	assert.True(t, fallback.Before(router, newExchange()))
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"debug", "fallback", "limiter", "metrics", "tracing"}, Registry.Names())
	a, err := Registry.New("limiter")
	assert.Nil(t, err)
	assert.Equal(t, int64(DefaultMaxConcurrency), a.(*ConcurrencyLimiterAspect).Max)

	_, err = Registry.New("unknown")
	assert.Equal(t, "aspect not found. name=unknown", err.Error())
}
