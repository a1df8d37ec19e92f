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
	"errors"
	"sync/atomic"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
)

// DefaultMaxConcurrency is the limit of the "limiter" registry entry.
const DefaultMaxConcurrency = 1000

// ErrConcurrencyLimitReached is the fault of exchanges rejected by ConcurrencyLimiterAspect.
var ErrConcurrencyLimitReached = errors.New("concurrency limit reached")

var _ endpoint.Aspect = (*ConcurrencyLimiterAspect)(nil)

// ConcurrencyLimiterAspect rejects exchanges while Max exchanges of the route are in process.
// Rejected exchanges carry ErrConcurrencyLimitReached as fault.
type ConcurrencyLimiterAspect struct {
	Max          int64
	currentCount int64
}

func NewConcurrencyLimiterAspect(max int) *ConcurrencyLimiterAspect {
	return &ConcurrencyLimiterAspect{Max: int64(max)}
}

func (a *ConcurrencyLimiterAspect) Before(router endpoint.Router, exchange *types.Exchange) bool {
	for {
		current := atomic.LoadInt64(&a.currentCount)
		if current >= a.Max {
			exchange.Fail(ErrConcurrencyLimitReached, "limiter")
			return false
		}
		if atomic.CompareAndSwapInt64(&a.currentCount, current, current+1) {
			return true
		}
	}
}

func (a *ConcurrencyLimiterAspect) After(router endpoint.Router, exchange *types.Exchange) {
	atomic.AddInt64(&a.currentCount, -1)
}

// Current returns the exchanges in process.
func (a *ConcurrencyLimiterAspect) Current() int64 {
	return atomic.LoadInt64(&a.currentCount)
}
