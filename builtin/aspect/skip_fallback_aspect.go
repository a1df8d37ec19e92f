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
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
)

// FallbackErr is the fault of exchanges skipped while a route is cooling down.
var FallbackErr = errors.New("skip fallback error")

var _ endpoint.Aspect = (*SkipFallbackAspect)(nil)

// SkipFallbackAspect fails exchanges fast once a route failed ErrorCountLimit times
// in a row. Exchanges are accepted again after LimitDuration since the last failure.
type SkipFallbackAspect struct {
	ErrorCountLimit int64
	LimitDuration   time.Duration

	lock   sync.Mutex
	routes map[string]*routeError
}

type routeError struct {
	errorCount    int64
	lastErrorTime time.Time
}

// NewSkipFallbackAspect creates the aspect. Zero values default to 3 failures and 10s.
func NewSkipFallbackAspect(errorCountLimit int64, limitDuration time.Duration) *SkipFallbackAspect {
	if errorCountLimit == 0 {
		errorCountLimit = 3
	}
	if limitDuration == 0 {
		limitDuration = 10 * time.Second
	}
	return &SkipFallbackAspect{ErrorCountLimit: errorCountLimit, LimitDuration: limitDuration, routes: make(map[string]*routeError)}
}

func (aspect *SkipFallbackAspect) Before(router endpoint.Router, exchange *types.Exchange) bool {
	aspect.lock.Lock()
	defer aspect.lock.Unlock()
	e, ok := aspect.routes[router.GetId()]
	if !ok || e.errorCount < aspect.ErrorCountLimit {
		return true
	}
	if time.Since(e.lastErrorTime) > aspect.LimitDuration {
		delete(aspect.routes, router.GetId())
		return true
	}
	exchange.Fail(FallbackErr, "fallback")
	return false
}

func (aspect *SkipFallbackAspect) After(router endpoint.Router, exchange *types.Exchange) {
	aspect.lock.Lock()
	defer aspect.lock.Unlock()
	if !exchange.Failed() {
		delete(aspect.routes, router.GetId())
		return
	}
	e, ok := aspect.routes[router.GetId()]
	if !ok {
		e = &routeError{}
		aspect.routes[router.GetId()] = e
	}
	e.errorCount++
	e.lastErrorTime = time.Now()
}
