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

package metrics

import (
	"sync/atomic"
)

// ExchangeMetrics counts the exchanges of a route.
type ExchangeMetrics struct {
	Current int64 // exchanges in process
	Total   int64 // exchanges accepted
	Failed  int64 // exchanges completed with a fault
	Success int64 // exchanges completed without a fault
}

// NewExchangeMetrics creates zeroed counters.
func NewExchangeMetrics() *ExchangeMetrics {
	m := &ExchangeMetrics{}
	return m
}

// IncrementCurrent marks an exchange as in process.
func (m *ExchangeMetrics) IncrementCurrent() {
	atomic.AddInt64(&m.Current, 1)
}

// DecrementCurrent marks an exchange as completed.
func (m *ExchangeMetrics) DecrementCurrent() {
	atomic.AddInt64(&m.Current, -1)
}

// IncrementTotal counts an accepted exchange.
func (m *ExchangeMetrics) IncrementTotal() {
	atomic.AddInt64(&m.Total, 1)
}

// IncrementFailed counts a failed exchange.
func (m *ExchangeMetrics) IncrementFailed() {
	atomic.AddInt64(&m.Failed, 1)
}

// IncrementSuccess counts a successful exchange.
func (m *ExchangeMetrics) IncrementSuccess() {
	atomic.AddInt64(&m.Success, 1)
}

// Get returns a copy of the current metrics.
func (m *ExchangeMetrics) Get() ExchangeMetrics {
	return ExchangeMetrics{
		Current: atomic.LoadInt64(&m.Current),
		Total:   atomic.LoadInt64(&m.Total),
		Failed:  atomic.LoadInt64(&m.Failed),
		Success: atomic.LoadInt64(&m.Success),
	}
}

// Reset resets all metrics to zero.
func (m *ExchangeMetrics) Reset() {
	atomic.StoreInt64(&m.Current, 0)
	atomic.StoreInt64(&m.Total, 0)
	atomic.StoreInt64(&m.Failed, 0)
	atomic.StoreInt64(&m.Success, 0)
}
