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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/api/types/metrics"
)

const startedProperty = "relay.metrics.started"

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Collectors are the Prometheus collectors shared by metrics aspects.
type Collectors struct {
	Total    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Inflight *prometheus.GaugeVec
}

var (
	defaultCollectors     *Collectors
	defaultCollectorsErr  error
	defaultCollectorsOnce sync.Once
)

// DefaultCollectors returns the collectors registered with prometheus.DefaultRegisterer.
func DefaultCollectors() (*Collectors, error) {
	defaultCollectorsOnce.Do(func() {
		defaultCollectors, defaultCollectorsErr = NewCollectors(prometheus.DefaultRegisterer)
	})
	return defaultCollectors, defaultCollectorsErr
}

// NewCollectors creates and registers the collectors. Collectors already
// registered under the same names are reused.
func NewCollectors(registerer prometheus.Registerer) (*Collectors, error) {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "exchange_total",
		Help:      "Exchanges completed by a route, by status.",
	}, []string{"route", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "exchange_duration_seconds",
		Help:      "Time from route entry to completion.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
	inflight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "exchange_inflight",
		Help:      "Exchanges in process by a route.",
	}, []string{"route"})

	var err error
	c := &Collectors{}
	if c.Total, err = register(registerer, total); err != nil {
		return nil, err
	}
	if c.Duration, err = register(registerer, duration); err != nil {
		return nil, err
	}
	if c.Inflight, err = register(registerer, inflight); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

var _ endpoint.Aspect = (*MetricsAspect)(nil)

// MetricsAspect counts exchanges in process and, when collectors are available,
// exports them to Prometheus labelled by route id.
type MetricsAspect struct {
	metrics    *metrics.ExchangeMetrics
	collectors *Collectors
}

// NewMetricsAspect creates the aspect. A nil m creates fresh counters; nil collectors
// use DefaultCollectors, falling back to in-process counters only if registration fails.
func NewMetricsAspect(m *metrics.ExchangeMetrics, collectors *Collectors) *MetricsAspect {
	if m == nil {
		m = metrics.NewExchangeMetrics()
	}
	if collectors == nil {
		collectors, _ = DefaultCollectors()
	}
	return &MetricsAspect{metrics: m, collectors: collectors}
}

func (a *MetricsAspect) Before(router endpoint.Router, exchange *types.Exchange) bool {
	a.metrics.IncrementCurrent()
	a.metrics.IncrementTotal()
	exchange.SetProperty(startedProperty, time.Now())
	if a.collectors != nil {
		a.collectors.Inflight.WithLabelValues(router.GetId()).Inc()
	}
	return true
}

func (a *MetricsAspect) After(router endpoint.Router, exchange *types.Exchange) {
	status := StatusSuccess
	if exchange.Failed() {
		status = StatusFailure
		a.metrics.IncrementFailed()
	} else {
		a.metrics.IncrementSuccess()
	}
	a.metrics.DecrementCurrent()
	if a.collectors == nil {
		return
	}
	route := router.GetId()
	a.collectors.Inflight.WithLabelValues(route).Dec()
	a.collectors.Total.WithLabelValues(route, status).Inc()
	if v, ok := exchange.Property(startedProperty); ok {
		if started, ok := v.(time.Time); ok {
			a.collectors.Duration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		}
	}
}

// GetMetrics returns the in-process counters.
func (a *MetricsAspect) GetMetrics() *metrics.ExchangeMetrics {
	return a.metrics
}
