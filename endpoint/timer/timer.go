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

// Package timer fires exchanges on a schedule. It only consumes.
//
//	timer:tick?period=1000&delay=0&repeatCount=3
//	timer:nightly?cron=0 0 2 * * *
//
// cron accepts an optional seconds field and descriptors:
//
//	Entry                  | Description                                | Equivalent To
//	-----                  | -----------                                | -------------
//	@yearly (or @annually) | Run once a year, midnight, Jan. 1st        | 0 0 0 1 1 *
//	@monthly               | Run once a month, midnight, first of month | 0 0 0 1 * *
//	@weekly                | Run once a week, midnight between Sat/Sun  | 0 0 0 * * 0
//	@daily (or @midnight)  | Run once a day, midnight                   | 0 0 0 * * *
//	@hourly                | Run once an hour, beginning of hour        | 0 0 * * * *
//	@every <duration>      | Run every <duration>                       |
package timer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "timer"

const (
	HeaderName      = "TimerName"
	HeaderFiredTime = "TimerFiredTime"
	HeaderCounter   = "TimerCounter"
)

// Config is bound from the address.
type Config struct {
	impl.ConsumerConfig `mapstructure:",squash"`
	Name                string `mapstructure:"name" required:"true"`
	// Period is the interval between fires. Bare numbers are milliseconds.
	Period time.Duration `mapstructure:"period"`
	// Delay is the wait before the first fire.
	Delay time.Duration `mapstructure:"delay"`
	// FixedRate schedules by start time instead of completion time.
	FixedRate bool `mapstructure:"fixedRate"`
	// Cron replaces period.
	Cron string `mapstructure:"cron"`
	// RepeatCount stops after that many fires, 0 means forever.
	RepeatCount int64 `mapstructure:"repeatCount"`
}

func (c Config) pollConfig() impl.PollConfig {
	return impl.PollConfig{
		InitialDelay:  c.Delay,
		PollInterval:  c.Period,
		UseFixedDelay: !c.FixedRate,
		Cron:          c.Cron,
		RepeatCount:   c.RepeatCount,
		Delivery:      impl.DeliveryAtLeastOnce,
	}
}

type Component struct{}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{ConsumerConfig: impl.DefaultConsumerConfig(), Period: time.Second, Delay: time.Second}
	if err := impl.Bind(c, address, config, "name", &conf); err != nil {
		return nil, err
	}
	if err := conf.pollConfig().Validate(address.String()); err != nil {
		return nil, err
	}
	ep := &Endpoint{conf: conf}
	ep.Init(address, config, conf)
	return ep, nil
}

// Endpoint is a timer:name endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf Config
}

// CreateConsumer returns a poll consumer whose every poll yields one fire.
func (e *Endpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	consumer := impl.NewScheduledPollConsumer(e, processor, e.conf.ConsumerConfig, e.conf.pollConfig(), &fires{name: e.conf.Name}, &impl.IdCursor{})
	return consumer, nil
}

// fires yields a new item per poll, so every scheduled poll emits once.
type fires struct {
	name    string
	counter int64
}

func (f *fires) Fetch(ctx context.Context, cursor impl.Cursor, max int) ([]impl.PollItem, error) {
	n := atomic.AddInt64(&f.counter, 1)
	now := time.Now()
	return []impl.PollItem{{
		Seq:  n,
		Time: now,
		Headers: map[string]interface{}{
			HeaderName:      f.name,
			HeaderFiredTime: now,
			HeaderCounter:   n,
		},
	}}, nil
}
