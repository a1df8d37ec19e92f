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

package impl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
)

const (
	// DeliveryAtLeastOnce commits the cursor per item after it was processed successfully.
	// A failed item stops the cycle and is offered again by the next one.
	DeliveryAtLeastOnce = "atLeastOnce"
	// DeliveryAtMostOnce commits the cursor per item before it is emitted.
	// A failed item is never offered again.
	DeliveryAtMostOnce = "atMostOnce"
)

// cronParser accepts an optional seconds field and descriptors such as @every 5s.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// PollConfig holds the scheduling parameters of poll consumers.
// Embed it in component configurations with `mapstructure:",squash"`.
type PollConfig struct {
	// InitialDelay is the wait before the first poll.
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	// PollInterval is the wait between polls. Bare numbers are milliseconds.
	PollInterval time.Duration `mapstructure:"pollInterval"`
	// UseFixedDelay waits PollInterval after each poll completed. When false polls run at a fixed rate.
	UseFixedDelay bool `mapstructure:"useFixedDelay"`
	// Cron replaces the interval schedule, e.g. "*/5 * * * * *".
	Cron string `mapstructure:"cron"`
	// Greedy polls again immediately when the previous poll returned items.
	Greedy bool `mapstructure:"greedy"`
	// BackoffMultiplier is the number of scheduled polls skipped once a backoff threshold is hit.
	BackoffMultiplier int `mapstructure:"backoffMultiplier"`
	// BackoffIdleThreshold is the number of consecutive idle polls that trigger a backoff.
	BackoffIdleThreshold int `mapstructure:"backoffIdleThreshold"`
	// BackoffErrorThreshold is the number of consecutive failed polls that trigger a backoff.
	BackoffErrorThreshold int `mapstructure:"backoffErrorThreshold"`
	// RepeatCount stops scheduling after that many polls, 0 means forever.
	RepeatCount int64 `mapstructure:"repeatCount"`
	// SendEmptyMessageWhenIdle emits an exchange with a nil body when a poll finds nothing.
	SendEmptyMessageWhenIdle bool `mapstructure:"sendEmptyMessageWhenIdle"`
	// MaxMessagesPerPoll limits the items of one poll, 0 means no limit.
	MaxMessagesPerPoll int `mapstructure:"maxMessagesPerPoll"`
	// Delivery is atLeastOnce (default) or atMostOnce.
	Delivery string `mapstructure:"delivery"`
}

// DefaultPollConfig polls every 500ms after a 1s initial delay with at-least-once delivery.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay:  time.Second,
		PollInterval:  500 * time.Millisecond,
		UseFixedDelay: true,
		Delivery:      DeliveryAtLeastOnce,
	}
}

// Validate checks the delivery mode and the cron expression.
func (c PollConfig) Validate(address string) error {
	switch {
	case c.Delivery == "" || strings.EqualFold(c.Delivery, DeliveryAtLeastOnce) || strings.EqualFold(c.Delivery, DeliveryAtMostOnce):
	default:
		return types.NewConfigurationError(address, "delivery", "unknown delivery %q, expected %s or %s", c.Delivery, DeliveryAtLeastOnce, DeliveryAtMostOnce)
	}
	if c.Cron != "" {
		if _, err := cronParser.Parse(c.Cron); err != nil {
			return types.NewConfigurationError(address, "cron", "%v", err)
		}
	} else if c.PollInterval <= 0 {
		return types.NewConfigurationError(address, "pollInterval", "must be positive")
	}
	if c.MaxMessagesPerPoll < 0 {
		return types.NewConfigurationError(address, "maxMessagesPerPoll", "must not be negative")
	}
	return nil
}

// AtMostOnce reports whether the cursor is committed before emission.
func (c PollConfig) AtMostOnce() bool {
	return strings.EqualFold(c.Delivery, DeliveryAtMostOnce)
}

// PollSource fetches the items of one poll cycle. Items may be returned in any order
// and may include already committed ones; the consumer filters and sorts them.
type PollSource interface {
	Fetch(ctx context.Context, cursor Cursor, max int) ([]PollItem, error)
}

// PollCommitter is implemented by sources that acknowledge items on the backend,
// e.g. by deleting a queue message.
type PollCommitter interface {
	Commit(ctx context.Context, item PollItem) error
}

// PollSourceLifecycle is implemented by sources holding a backend connection.
type PollSourceLifecycle interface {
	Open(ctx context.Context) error
	Close() error
}

// PollSourceFunc adapts a function to PollSource.
type PollSourceFunc func(ctx context.Context, cursor Cursor, max int) ([]PollItem, error)

func (f PollSourceFunc) Fetch(ctx context.Context, cursor Cursor, max int) ([]PollItem, error) {
	return f(ctx, cursor, max)
}

// PollStats counts poll activity.
type PollStats struct {
	Polls   int64
	Emitted int64
	Errors  int64
	Idle    int64
	Skipped int64
}

// ScheduledPollConsumer runs poll cycles on a schedule. Each cycle emits the fresh
// items oldest first, one exchange per item. In at-least-once mode items are processed
// on the poll goroutine; at-most-once honours the synchronous setting, so only
// synchronous consumers keep the emission order.
type ScheduledPollConsumer struct {
	*DefaultConsumer
	source   PollSource
	cursor   Cursor
	settings PollConfig
	// ItemHeaderPrefix names the headers carrying the item key and position, e.g. "Queue".
	ItemHeaderPrefix string

	pollMu      sync.Mutex
	idleRun     int
	errorRun    int
	backoffLeft int
	stats       PollStats
	done        chan struct{}
}

var _ endpoint.PollingConsumer = (*ScheduledPollConsumer)(nil)

// NewScheduledPollConsumer creates a poll consumer reading source and tracking progress in cursor.
func NewScheduledPollConsumer(ep endpoint.Endpoint, processor types.Processor, consumerConfig ConsumerConfig,
	pollConfig PollConfig, source PollSource, cursor Cursor) *ScheduledPollConsumer {
	c := &ScheduledPollConsumer{
		DefaultConsumer: NewDefaultConsumer(ep, processor, consumerConfig),
		source:          source,
		cursor:          cursor,
		settings:        pollConfig,
	}
	c.DoStart = c.startSchedule
	c.DoStop = c.stopSchedule
	return c
}

// Cursor returns the consumer's cursor.
func (c *ScheduledPollConsumer) Cursor() Cursor {
	return c.cursor
}

// Settings returns the poll configuration.
func (c *ScheduledPollConsumer) Settings() PollConfig {
	return c.settings
}

// Stats returns a snapshot of the counters.
func (c *ScheduledPollConsumer) Stats() PollStats {
	return PollStats{
		Polls:   atomic.LoadInt64(&c.stats.Polls),
		Emitted: atomic.LoadInt64(&c.stats.Emitted),
		Errors:  atomic.LoadInt64(&c.stats.Errors),
		Idle:    atomic.LoadInt64(&c.stats.Idle),
		Skipped: atomic.LoadInt64(&c.stats.Skipped),
	}
}

// Poll runs one cycle and returns the number of items processed.
// Cycles never overlap.
func (c *ScheduledPollConsumer) Poll(ctx context.Context) (int, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	atomic.AddInt64(&c.stats.Polls, 1)

	items, err := c.source.Fetch(ctx, c.cursor, c.settings.MaxMessagesPerPoll)
	if err != nil {
		return 0, c.pollFailed(err)
	}
	fresh := make([]PollItem, 0, len(items))
	for _, item := range items {
		if c.cursor.Fresh(item) {
			fresh = append(fresh, item)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return c.cursor.Less(fresh[i], fresh[j])
	})
	if max := c.settings.MaxMessagesPerPoll; max > 0 && len(fresh) > max {
		fresh = fresh[:max]
	}
	if len(fresh) == 0 {
		atomic.AddInt64(&c.stats.Idle, 1)
		if c.settings.SendEmptyMessageWhenIdle {
			_ = c.Emit(c.CreateExchange())
		}
		return 0, nil
	}

	count := 0
	for _, item := range fresh {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if c.settings.AtMostOnce() {
			if err := c.commit(ctx, item); err != nil {
				return count, c.pollFailed(err)
			}
			exchange, key := c.itemExchange(item), item.Key
			c.EmitAsync(exchange, func(bool) {
				if exchange.Failed() {
					c.endpoint.Config().Printf("consumer %s dropped item %s: %v", c.endpoint.Address(), key, exchange.Err())
					c.fire(types.EventDropped, exchange.Err())
				}
			})
		} else {
			exchange := c.itemExchange(item)
			_ = c.EmitAndWait(exchange)
			if exchange.Failed() {
				return count, c.pollFailed(fmt.Errorf("item %s: %w", item.Key, exchange.Err()))
			}
			if err := c.commit(ctx, item); err != nil {
				return count, c.pollFailed(err)
			}
		}
		count++
		atomic.AddInt64(&c.stats.Emitted, 1)
	}
	return count, nil
}

func (c *ScheduledPollConsumer) commit(ctx context.Context, item PollItem) error {
	if committer, ok := c.source.(PollCommitter); ok {
		if err := committer.Commit(ctx, item); err != nil {
			return err
		}
	}
	c.cursor.Commit(item)
	return nil
}

func (c *ScheduledPollConsumer) itemExchange(item PollItem) *types.Exchange {
	exchange := c.CreateExchange()
	in := exchange.In()
	if c.ItemHeaderPrefix != "" {
		in.SetHeader(c.ItemHeaderPrefix+"ItemKey", item.Key)
		if item.Seq != 0 {
			in.SetHeader(c.ItemHeaderPrefix+"ItemSeq", item.Seq)
		}
		if !item.Time.IsZero() {
			in.SetHeader(c.ItemHeaderPrefix+"ItemTime", item.Time)
		}
	}
	for k, v := range item.Headers {
		in.SetHeader(k, v)
	}
	in.SetBody(item.Body)
	return exchange
}

func (c *ScheduledPollConsumer) pollFailed(err error) error {
	atomic.AddInt64(&c.stats.Errors, 1)
	c.endpoint.Config().Printf("consumer %s poll failed: %v", c.endpoint.Address(), err)
	c.fire(types.EventPollFailed, err)
	return err
}

// scheduledPoll applies backoff, greedy and repeatCount around Poll.
// It reports false once repeatCount is reached.
func (c *ScheduledPollConsumer) scheduledPoll(ctx context.Context) bool {
	if c.backoffLeft > 0 {
		c.backoffLeft--
		atomic.AddInt64(&c.stats.Skipped, 1)
		return true
	}
	for {
		if c.repeatDone() {
			return false
		}
		n, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return false
		}
		c.trackBackoff(n, err)
		if !c.settings.Greedy || n == 0 || err != nil {
			break
		}
	}
	return !c.repeatDone()
}

func (c *ScheduledPollConsumer) repeatDone() bool {
	return c.settings.RepeatCount > 0 && atomic.LoadInt64(&c.stats.Polls) >= c.settings.RepeatCount
}

func (c *ScheduledPollConsumer) trackBackoff(n int, err error) {
	switch {
	case err != nil:
		c.errorRun++
		c.idleRun = 0
	case n == 0:
		c.idleRun++
		c.errorRun = 0
	default:
		c.idleRun, c.errorRun = 0, 0
	}
	if c.settings.BackoffMultiplier <= 0 {
		return
	}
	if (c.settings.BackoffIdleThreshold > 0 && c.idleRun >= c.settings.BackoffIdleThreshold) ||
		(c.settings.BackoffErrorThreshold > 0 && c.errorRun >= c.settings.BackoffErrorThreshold) {
		c.backoffLeft = c.settings.BackoffMultiplier
		c.idleRun, c.errorRun = 0, 0
	}
}

func (c *ScheduledPollConsumer) startSchedule(ctx context.Context) error {
	if lc, ok := c.source.(PollSourceLifecycle); ok {
		if err := lc.Open(ctx); err != nil {
			return err
		}
	}
	c.done = make(chan struct{})
	if c.settings.Cron != "" {
		return c.startCron(ctx)
	}
	go c.runInterval(ctx)
	return nil
}

func (c *ScheduledPollConsumer) runInterval(ctx context.Context) {
	defer close(c.done)
	if !sleep(ctx, c.settings.InitialDelay) {
		return
	}
	for {
		next := time.Now().Add(c.settings.PollInterval)
		if !c.scheduledPoll(ctx) {
			return
		}
		wait := c.settings.PollInterval
		if !c.settings.UseFixedDelay {
			wait = time.Until(next)
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (c *ScheduledPollConsumer) startCron(ctx context.Context) error {
	scheduler := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(c.settings.Cron, func() {
		if c.repeatDone() {
			return
		}
		if !c.scheduledPoll(ctx) && c.repeatDone() {
			c.endpoint.Config().Printf("consumer %s reached repeatCount %d", c.endpoint.Address(), c.settings.RepeatCount)
		}
	}); err != nil {
		close(c.done)
		return types.NewConfigurationError(c.endpoint.Address(), "cron", "%v", err)
	}
	scheduler.Start()
	go func() {
		defer close(c.done)
		<-ctx.Done()
		<-scheduler.Stop().Done()
	}()
	return nil
}

func (c *ScheduledPollConsumer) stopSchedule() error {
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(c.endpoint.Config().Timeout()):
			c.endpoint.Config().Printf("consumer %s poll did not finish within shutdown timeout", c.endpoint.Address())
		}
	}
	if lc, ok := c.source.(PollSourceLifecycle); ok {
		return lc.Close()
	}
	return nil
}

// sleep waits d or until ctx is done, reporting whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
