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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rulego/relay/api/types"
)

// StreamStrategy decides how a stream of sub-events becomes exchanges.
type StreamStrategy int

const (
	// Propagation emits one exchange per sub-event as it arrives. Each reply is tied to
	// its sub-event. A failed exchange terminates the stream, so earlier sub-events
	// stay processed and later ones are not.
	Propagation StreamStrategy = iota
	// Aggregation buffers sub-events until completion and emits one exchange carrying
	// them in order. A stream that fails or overflows before completion emits nothing.
	Aggregation
)

const DefaultMaxAggregation = 10000

var (
	// ErrStreamClosed is returned for sub-events offered after completion or failure.
	ErrStreamClosed = errors.New("stream closed")
	// ErrAggregationOverflow is returned when a stream exceeds maxAggregation.
	ErrAggregationOverflow = errors.New("aggregation buffer exceeded")
)

func (s StreamStrategy) String() string {
	if s == Aggregation {
		return "aggregation"
	}
	return "propagation"
}

// ParseStreamStrategy parses propagation or aggregation.
func ParseStreamStrategy(s string) (StreamStrategy, error) {
	switch strings.ToLower(s) {
	case "", "propagation":
		return Propagation, nil
	case "aggregation":
		return Aggregation, nil
	}
	return Propagation, fmt.Errorf("unknown strategy %q, expected propagation or aggregation", s)
}

// StreamConfig holds the parameters of streaming consumers.
// Embed it in component configurations with `mapstructure:",squash"`.
type StreamConfig struct {
	Strategy string `mapstructure:"strategy"`
	// MaxAggregation bounds the aggregation buffer, 0 means no bound.
	MaxAggregation int `mapstructure:"maxAggregation"`
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{Strategy: Propagation.String(), MaxAggregation: DefaultMaxAggregation}
}

// Validate parses the strategy.
func (c StreamConfig) Validate(address string) (StreamStrategy, error) {
	s, err := ParseStreamStrategy(c.Strategy)
	if err != nil {
		return s, types.NewConfigurationError(address, "strategy", "%v", err)
	}
	if c.MaxAggregation < 0 {
		return s, types.NewConfigurationError(address, "maxAggregation", "must not be negative")
	}
	return s, nil
}

// StreamReply receives the completed exchange of a sub-event (propagation)
// or of the whole stream (aggregation).
type StreamReply func(exchange *types.Exchange) error

// StreamDispatcher feeds one inbound stream into a consumer's processor.
// A dispatcher serves a single stream and is not reused.
type StreamDispatcher struct {
	consumer *DefaultConsumer
	strategy StreamStrategy
	max      int
	reply    StreamReply
	// Headers are set on every exchange of the stream.
	Headers map[string]interface{}
	// IndexHeader, when set, carries the sub-event index (propagation) or the count (aggregation).
	IndexHeader string

	mu      sync.Mutex
	buffer  []interface{}
	index   int
	emitted int
	closed  bool
	err     error
}

// NewStreamDispatcher creates a dispatcher. reply may be nil.
func NewStreamDispatcher(consumer *DefaultConsumer, strategy StreamStrategy, maxAggregation int, reply StreamReply) *StreamDispatcher {
	return &StreamDispatcher{consumer: consumer, strategy: strategy, max: maxAggregation, reply: reply}
}

// OnNext offers a sub-event. Under propagation it returns once the exchange completed.
func (d *StreamDispatcher) OnNext(body interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrStreamClosed
	}
	if d.strategy == Aggregation {
		if d.max > 0 && len(d.buffer) >= d.max {
			d.terminate(fmt.Errorf("%w: more than %d sub-events", ErrAggregationOverflow, d.max))
			return d.err
		}
		d.buffer = append(d.buffer, body)
		return nil
	}
	index := d.index
	d.index++
	exchange := d.exchange(body, index)
	if err := d.emit(exchange); err != nil {
		d.terminate(err)
		return err
	}
	return nil
}

// OnCompleted ends the stream. Under aggregation it emits the single exchange.
func (d *StreamDispatcher) OnCompleted() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.err
	}
	d.closed = true
	if d.strategy != Aggregation {
		return nil
	}
	items := d.buffer
	d.buffer = nil
	if items == nil {
		items = []interface{}{}
	}
	exchange := d.exchange(items, len(items))
	if err := d.emit(exchange); err != nil {
		d.err = err
		return err
	}
	return nil
}

// OnError fails the stream. Buffered sub-events are discarded.
func (d *StreamDispatcher) OnError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.terminate(err)
}

// Emitted returns the number of exchanges emitted so far.
func (d *StreamDispatcher) Emitted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emitted
}

// Buffered returns the number of sub-events waiting for completion.
func (d *StreamDispatcher) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// Err returns the error that terminated the stream.
func (d *StreamDispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *StreamDispatcher) terminate(err error) {
	d.closed = true
	d.buffer = nil
	d.err = err
}

func (d *StreamDispatcher) exchange(body interface{}, index int) *types.Exchange {
	exchange := d.consumer.CreateExchange()
	in := exchange.In()
	for k, v := range d.Headers {
		in.SetHeader(k, v)
	}
	if d.IndexHeader != "" {
		in.SetHeader(d.IndexHeader, index)
	}
	in.SetBody(body)
	return exchange
}

func (d *StreamDispatcher) emit(exchange *types.Exchange) error {
	_ = d.consumer.EmitAndWait(exchange)
	d.emitted++
	if exchange.Failed() {
		return exchange.Err()
	}
	if d.reply != nil {
		return d.reply(exchange)
	}
	return nil
}
