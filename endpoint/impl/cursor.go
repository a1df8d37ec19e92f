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
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
)

const (
	CursorId        = "id"
	CursorTimestamp = "timestamp"
	CursorSeen      = "seen"
)

// DefaultSeenCapacity bounds SeenSetCursor when no capacity is given.
const DefaultSeenCapacity = 10000

// PollItem is one record fetched by a poll cycle.
type PollItem struct {
	// Key identifies the item, e.g. a primary key or a message id.
	Key string
	// Seq orders items fetched from a monotonically increasing id.
	Seq int64
	// Time orders items fetched by timestamp.
	Time    time.Time
	Body    interface{}
	Headers map[string]interface{}
}

// Cursor remembers which items a poll consumer already emitted.
type Cursor interface {
	// Fresh reports whether item has not been committed yet.
	Fresh(item PollItem) bool
	// Commit advances past item.
	Commit(item PollItem)
	// Less orders items oldest first.
	Less(a, b PollItem) bool
	// Position describes the committed position for logs and sources
	// that push the cursor into their query.
	Position() interface{}
}

// NewCursor creates a cursor of the given kind: id, timestamp or seen.
func NewCursor(kind string, capacity int) (Cursor, error) {
	switch strings.ToLower(kind) {
	case "", CursorId:
		return &IdCursor{}, nil
	case CursorTimestamp:
		return &TimestampCursor{}, nil
	case CursorSeen:
		return NewSeenSetCursor(capacity), nil
	default:
		return nil, types.NewConfigurationError("", "cursor", "unknown cursor %q, expected id, timestamp or seen", kind)
	}
}

// IdCursor tracks the highest committed Seq.
type IdCursor struct {
	mu   sync.Mutex
	last int64
	set  bool
}

func (c *IdCursor) Fresh(item PollItem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.set || item.Seq > c.last
}

func (c *IdCursor) Commit(item PollItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set || item.Seq > c.last {
		c.last = item.Seq
		c.set = true
	}
}

func (c *IdCursor) Less(a, b PollItem) bool {
	return a.Seq < b.Seq
}

// Position returns the last committed Seq, or nil before the first commit.
func (c *IdCursor) Position() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return nil
	}
	return c.last
}

// TimestampCursor tracks the newest committed Time. Items sharing that
// timestamp are told apart by Key.
type TimestampCursor struct {
	mu     sync.Mutex
	last   time.Time
	atLast map[string]struct{}
}

func (c *TimestampCursor) Fresh(item PollItem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item.Time.After(c.last) {
		return true
	}
	if item.Time.Equal(c.last) {
		_, seen := c.atLast[item.Key]
		return !seen
	}
	return false
}

func (c *TimestampCursor) Commit(item PollItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case item.Time.After(c.last):
		c.last = item.Time
		c.atLast = map[string]struct{}{item.Key: {}}
	case item.Time.Equal(c.last):
		if c.atLast == nil {
			c.atLast = make(map[string]struct{})
		}
		c.atLast[item.Key] = struct{}{}
	}
}

func (c *TimestampCursor) Less(a, b PollItem) bool {
	return a.Time.Before(b.Time)
}

// Position returns the newest committed time, zero before the first commit.
func (c *TimestampCursor) Position() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// SeenSetCursor remembers committed keys, evicting the oldest beyond capacity.
// Items keep the order the source returned them in.
type SeenSetCursor struct {
	mu       sync.Mutex
	capacity int
	keys     map[string]*list.Element
	order    *list.List
}

// NewSeenSetCursor creates a cursor remembering up to capacity keys.
func NewSeenSetCursor(capacity int) *SeenSetCursor {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenSetCursor{capacity: capacity, keys: make(map[string]*list.Element), order: list.New()}
}

func (c *SeenSetCursor) Fresh(item PollItem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[item.Key]
	return !ok
}

func (c *SeenSetCursor) Commit(item PollItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[item.Key]; ok {
		return
	}
	c.keys[item.Key] = c.order.PushBack(item.Key)
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.keys, oldest.Value.(string))
	}
}

func (c *SeenSetCursor) Less(a, b PollItem) bool {
	return false
}

// Position returns the number of remembered keys.
func (c *SeenSetCursor) Position() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
