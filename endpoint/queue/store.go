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

package queue

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/cast"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newKey returns a time-sortable ULID.
func newKey(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Store is an in-memory log of items. Sequence numbers come from the body's id
// field when present, otherwise they continue after the highest one seen.
type Store struct {
	mu      sync.RWMutex
	items   []impl.PollItem
	maxSize int
	lastSeq int64
}

// NewStore creates a store keeping at most maxSize items, 0 means unbounded.
func NewStore(maxSize int) *Store {
	return &Store{maxSize: maxSize}
}

// Put appends body. idField names the map field used as sequence number.
func (s *Store) Put(body interface{}, headers map[string]interface{}, idField string) impl.PollItem {
	now := time.Now()
	item := impl.PollItem{Key: newKey(now), Time: now, Body: body, Headers: headers}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := body.(map[string]interface{}); ok && idField != "" {
		if v, ok := m[idField]; ok {
			if seq, err := cast.ToInt64E(v); err == nil {
				item.Seq = seq
				item.Key = cast.ToString(v)
			}
		}
	}
	if item.Seq == 0 {
		item.Seq = s.lastSeq + 1
	}
	if item.Seq > s.lastSeq {
		s.lastSeq = item.Seq
	}
	s.items = append(s.items, item)
	if s.maxSize > 0 && len(s.items) > s.maxSize {
		s.items = append(s.items[:0:0], s.items[len(s.items)-s.maxSize:]...)
	}
	return item
}

// Items returns a snapshot.
func (s *Store) Items() []impl.PollItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]impl.PollItem(nil), s.items...)
}

// Remove deletes the item with key.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item.Key == key {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}
