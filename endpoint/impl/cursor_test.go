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
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/stretchr/testify/assert"
)

func TestIdCursor(t *testing.T) {
	c := &IdCursor{}
	assert.Nil(t, c.Position())
	assert.True(t, c.Fresh(PollItem{Seq: 0}))
	c.Commit(PollItem{Seq: 2})
	assert.False(t, c.Fresh(PollItem{Seq: 1}))
	assert.False(t, c.Fresh(PollItem{Seq: 2}))
	assert.True(t, c.Fresh(PollItem{Seq: 3}))
	c.Commit(PollItem{Seq: 1})
	assert.Equal(t, int64(2), c.Position())
	assert.True(t, c.Less(PollItem{Seq: 1}, PollItem{Seq: 2}))
}

func TestTimestampCursor(t *testing.T) {
	c := &TimestampCursor{}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Commit(PollItem{Key: "a", Time: t0})
	assert.False(t, c.Fresh(PollItem{Key: "a", Time: t0}))
	// same timestamp, different record
	assert.True(t, c.Fresh(PollItem{Key: "b", Time: t0}))
	c.Commit(PollItem{Key: "b", Time: t0})
	assert.False(t, c.Fresh(PollItem{Key: "b", Time: t0}))
	assert.False(t, c.Fresh(PollItem{Key: "c", Time: t0.Add(-time.Second)}))
	assert.True(t, c.Fresh(PollItem{Key: "a", Time: t0.Add(time.Second)}))
	c.Commit(PollItem{Key: "c", Time: t0.Add(time.Second)})
	assert.True(t, c.Fresh(PollItem{Key: "a", Time: t0.Add(time.Second)}))
	assert.Equal(t, t0.Add(time.Second), c.Position())
}

func TestSeenSetCursor(t *testing.T) {
	c := NewSeenSetCursor(2)
	c.Commit(PollItem{Key: "a"})
	c.Commit(PollItem{Key: "b"})
	c.Commit(PollItem{Key: "b"})
	assert.False(t, c.Fresh(PollItem{Key: "a"}))
	c.Commit(PollItem{Key: "c"})
	assert.True(t, c.Fresh(PollItem{Key: "a"}))
	assert.False(t, c.Fresh(PollItem{Key: "c"}))
	assert.Equal(t, 2, c.Position())
	assert.False(t, c.Less(PollItem{Key: "a"}, PollItem{Key: "b"}))
}

func TestNewCursor(t *testing.T) {
	c, err := NewCursor("", 0)
	assert.Nil(t, err)
	assert.IsType(t, &IdCursor{}, c)
	c, _ = NewCursor("Timestamp", 0)
	assert.IsType(t, &TimestampCursor{}, c)
	c, _ = NewCursor("seen", 5)
	assert.Equal(t, 5, c.(*SeenSetCursor).capacity)
	_, err = NewCursor("offset", 0)
	assert.Equal(t, types.KindConfiguration, types.KindOf(err))
}
