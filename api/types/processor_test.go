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

package types

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type asyncEcho struct{}

func (a *asyncEcho) Process(exchange *Exchange) error {
	return ProcessSync(a, exchange)
}

func (a *asyncEcho) ProcessAsync(exchange *Exchange, callback AsyncCallback) bool {
	if exchange.In().Body() == nil {
		exchange.Fail(NewProgrammerError("echo", "body", "body is required"), "")
		callback(true)
		return true
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		exchange.SetOut(NewMessage(exchange.In().Body()))
		callback(false)
	}()
	return false
}

func TestOnce(t *testing.T) {
	var n int32
	cb := Once(func(doneSync bool) {
		atomic.AddInt32(&n, 1)
	})
	cb(true)
	cb(false)
	assert.Equal(t, int32(1), atomic.LoadInt32(&n))
	Once(nil)(true)
}

func TestToAsync(t *testing.T) {
	p := ToAsync(ProcessorFunc(func(exchange *Exchange) error {
		exchange.SetOut(NewMessage("ok"))
		return nil
	}))
	ex := NewExchange(nil, InOut)
	var completedSync bool
	assert.True(t, p.ProcessAsync(ex, func(doneSync bool) {
		completedSync = doneSync
	}))
	assert.True(t, completedSync)
	assert.Equal(t, "ok", ex.Out().Body())

	failing := ToAsync(ProcessorFunc(func(exchange *Exchange) error {
		return NewProgrammerError("x", "", "bad")
	}))
	ex = NewExchange(nil, InOut)
	failing.ProcessAsync(ex, nil)
	assert.Equal(t, KindProgrammer, ex.Fault().Kind)

	ap := &asyncEcho{}
	assert.Equal(t, AsyncProcessor(ap), ToAsync(ap))
}

func TestProcessSync(t *testing.T) {
	ap := &asyncEcho{}
	ex := NewExchange(nil, InOut)
	ex.In().SetBody("hi")
	assert.Nil(t, ap.Process(ex))
	assert.Equal(t, "hi", ex.Out().Body())

	ex = NewExchange(nil, InOut)
	err := ap.Process(ex)
	assert.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrProgrammer))
}
