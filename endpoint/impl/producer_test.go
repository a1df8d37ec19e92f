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
	"errors"
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/stretchr/testify/assert"
)

func newInExchange(body interface{}) *types.Exchange {
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetBody(body)
	return ex
}

func TestProducerContainsBackendErrors(t *testing.T) {
	ep := newTestEndpoint(t, "test:producer", types.NewConfig())
	producer := NewDefaultProducer(ep, func(exchange *types.Exchange) error {
		switch exchange.In().Body() {
		case "down":
			return errors.New("connection refused")
		case "rejected":
			return types.NewProtocolError("SET", "WRONGTYPE", errors.New("wrong type"))
		case "panic":
			panic("boom")
		}
		Reply(exchange, "ok")
		return nil
	})
	assert.Nil(t, producer.Start())
	assert.Nil(t, producer.Start())
	assert.Equal(t, 1, ep.Refs())
	defer producer.Stop()

	ex := newInExchange("hello")
	ex.In().SetHeader("h", 1)
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, "ok", ex.Out().Body())
	assert.Equal(t, 1, int(ex.Out().Headers().GetInt64("h")))

	ex = newInExchange("down")
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, types.KindConnectivity, ex.Fault().Kind)
	assert.Equal(t, "test:producer", ex.Fault().Address)
	assert.Equal(t, "test", ex.Fault().Op)

	ex = newInExchange("rejected")
	assert.Nil(t, producer.Process(ex))
	assert.Equal(t, types.KindProtocol, ex.Fault().Kind)
	assert.Equal(t, "WRONGTYPE", ex.Fault().Code)

	ex = newInExchange("panic")
	assert.NotNil(t, producer.Process(ex))
	assert.Equal(t, types.KindProgrammer, ex.Fault().Kind)
}

func TestProducerValidate(t *testing.T) {
	ep := newTestEndpoint(t, "test:validate", types.NewConfig())
	called := false
	producer := NewDefaultProducer(ep, func(exchange *types.Exchange) error {
		called = true
		return nil
	})
	producer.Validate = func(exchange *types.Exchange) error {
		_, err := RequireHeader(exchange, "SET", "key")
		return err
	}
	ex := newInExchange("v")
	err := producer.Process(ex)
	assert.Equal(t, types.KindProgrammer, types.KindOf(err))
	assert.False(t, called)

	ex = newInExchange("v")
	doneSync := false
	assert.True(t, producer.ProcessAsync(ex, func(s bool) { doneSync = s }))
	assert.True(t, doneSync)
	assert.True(t, ex.Failed())
	assert.False(t, called)

	_, err = RequireBody(newInExchange(nil), "SET")
	assert.Equal(t, types.KindProgrammer, types.KindOf(err))
}

func TestProducerAsync(t *testing.T) {
	ep := newTestEndpoint(t, "test:async", types.NewConfig())
	producer := NewDefaultProducer(ep, func(exchange *types.Exchange) error {
		time.Sleep(10 * time.Millisecond)
		return errors.New("timeout")
	})
	done := make(chan bool, 1)
	ex := newInExchange("x")
	assert.False(t, producer.ProcessAsync(ex, func(doneSync bool) { done <- doneSync }))
	assert.False(t, <-done)
	assert.True(t, ex.Failed())

	// a backend completing inline reports doneSync
	producer.DoProcessAsync = func(exchange *types.Exchange, done func(err error)) {
		done(nil)
	}
	ex = newInExchange("y")
	var got bool
	assert.True(t, producer.ProcessAsync(ex, func(doneSync bool) { got = doneSync }))
	assert.True(t, got)

	producer.DoProcessAsync = func(exchange *types.Exchange, done func(err error)) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			done(errors.New("late"))
		}()
	}
	ex = newInExchange("z")
	assert.False(t, producer.ProcessAsync(ex, func(doneSync bool) { done <- doneSync }))
	assert.False(t, <-done)
	assert.True(t, ex.Failed())
}

func TestOperationTable(t *testing.T) {
	table := NewOperationTable("Op").
		Register("GET", func(exchange *types.Exchange) error {
			Reply(exchange, "got")
			return nil
		}).
		Register("SET", func(exchange *types.Exchange) error {
			return nil
		})
	assert.Equal(t, []string{"GET", "SET"}, table.Operations())
	assert.True(t, table.Has("GET"))
	assert.Equal(t, "Op", table.Header())

	ex := newInExchange(nil)
	ex.In().SetHeader("Op", "GET")
	assert.Nil(t, table.Dispatch(ex, ""))
	assert.Equal(t, "got", ex.Out().Body())

	ex = newInExchange(nil)
	assert.Nil(t, table.Dispatch(ex, "SET"))

	ex = newInExchange(nil)
	assert.Equal(t, types.KindProgrammer, types.KindOf(table.Dispatch(ex, "")))

	ex = newInExchange(nil)
	ex.In().SetHeader("Op", "DEL")
	name, _, err := table.Resolve(ex, "")
	assert.Equal(t, "DEL", name)
	assert.Equal(t, types.KindProgrammer, types.KindOf(err))
}
