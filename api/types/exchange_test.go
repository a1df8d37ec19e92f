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
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersOrder(t *testing.T) {
	h := NewHeaders()
	h.Set("b", 1)
	h.Set("a", "2")
	h.Set("c", 3)
	h.Set("b", 4)
	assert.Equal(t, []string{"b", "a", "c"}, h.Keys())
	assert.Equal(t, int64(4), h.GetInt64("b"))
	assert.Equal(t, "2", h.GetString("a"))
	assert.Equal(t, "", h.GetString("A"))

	h.Del("a")
	assert.Equal(t, []string{"b", "c"}, h.Keys())
	assert.Equal(t, 2, h.Len())

	dst := NewHeaders()
	dst.Set("z", 0)
	h.CopyTo(dst)
	assert.Equal(t, []string{"z", "b", "c"}, dst.Keys())

	var seen []string
	h.Range(func(key string, value interface{}) bool {
		seen = append(seen, key)
		return false
	})
	assert.Equal(t, []string{"b"}, seen)
}

func TestMessageBody(t *testing.T) {
	m := NewMessage(map[string]interface{}{"id": 1})
	b, err := m.BodyBytes()
	assert.Nil(t, err)
	assert.Equal(t, `{"id":1}`, string(b))

	m.SetBody("text")
	assert.Equal(t, "text", m.BodyString())
	s, ok := BodyAs[string](m)
	assert.True(t, ok)
	assert.Equal(t, "text", s)
	_, ok = BodyAs[int](m)
	assert.False(t, ok)

	m.SetHeader("k", "v")
	c := m.Copy()
	c.SetHeader("k", "changed")
	v, _ := m.Header("k")
	assert.Equal(t, "v", v)
}

func TestExchangeOutFaultExclusive(t *testing.T) {
	ex := NewExchange(context.Background(), InOut)
	ex.In().SetBody("request")
	assert.NotEqual(t, "", ex.Id())
	assert.Equal(t, InOut, ex.Pattern())

	ex.SetOut(NewMessage("reply"))
	assert.True(t, ex.HasOut())
	assert.False(t, ex.Failed())
	assert.Equal(t, "reply", ex.Result().Body())

	ex.Fail(NewConnectivityError("publish", errors.New("refused")), "")
	assert.True(t, ex.Failed())
	assert.False(t, ex.HasOut())
	assert.Equal(t, "request", ex.In().Body())
	assert.Equal(t, "request", ex.Result().Body())
	assert.Equal(t, KindConnectivity, ex.Fault().Kind)
	assert.Equal(t, "publish", ex.Fault().Op)
	assert.True(t, errors.Is(ex.Err(), ErrConnectivity))

	ex.SetOut(NewMessage("retried"))
	assert.False(t, ex.Failed())
	assert.Nil(t, ex.Err())
}

func TestExchangeCopy(t *testing.T) {
	ex := NewExchange(nil, InOnly)
	ex.In().SetHeader("a", 1)
	ex.SetProperty("p", "v")
	ex.SetFromEndpoint("queue:orders")
	c := ex.Copy()
	c.In().SetHeader("a", 2)
	c.SetProperty("p", "w")
	assert.Equal(t, ex.Id(), c.Id())
	assert.Equal(t, int64(1), ex.In().Headers().GetInt64("a"))
	p, _ := ex.Property("p")
	assert.Equal(t, "v", p)
	assert.Equal(t, "queue:orders", c.FromEndpoint())
	assert.NotNil(t, ex.Context())
}

func TestFault(t *testing.T) {
	backend := errors.New("NOAUTH")
	f := NewFault(NewProtocolError("GET", "NOAUTH", backend), "", "redis:cache")
	assert.Equal(t, KindProtocol, f.Kind)
	assert.Equal(t, "GET", f.Op)
	assert.Equal(t, "NOAUTH", f.Code)
	assert.True(t, errors.Is(f, backend))
	assert.Equal(t, "fault op=GET address=redis:cache code=NOAUTH: protocol error op=GET code=NOAUTH: NOAUTH", f.Error())

	f = NewFault(errors.New("eof"), "read", "")
	assert.Equal(t, KindConnectivity, f.Kind)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewMissingParameterError("queue:", "name"))
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, errors.Is(err, ErrProgrammer))
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.True(t, IsFatal(err))

	err = NewProgrammerError("SET", "RedisKey", "header %s is required", "RedisKey")
	assert.True(t, errors.Is(err, ErrProgrammer))
	assert.True(t, IsFatal(err))
	assert.Equal(t, "programmer error op=SET key=RedisKey: header RedisKey is required", err.Error())

	assert.False(t, IsFatal(NewProtocolError("q", "", errors.New("x"))))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
