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

package js

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/stretchr/testify/assert"
)

func TestExecute(t *testing.T) {
	config := types.NewConfig(types.WithProperties(map[string]string{"region": "eu"}))
	engine, err := NewGojaJsEngine(config, `
function transform(body, headers) {
	body.region = global.region;
	body.count = headers.count + 1;
	return body;
}`, nil, time.Second)
	assert.Nil(t, err)

	out, err := engine.Execute(context.Background(), "transform", map[string]interface{}{"id": 1}, map[string]interface{}{"count": 1})
	assert.Nil(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "eu", m["region"])
	assert.Equal(t, int64(2), m["count"])

	_, err = engine.Execute(context.Background(), "missing")
	assert.NotNil(t, err)
}

func TestScriptFunc(t *testing.T) {
	engine, err := NewGojaJsEngine(types.NewConfig(), `function id() { return newId(); }`, nil, 0)
	assert.Nil(t, err)
	out, err := engine.Execute(context.Background(), "id")
	assert.Nil(t, err)
	assert.Len(t, out, 36)
}

func TestVars(t *testing.T) {
	engine, err := NewGojaJsEngine(types.NewConfig(), `function greet() { return prefix + "!"; }`, map[string]interface{}{"prefix": "hi"}, 0)
	assert.Nil(t, err)
	out, err := engine.Execute(context.Background(), "greet")
	assert.Nil(t, err)
	assert.Equal(t, "hi!", out)
}

func TestTimeout(t *testing.T) {
	engine, err := NewGojaJsEngine(types.NewConfig(), `function spin() { while (true) {} }`, nil, 50*time.Millisecond)
	assert.Nil(t, err)
	_, err = engine.Execute(context.Background(), "spin")
	assert.True(t, errors.Is(err, ErrExecutionTimeout))

	// the runtime is reusable after an interrupt
	engine2, _ := NewGojaJsEngine(types.NewConfig(), `function spin() { while (true) {} } function ok() { return 1; }`, nil, 50*time.Millisecond)
	_, _ = engine2.Execute(context.Background(), "spin")
	out, err := engine2.Execute(context.Background(), "ok")
	assert.Nil(t, err)
	assert.Equal(t, int64(1), out)
}

func TestCancel(t *testing.T) {
	engine, err := NewGojaJsEngine(types.NewConfig(), `function spin() { while (true) {} }`, nil, 0)
	assert.Nil(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = engine.Execute(ctx, "spin")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCompileError(t *testing.T) {
	_, err := NewGojaJsEngine(types.NewConfig(), `function (`, nil, 0)
	assert.NotNil(t, err)
}
