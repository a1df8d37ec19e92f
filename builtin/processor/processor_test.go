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

package processor

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/cast"
	"github.com/stretchr/testify/assert"
)

func newExchange(body interface{}, headers map[string]interface{}) *types.Exchange {
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetBody(body)
	for k, v := range headers {
		ex.In().SetHeader(k, v)
	}
	return ex
}

func mustNew(t *testing.T, name string, configuration map[string]interface{}) endpoint.Process {
	process, err := Registry.New(name, types.NewConfig(types.WithProperties(map[string]string{"env": "test"})), configuration)
	assert.Nil(t, err)
	return process
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"filter", "json", "log", "removeHeader", "script", "setBody", "setHeader", "unjson"}, Registry.Names())
	_, err := Registry.New("nope", types.NewConfig(), nil)
	assert.NotNil(t, err)

	_, err = Registry.New("setHeader", types.NewConfig(), map[string]interface{}{"value": 1})
	assert.Equal(t, types.KindConfiguration, types.KindOf(err))

	Registry.Register("noop", func(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
		return func(router endpoint.Router, exchange *types.Exchange) bool { return true }, nil
	})
	defer Registry.Unregister("noop")
	_, err = Registry.New("noop", types.NewConfig(), nil)
	assert.Nil(t, err)
}

func TestSetHeader(t *testing.T) {
	router := impl.NewRouter()
	process := mustNew(t, "setHeader", map[string]interface{}{"name": "region", "value": "${body.region}-${global.env}"})
	ex := newExchange(map[string]interface{}{"region": "eu"}, nil)
	assert.True(t, process(router, ex))
	assert.Equal(t, "eu-test", ex.In().Headers().GetString("region"))

	process = mustNew(t, "setHeader", map[string]interface{}{"name": "n", "value": "${header.count * 2}"})
	ex = newExchange(`{"a":1}`, map[string]interface{}{"count": 2})
	assert.True(t, process(router, ex))
	assert.Equal(t, int64(4), ex.In().Headers().GetInt64("n"))

	process = mustNew(t, "setHeader", map[string]interface{}{"name": "fixed", "value": "v"})
	ex = newExchange(nil, nil)
	assert.True(t, process(router, ex))
	assert.Equal(t, "v", ex.In().Headers().GetString("fixed"))
}

func TestSetBodyAndRemoveHeader(t *testing.T) {
	router := impl.NewRouter()
	ex := newExchange("old", map[string]interface{}{"a": 1, "b": 2, "c": 3})
	assert.True(t, mustNew(t, "setBody", map[string]interface{}{"value": "id=${header.a}"})(router, ex))
	assert.Equal(t, "id=1", ex.In().Body())

	assert.True(t, mustNew(t, "removeHeader", map[string]interface{}{"name": "a"})(router, ex))
	assert.True(t, mustNew(t, "removeHeader", map[string]interface{}{"names": "b,c"})(router, ex))
	assert.Equal(t, 0, ex.In().Headers().Len())
}

func TestFilter(t *testing.T) {
	router := impl.NewRouter()
	process := mustNew(t, "filter", map[string]interface{}{"expr": `header.type == "order" && body.amount > 10`})
	assert.True(t, process(router, newExchange(map[string]interface{}{"amount": 20}, map[string]interface{}{"type": "order"})))
	assert.False(t, process(router, newExchange(map[string]interface{}{"amount": 5}, map[string]interface{}{"type": "order"})))

	ex := newExchange(`{"amount":20}`, map[string]interface{}{"type": "order"})
	assert.True(t, process(router, ex))
	assert.False(t, ex.Failed())

	_, err := Registry.New("filter", types.NewConfig(), map[string]interface{}{"expr": "a +"})
	assert.NotNil(t, err)
}

func TestScript(t *testing.T) {
	router := impl.NewRouter()
	process := mustNew(t, "script", map[string]interface{}{
		"script": `function process(body, headers) {
			if (headers.drop) { return false; }
			body.total = body.qty * 2;
			return body;
		}`,
	})
	ex := newExchange(`{"qty":3}`, nil)
	assert.True(t, process(router, ex))
	assert.Equal(t, 6, cast.ToInt(ex.In().Body().(map[string]interface{})["total"]))

	assert.False(t, process(router, newExchange(`{"qty":3}`, map[string]interface{}{"drop": true})))

	failing := mustNew(t, "script", map[string]interface{}{"script": `function process(body) { throw new Error("boom"); }`})
	ex = newExchange("x", nil)
	assert.False(t, failing(router, ex))
	assert.Equal(t, types.KindProgrammer, ex.Fault().Kind)
}

func TestJson(t *testing.T) {
	router := impl.NewRouter()
	ex := newExchange(map[string]interface{}{"a": float64(1)}, nil)
	assert.True(t, mustNew(t, "json", nil)(router, ex))
	assert.Equal(t, `{"a":1}`, string(ex.In().Body().([]byte)))

	assert.True(t, mustNew(t, "unjson", nil)(router, ex))
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, ex.In().Body())

	ex = newExchange("{", nil)
	assert.False(t, mustNew(t, "unjson", nil)(router, ex))
	assert.Equal(t, types.KindProtocol, ex.Fault().Kind)
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	config := types.NewConfig(types.WithLogger(log.New(&buf, "", 0)))
	process, err := Registry.New("log", config, map[string]interface{}{"message": "order ${header.id}"})
	assert.Nil(t, err)
	router := impl.NewRouter().SetId("r1")
	assert.True(t, process(router, newExchange(nil, map[string]interface{}{"id": 7})))
	assert.True(t, strings.Contains(buf.String(), "route r1"))
	assert.True(t, strings.Contains(buf.String(), "order 7"))
}
