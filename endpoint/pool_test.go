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

package endpoint

import (
	"context"
	"testing"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/endpoint/mock"
	"github.com/stretchr/testify/assert"
)

const routesYaml = `
routes:
  - id: tiers
    from: direct:in
    processors:
      - type: setHeader
        configuration:
          name: tier
          value: gold
    to: mock:out
  - from: direct:audit
    to: mock:audit
`

func send(t *testing.T, r *ComponentRegistry, address string, body interface{}) *types.Exchange {
	ep, err := r.Resolve(address, nil)
	assert.Nil(t, err)
	p, err := ep.CreateProducer()
	assert.Nil(t, err)
	assert.Nil(t, p.Start())
	defer p.Stop()
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetBody(body)
	assert.Nil(t, p.Process(ex))
	return ex
}

func TestPoolFromDsl(t *testing.T) {
	r := newTestRegistry()
	pool := NewPool(r)
	routes, err := pool.NewFromDsl([]byte(routesYaml))
	assert.Nil(t, err)
	assert.Equal(t, 2, len(routes))
	assert.Equal(t, "route2", routes[1].Id())

	route, ok := pool.Get("tiers")
	assert.True(t, ok)
	assert.Equal(t, types.Running, route.Consumer().State())

	ex := send(t, r, "direct:in", "order-1")
	assert.False(t, ex.Failed())
	ep, _ := r.Resolve("mock:out", nil)
	out := ep.(*mock.Endpoint)
	assert.Equal(t, 1, out.ReceivedCount())
	assert.Equal(t, "gold", out.Received()[0].In().Headers().GetString("tier"))
	assert.Equal(t, "order-1", out.Received()[0].In().Body())

	count := 0
	pool.Range(func(id string, route *Route) bool {
		count++
		return true
	})
	assert.Equal(t, 2, count)

	pool.Del("tiers")
	_, ok = pool.Get("tiers")
	assert.False(t, ok)
	assert.Equal(t, types.Stopped, route.Consumer().State())
	pool.Stop()
	_, ok = pool.Get("route2")
	assert.False(t, ok)
}

func TestPoolNewSameId(t *testing.T) {
	r := newTestRegistry()
	pool := NewPool(r)
	router := impl.NewRouter().SetId("a")
	router.From("direct:a").To("mock:a")
	first, err := pool.New(router)
	assert.Nil(t, err)

	again := impl.NewRouter().SetId("a")
	again.From("direct:other").To("mock:a")
	second, err := pool.New(again)
	assert.Nil(t, err)
	assert.True(t, first == second)
	pool.Stop()
}

func TestPoolDslErrors(t *testing.T) {
	r := newTestRegistry()
	pool := NewPool(r)
	_, err := pool.NewFromDsl([]byte(`
routes:
  - id: ok
    from: direct:ok
    to: mock:ok
  - id: broken
    from: direct:broken
    processors:
      - type: noSuchProcessor
`))
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "broken")
	// routes started before the failure are stopped again
	_, ok := pool.Get("ok")
	assert.False(t, ok)

	_, err = pool.NewFromDsl([]byte(`
routes:
  - id: x
    from: direct:x
  - id: x
    from: direct:y
`))
	assert.NotNil(t, err)

	_, err = pool.NewFromDsl([]byte(`
routes:
  - id: unknown
    from: jms:orders
`))
	assert.Equal(t, types.KindConfiguration, types.KindOf(err))
}
