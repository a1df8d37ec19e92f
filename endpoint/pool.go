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
	"fmt"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/builtin/aspect"
	"github.com/rulego/relay/builtin/processor"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/dsl"
)

// DefaultPool runs routes against the default Registry.
var DefaultPool = NewPool(Registry)

// Route is a running route: the consumer of the from address feeding the route pipeline.
type Route struct {
	router   endpoint.Router
	pipeline *impl.Pipeline
	consumer endpoint.Consumer
}

// NewRoute resolves the from address of router and creates its consumer.
// Nothing is started.
func NewRoute(registry *ComponentRegistry, router endpoint.Router) (*Route, error) {
	if err := router.Err(); err != nil {
		return nil, err
	}
	ep, err := registry.Resolve(router.FromToString(), nil)
	if err != nil {
		return nil, err
	}
	pipeline := impl.NewPipeline(router, registry, registry.Config())
	consumer, err := ep.CreateConsumer(pipeline)
	if err != nil {
		return nil, err
	}
	return &Route{router: router, pipeline: pipeline, consumer: consumer}, nil
}

func (r *Route) Id() string {
	return r.router.GetId()
}

func (r *Route) Router() endpoint.Router {
	return r.router
}

func (r *Route) Consumer() endpoint.Consumer {
	return r.consumer
}

func (r *Route) Pipeline() *impl.Pipeline {
	return r.pipeline
}

// Start starts the producer side first, then the consumer.
func (r *Route) Start() error {
	if err := r.pipeline.Start(); err != nil {
		return err
	}
	if err := r.consumer.Start(); err != nil {
		_ = r.pipeline.Stop()
		return err
	}
	return nil
}

// Stop stops the consumer, then the producers. Stopping twice is a no-op.
func (r *Route) Stop() error {
	err := r.consumer.Stop()
	if pErr := r.pipeline.Stop(); err == nil {
		err = pErr
	}
	return err
}

// Pool holds running routes by id.
type Pool struct {
	entries  sync.Map
	registry *ComponentRegistry
}

// NewPool creates a pool resolving addresses through registry.
func NewPool(registry *ComponentRegistry) *Pool {
	return &Pool{registry: registry}
}

// Registry returns the registry the pool resolves through.
func (p *Pool) Registry() *ComponentRegistry {
	return p.registry
}

// New creates and starts a route. A route with the same id is returned as is.
// Routes without an id get a generated one.
func (p *Pool) New(router endpoint.Router) (*Route, error) {
	if router.GetId() == "" {
		router.SetId(types.NewId())
	}
	if v, ok := p.entries.Load(router.GetId()); ok {
		return v.(*Route), nil
	}
	route, err := NewRoute(p.registry, router)
	if err != nil {
		return nil, err
	}
	if err := route.Start(); err != nil {
		return nil, err
	}
	if v, loaded := p.entries.LoadOrStore(route.Id(), route); loaded {
		_ = route.Stop()
		return v.(*Route), nil
	}
	return route, nil
}

// NewFromDsl parses a route file and starts every route in it. Routes started
// before a failure are stopped again.
func (p *Pool) NewFromDsl(def []byte) ([]*Route, error) {
	routes, err := dsl.ParseRoutes(def)
	if err != nil {
		return nil, err
	}
	return p.NewFromDef(routes)
}

// NewFromDef starts the routes of def.
func (p *Pool) NewFromDef(def types.RoutesDsl) ([]*Route, error) {
	var started []*Route
	for _, routeDef := range def.Routes {
		router, err := NewRouterFromDef(routeDef, p.registry.Config())
		if err == nil {
			var route *Route
			if route, err = p.New(router); err == nil {
				started = append(started, route)
				continue
			}
		}
		for _, r := range started {
			p.Del(r.Id())
		}
		return nil, fmt.Errorf("route %s: %w", routeDef.Id, err)
	}
	return started, nil
}

// Get returns the route with id.
func (p *Pool) Get(id string) (*Route, bool) {
	v, ok := p.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Route), true
}

// Del stops and removes the route with id.
func (p *Pool) Del(id string) {
	if v, ok := p.entries.LoadAndDelete(id); ok {
		if err := v.(*Route).Stop(); err != nil {
			p.registry.Config().Printf("route %s stop error: %v", id, err)
		}
	}
}

// Stop stops every route.
func (p *Pool) Stop() {
	p.entries.Range(func(key, value any) bool {
		p.Del(key.(string))
		return true
	})
}

// Range iterates over the routes.
func (p *Pool) Range(f func(id string, route *Route) bool) {
	p.entries.Range(func(key, value any) bool {
		return f(key.(string), value.(*Route))
	})
}

// NewRouterFromDef builds a route definition from its DSL form.
func NewRouterFromDef(def types.RouteDsl, config types.Config) (endpoint.Router, error) {
	router := impl.NewRouter().SetId(def.Id).Disable(def.Disabled)
	for _, name := range def.Aspects {
		a, err := aspect.Registry.New(name)
		if err != nil {
			return nil, err
		}
		router.Use(a)
	}
	from := router.From(def.From)
	for _, p := range def.Processors {
		process, err := processor.Registry.New(p.Type, config, p.Configuration)
		if err != nil {
			return nil, err
		}
		from.Process(process)
	}
	if def.To != "" {
		to := from.To(def.To)
		for _, p := range def.ToProcessors {
			process, err := processor.Registry.New(p.Type, config, p.Configuration)
			if err != nil {
				return nil, err
			}
			to.Process(process)
		}
	}
	return router, router.Err()
}

// New creates and starts a route in the default pool.
func New(router endpoint.Router) (*Route, error) {
	return DefaultPool.New(router)
}

// Get returns a route of the default pool.
func Get(id string) (*Route, bool) {
	return DefaultPool.Get(id)
}

// Del stops and removes a route of the default pool.
func Del(id string) {
	DefaultPool.Del(id)
}

// Stop stops every route of the default pool.
func Stop() {
	DefaultPool.Stop()
}
