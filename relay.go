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

// Package relay loads route definitions and runs them against the built-in components.
//
// # Usage
//
// A route file declares global properties and routes. Each route consumes from
// one address, runs its processors and hands the exchange to a producer address:
//
//	properties:
//	  broker: tcp://127.0.0.1:1883
//	routes:
//	  - id: telemetry
//	    from: "mqtt:devices/+/telemetry?server=${global.broker}"
//	    processors:
//	      - type: setHeader
//	        configuration: {name: source, value: mqtt}
//	    to: "kafka:telemetry?brokers=127.0.0.1:9092"
//
// Load a file or a folder of files and stop everything on shutdown:
//
//	r := relay.New(types.WithLogger(logger.NewZapLogger(zapLogger)))
//	if err := r.Load("./routes"); err != nil {
//		return err
//	}
//	defer r.Stop()
package relay

import (
	"fmt"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/endpoint"
	"github.com/rulego/relay/utils/dsl"
	"github.com/rulego/relay/utils/fs"
	"github.com/rulego/relay/utils/str"
)

// DefaultRelay runs routes in the default endpoint pool.
var DefaultRelay = &Relay{pool: endpoint.DefaultPool, files: make(map[string][]string)}

// Relay owns a component registry and the routes running against it.
type Relay struct {
	pool  *endpoint.Pool
	mu    sync.Mutex
	files map[string][]string
}

// New creates a relay whose registry holds fresh instances of the built-in components.
func New(opts ...types.Option) *Relay {
	registry := endpoint.NewRegistry(types.NewConfig(opts...))
	for _, c := range endpoint.DefaultComponents() {
		_ = registry.Register(c)
	}
	return &Relay{pool: endpoint.NewPool(registry), files: make(map[string][]string)}
}

// Pool returns the running routes.
func (r *Relay) Pool() *endpoint.Pool {
	return r.pool
}

// Registry returns the registry routes resolve their addresses through.
func (r *Relay) Registry() *endpoint.ComponentRegistry {
	return r.pool.Registry()
}

// Load starts the routes of a route file, or of every route file in a folder.
// Reloading a file replaces the routes it started before.
func (r *Relay) Load(path string) error {
	files, err := fs.RouteFiles(path)
	if err != nil {
		return err
	}
	for _, file := range files {
		b := fs.LoadFile(file)
		if b == nil {
			return fmt.Errorf("read route file %s failed", file)
		}
		r.unload(file)
		routes, err := r.LoadDsl(b)
		if err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
		ids := make([]string, 0, len(routes))
		for _, route := range routes {
			ids = append(ids, route.Id())
		}
		r.mu.Lock()
		r.files[file] = ids
		r.mu.Unlock()
		r.Registry().Config().Printf("loaded %d route(s) from %s", len(ids), file)
	}
	return nil
}

func (r *Relay) unload(file string) {
	r.mu.Lock()
	ids := r.files[file]
	delete(r.files, file)
	r.mu.Unlock()
	for _, id := range ids {
		r.pool.Del(id)
	}
}

// LoadDsl starts the routes of a route definition.
// ${global.key} placeholders resolve against the file properties first, then the
// relay properties. A placeholder neither defines is a configuration error.
func (r *Relay) LoadDsl(def []byte) ([]*endpoint.Route, error) {
	routes, err := dsl.ParseRoutes(def)
	if err != nil {
		return nil, err
	}
	globals := make(map[string]string)
	for k, v := range r.Registry().Config().Properties {
		globals[types.Global+"."+k] = v
	}
	for k, v := range routes.Properties {
		globals[types.Global+"."+k] = v
	}
	for _, name := range dsl.ParseVars(types.Global, routes) {
		if _, ok := globals[types.Global+"."+name]; !ok {
			return nil, types.NewMissingParameterError("", types.Global+"."+name)
		}
	}
	expandGlobals(&routes, globals)
	return r.pool.NewFromDef(routes)
}

func expandGlobals(def *types.RoutesDsl, globals map[string]string) {
	expand := func(processors []types.ProcessorDsl) {
		for _, p := range processors {
			for k, v := range p.Configuration {
				if s, ok := v.(string); ok && str.CheckHasVar(s) {
					p.Configuration[k] = str.SprintfDict(s, globals)
				}
			}
		}
	}
	for i := range def.Routes {
		route := &def.Routes[i]
		route.From = str.SprintfDict(route.From, globals)
		route.To = str.SprintfDict(route.To, globals)
		expand(route.Processors)
		expand(route.ToProcessors)
	}
}

// Stop stops every route and releases the endpoints left in the registry.
func (r *Relay) Stop() {
	r.pool.Stop()
	r.Registry().Stop()
	r.mu.Lock()
	r.files = make(map[string][]string)
	r.mu.Unlock()
}

// Load starts route files in the default relay.
func Load(path string) error {
	return DefaultRelay.Load(path)
}

// Stop stops the default relay.
func Stop() {
	DefaultRelay.Stop()
}
