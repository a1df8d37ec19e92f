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
	"sort"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/direct"
	"github.com/rulego/relay/endpoint/grpc"
	"github.com/rulego/relay/endpoint/kafka"
	logEndpoint "github.com/rulego/relay/endpoint/log"
	"github.com/rulego/relay/endpoint/mock"
	"github.com/rulego/relay/endpoint/mqtt"
	"github.com/rulego/relay/endpoint/nats"
	"github.com/rulego/relay/endpoint/net"
	"github.com/rulego/relay/endpoint/queue"
	"github.com/rulego/relay/endpoint/rabbitmq"
	"github.com/rulego/relay/endpoint/redis"
	"github.com/rulego/relay/endpoint/rest"
	"github.com/rulego/relay/endpoint/seda"
	"github.com/rulego/relay/endpoint/sql"
	"github.com/rulego/relay/endpoint/sqs"
	"github.com/rulego/relay/endpoint/ssh"
	"github.com/rulego/relay/endpoint/timer"
	"github.com/rulego/relay/endpoint/watermill"
	"github.com/rulego/relay/endpoint/websocket"
)

// Registry is the default registry, holding every built-in component.
var Registry = NewRegistry(types.NewConfig())

func init() {
	for _, c := range DefaultComponents() {
		_ = Registry.Register(c)
	}
}

// DefaultComponents returns fresh instances of the built-in components.
// Components keep their shared clients, so registries do not share instances.
func DefaultComponents() []endpoint.Component {
	return []endpoint.Component{
		&direct.Component{},
		&seda.Component{},
		&queue.Component{},
		&timer.Component{},
		&logEndpoint.Component{},
		&mock.Component{},
		&rest.Component{},
		&rest.Component{Secure: true},
		&websocket.Component{},
		&websocket.Component{Secure: true},
		&grpc.Component{},
		&net.Component{Protocol: net.SchemeTCP},
		&net.Component{Protocol: net.SchemeUDP},
		&mqtt.Component{},
		&sql.Component{},
		&redis.Component{},
		&nats.Component{},
		&kafka.Component{},
		&rabbitmq.Component{},
		&sqs.Component{},
		&ssh.Component{},
		&watermill.Component{},
	}
}

var _ endpoint.Registry = (*ComponentRegistry)(nil)

// ComponentRegistry maps schemes to components and caches resolved endpoints
// by normalized address.
type ComponentRegistry struct {
	config     types.Config
	components map[string]endpoint.Component
	endpoints  map[string]endpoint.Endpoint
	sync.RWMutex
}

// NewRegistry creates an empty registry whose endpoints use config.
func NewRegistry(config types.Config) *ComponentRegistry {
	return &ComponentRegistry{
		config:     config,
		components: make(map[string]endpoint.Component),
		endpoints:  make(map[string]endpoint.Endpoint),
	}
}

// Config is the runtime configuration handed to endpoints.
func (r *ComponentRegistry) Config() types.Config {
	return r.config
}

// Register adds a component.
func (r *ComponentRegistry) Register(component endpoint.Component) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.components[component.Scheme()]; ok {
		return fmt.Errorf("the component already exists. scheme=%s", component.Scheme())
	}
	r.components[component.Scheme()] = component
	return nil
}

// Unregister removes a component. Endpoints already resolved stay cached.
func (r *ComponentRegistry) Unregister(scheme string) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.components[scheme]; !ok {
		return fmt.Errorf("component not found. scheme=%s", scheme)
	}
	delete(r.components, scheme)
	return nil
}

// Get returns the component serving scheme.
func (r *ComponentRegistry) Get(scheme string) (endpoint.Component, bool) {
	r.RLock()
	defer r.RUnlock()
	c, ok := r.components[scheme]
	return c, ok
}

// Components returns the registered schemes, sorted.
func (r *ComponentRegistry) Components() []string {
	r.RLock()
	defer r.RUnlock()
	schemes := make([]string, 0, len(r.components))
	for k := range r.components {
		schemes = append(schemes, k)
	}
	sort.Strings(schemes)
	return schemes
}

// Resolve parses address, merges params and returns the endpoint for the
// normalized result. Resolving an equal address again returns the cached instance.
// No backend connection is made.
func (r *ComponentRegistry) Resolve(address string, params map[string]interface{}) (endpoint.Endpoint, error) {
	addr, err := endpoint.ParseAddress(address, params)
	if err != nil {
		return nil, err
	}
	key := addr.String()
	r.RLock()
	ep, ok := r.endpoints[key]
	component, found := r.components[addr.Scheme]
	r.RUnlock()
	if ok {
		return ep, nil
	}
	if !found {
		return nil, types.NewConfigurationError(key, "scheme", "component not found. scheme=%s", addr.Scheme)
	}
	created, err := component.CreateEndpoint(addr.Copy(), r.config)
	if err != nil {
		return nil, err
	}
	r.Lock()
	defer r.Unlock()
	if ep, ok := r.endpoints[key]; ok {
		return ep, nil
	}
	r.endpoints[key] = created
	return created, nil
}

// Endpoints returns the cached endpoints keyed by normalized address.
func (r *ComponentRegistry) Endpoints() map[string]endpoint.Endpoint {
	r.RLock()
	defer r.RUnlock()
	m := make(map[string]endpoint.Endpoint, len(r.endpoints))
	for k, v := range r.endpoints {
		m[k] = v
	}
	return m
}

// Remove drops the cached endpoint of address. It reports whether one was cached.
// An endpoint still referenced by adapters keeps running until they stop.
func (r *ComponentRegistry) Remove(address string) bool {
	addr, err := endpoint.ParseAddress(address, nil)
	if err != nil {
		return false
	}
	r.Lock()
	defer r.Unlock()
	key := addr.String()
	if _, ok := r.endpoints[key]; !ok {
		return false
	}
	delete(r.endpoints, key)
	return true
}

// Stop releases every reference left on the cached endpoints and clears the cache.
func (r *ComponentRegistry) Stop() {
	r.Lock()
	endpoints := r.endpoints
	r.endpoints = make(map[string]endpoint.Endpoint)
	r.Unlock()
	for key, ep := range endpoints {
		for ep.Refs() > 0 {
			if err := ep.Stop(); err != nil {
				r.config.Printf("endpoint %s stop error: %v", key, err)
				break
			}
		}
	}
}
