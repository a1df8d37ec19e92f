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

// Package impl provides the building blocks components are assembled from:
// BaseEndpoint, DefaultConsumer, DefaultProducer, ScheduledPollConsumer,
// ReconnectPolicy, StreamDispatcher and the route pipeline.
package impl

import (
	"strings"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/utils/maps"
	"github.com/rulego/relay/utils/str"
)

// BaseEndpoint implements the reference-counted lifecycle shared by all endpoints.
// Components embed it and set OnStart and OnStop before the endpoint is used.
type BaseEndpoint struct {
	address       endpoint.Address
	config        types.Config
	configuration interface{}

	mu   sync.Mutex
	refs int
	// OnStart runs on the first Start.
	OnStart func() error
	// OnStop runs when the last reference is released.
	OnStop func() error
}

// Init sets the resolved address and configuration.
func (e *BaseEndpoint) Init(address endpoint.Address, config types.Config, configuration interface{}) {
	e.address = address
	e.config = config
	e.configuration = configuration
}

func (e *BaseEndpoint) Address() string {
	return e.address.String()
}

// Addr returns the parsed address.
func (e *BaseEndpoint) Addr() endpoint.Address {
	return e.address
}

func (e *BaseEndpoint) Scheme() string {
	return e.address.Scheme
}

func (e *BaseEndpoint) Configuration() interface{} {
	return e.configuration
}

func (e *BaseEndpoint) Config() types.Config {
	return e.config
}

// Start takes a reference, running OnStart for the first one.
func (e *BaseEndpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 && e.OnStart != nil {
		if err := e.OnStart(); err != nil {
			return err
		}
	}
	e.refs++
	return nil
}

// Stop releases a reference, running OnStop for the last one. Extra calls are no-ops.
func (e *BaseEndpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs == 0 && e.OnStop != nil {
		return e.OnStop()
	}
	return nil
}

func (e *BaseEndpoint) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// CreateProducer is the default for consumer-only endpoints.
func (e *BaseEndpoint) CreateProducer() (endpoint.Producer, error) {
	return nil, types.NewConfigurationError(e.Address(), "", "%s endpoints cannot produce", e.Scheme())
}

// CreateConsumer is the default for producer-only endpoints.
func (e *BaseEndpoint) CreateConsumer(processor types.Processor) (endpoint.Consumer, error) {
	return nil, types.NewConfigurationError(e.Address(), "", "%s endpoints cannot consume", e.Scheme())
}

// Bind decodes the address parameters into out. The address path is bound to the
// field named pathKey. ${global.key} placeholders are expanded from config.Properties.
// Unknown parameters fail unless the component is lenient or strict mode is off;
// fields tagged `required:"true"` that remain zero fail with the missing key.
func Bind(component endpoint.Component, address endpoint.Address, config types.Config, pathKey string, out interface{}) error {
	values := address.Values(pathKey)
	for k, v := range values {
		if s, ok := v.(string); ok && strings.Contains(s, "${"+types.Global+".") {
			values[k] = str.SprintfDict(s, globalDict(config))
		}
	}
	unused, err := maps.Bind(values, out)
	if err != nil {
		return types.NewConfigurationError(address.String(), "", "%v", err)
	}
	lenient := !config.StrictParameters
	if lc, ok := component.(endpoint.LenientComponent); ok && lc.Lenient() {
		lenient = true
	}
	if len(unused) > 0 && !lenient {
		return types.NewConfigurationError(address.String(), unused[0], "unknown parameter, known parameters are declared by the %s component", address.Scheme)
	}
	if missing := maps.MissingRequired(out); len(missing) > 0 {
		return types.NewMissingParameterError(address.String(), missing[0])
	}
	return nil
}

func globalDict(config types.Config) map[string]string {
	dict := make(map[string]string, len(config.Properties))
	for k, v := range config.Properties {
		dict[types.Global+"."+k] = v
	}
	return dict
}
