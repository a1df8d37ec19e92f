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

// Package processor holds the route steps route definitions can reference by type.
//
//	processors:
//	  - type: setHeader
//	    configuration:
//	      name: region
//	      value: ${body.region}
package processor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/utils/maps"
)

// Factory creates a route step from its configuration.
type Factory func(config types.Config, configuration map[string]interface{}) (endpoint.Process, error)

// Registry holds the built-in processors.
var Registry = &ProcessorRegistry{}

func init() {
	Registry.RegisterAll(map[string]Factory{
		"setHeader":    newSetHeader,
		"setBody":      newSetBody,
		"removeHeader": newRemoveHeader,
		"filter":       newFilter,
		"script":       newScript,
		"log":          newLog,
		"json":         newMarshal,
		"unjson":       newUnmarshal,
	})
}

// ProcessorRegistry maps processor types to factories.
type ProcessorRegistry struct {
	factories map[string]Factory
	lock      sync.RWMutex
}

// Register adds or replaces a factory.
func (r *ProcessorRegistry) Register(name string, factory Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = factory
}

// RegisterAll adds or replaces factories.
func (r *ProcessorRegistry) RegisterAll(factories map[string]Factory) {
	for k, v := range factories {
		r.Register(k, v)
	}
}

// Unregister removes factories.
func (r *ProcessorRegistry) Unregister(names ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, name := range names {
		delete(r.factories, name)
	}
}

// New creates the step for processor type name.
func (r *ProcessorRegistry) New(name string, config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	r.lock.RLock()
	factory, ok := r.factories[name]
	r.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("processor not found. type=%s", name)
	}
	process, err := factory(config, configuration)
	if err != nil {
		return nil, types.NewConfigurationError(name, "", "%v", err)
	}
	return process, nil
}

// Names returns the registered types, sorted.
func (r *ProcessorRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func bind(configuration map[string]interface{}, out interface{}) error {
	if configuration == nil {
		configuration = map[string]interface{}{}
	}
	if err := maps.Map2Struct(configuration, out); err != nil {
		return err
	}
	if missing := maps.MissingRequired(out); len(missing) > 0 {
		return fmt.Errorf("%s is required", missing[0])
	}
	return nil
}
