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

package aspect

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rulego/relay/api/types/endpoint"
)

// Registry holds the aspects routes can reference by name.
var Registry = &AspectRegistry{factories: map[string]func() endpoint.Aspect{
	"debug":    func() endpoint.Aspect { return &Debug{} },
	"limiter":  func() endpoint.Aspect { return NewConcurrencyLimiterAspect(DefaultMaxConcurrency) },
	"fallback": func() endpoint.Aspect { return NewSkipFallbackAspect(0, 0) },
	"metrics":  func() endpoint.Aspect { return NewMetricsAspect(nil, nil) },
	"tracing":  func() endpoint.Aspect { return &Tracing{} },
}}

// AspectRegistry maps names to aspect factories.
type AspectRegistry struct {
	factories map[string]func() endpoint.Aspect
	lock      sync.RWMutex
}

// Register adds or replaces a factory.
func (r *AspectRegistry) Register(name string, factory func() endpoint.Aspect) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories[name] = factory
}

// New creates a fresh aspect.
func (r *AspectRegistry) New(name string) (endpoint.Aspect, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("aspect not found. name=%s", name)
	}
	return factory(), nil
}

// Names returns the registered names, sorted.
func (r *AspectRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
