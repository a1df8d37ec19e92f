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

// RoutesDsl is the file format loaded by the relay command: global properties
// and route definitions. YAML and JSON are both accepted.
type RoutesDsl struct {
	// Properties are readable as ${global.key} in addresses and processor configuration.
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	Routes     []RouteDsl        `json:"routes" yaml:"routes"`
}

// RouteDsl defines one route.
type RouteDsl struct {
	Id string `json:"id" yaml:"id"`
	// From is the consumer address, e.g. "queue:orders?pollInterval=500".
	From string `json:"from" yaml:"from"`
	// Processors run before the producer.
	Processors []ProcessorDsl `json:"processors,omitempty" yaml:"processors,omitempty"`
	// To is the producer address. It may contain ${header.x} placeholders.
	To string `json:"to,omitempty" yaml:"to,omitempty"`
	// ToProcessors run after the producer completed without a fault.
	ToProcessors []ProcessorDsl `json:"toProcessors,omitempty" yaml:"toProcessors,omitempty"`
	// Aspects are registered aspect names, e.g. "metrics" or "tracing".
	Aspects  []string `json:"aspects,omitempty" yaml:"aspects,omitempty"`
	Disabled bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ProcessorDsl references a registered processor type and its configuration.
type ProcessorDsl struct {
	Type          string                 `json:"type" yaml:"type"`
	Configuration map[string]interface{} `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}
