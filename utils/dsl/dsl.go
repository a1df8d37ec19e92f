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

// Package dsl parses route definition files.
package dsl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rulego/relay/api/types"
	"gopkg.in/yaml.v3"
)

var varPattern = "${%s."

// ParseRoutes decodes a YAML or JSON route file and checks every route has an id
// and a from address. Route ids must be unique.
func ParseRoutes(b []byte) (types.RoutesDsl, error) {
	var def types.RoutesDsl
	if err := yaml.Unmarshal(b, &def); err != nil {
		return def, err
	}
	seen := make(map[string]struct{}, len(def.Routes))
	for i, r := range def.Routes {
		if strings.TrimSpace(r.From) == "" {
			return def, fmt.Errorf("route %d: from is required", i)
		}
		if r.Id == "" {
			def.Routes[i].Id = fmt.Sprintf("route%d", i+1)
		}
		id := def.Routes[i].Id
		if _, ok := seen[id]; ok {
			return def, fmt.Errorf("route id %s is duplicated", id)
		}
		seen[id] = struct{}{}
	}
	return def, nil
}

// ParseVars returns the sorted names referenced as ${varPrefix.name} in the
// addresses and string processor settings of def.
func ParseVars(varPrefix string, def types.RoutesDsl) []string {
	merged := make(map[string]struct{})
	collect := func(s string) {
		for _, v := range parseVarsWithBraces(varPrefix, s) {
			merged[v] = struct{}{}
		}
	}
	for _, r := range def.Routes {
		collect(r.From)
		collect(r.To)
		for _, p := range append(append([]types.ProcessorDsl{}, r.Processors...), r.ToProcessors...) {
			for _, v := range p.Configuration {
				if s, ok := v.(string); ok {
					collect(s)
				}
			}
		}
	}
	result := make([]string, 0, len(merged))
	for v := range merged {
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}

func parseVarsWithBraces(varPrefix, s string) []string {
	var vars []string
	prefix := fmt.Sprintf(varPattern, varPrefix)
	for {
		start := strings.Index(s, prefix)
		if start < 0 {
			return vars
		}
		s = s[start+len(prefix):]
		end := strings.Index(s, "}")
		if end < 0 {
			return vars
		}
		if name := strings.TrimSpace(s[:end]); name != "" {
			vars = append(vars, name)
		}
		s = s[end+1:]
	}
}
