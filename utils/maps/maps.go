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

// Package maps binds parameter maps to configuration structs.
package maps

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rulego/relay/utils/cast"
)

// Map2Struct decodes input into output with weak typing. Numeric durations are milliseconds.
func Map2Struct(input interface{}, output interface{}) error {
	_, err := Bind(input, output)
	return err
}

// Bind decodes input into output and returns the input keys output does not declare, sorted.
func Bind(input interface{}, output interface{}) ([]string, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(durationHook, mapstructure.StringToSliceHookFunc(",")),
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           output,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, err
	}
	sort.Strings(md.Unused)
	return md.Unused, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func durationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	return cast.ToDurationE(data)
}

// MissingRequired returns the mapstructure names of fields tagged `required:"true"`
// that still hold their zero value.
func MissingRequired(output interface{}) []string {
	return missingRequired(reflect.Indirect(reflect.ValueOf(output)))
}

func missingRequired(v reflect.Value) []string {
	if v.Kind() != reflect.Struct {
		return nil
	}
	var missing []string
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && v.Field(i).Kind() == reflect.Struct {
			missing = append(missing, missingRequired(v.Field(i))...)
			continue
		}
		if f.Tag.Get("required") != "true" || !v.Field(i).IsZero() {
			continue
		}
		name := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if name == "" {
			name = f.Name
		}
		missing = append(missing, name)
	}
	return missing
}

// Get returns the value at a dotted path such as "body.id", or nil.
func Get(m map[string]interface{}, path string) interface{} {
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			cur = node[part]
		case map[string]string:
			cur = node[part]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}
