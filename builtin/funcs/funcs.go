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

// Package funcs holds functions made available to processor expressions and scripts.
package funcs

import (
	"strings"
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/utils/json"
)

// TemplateFunc holds functions callable from ${...} expressions.
var TemplateFunc funcMap

// ScriptFunc holds functions callable from script processors.
var ScriptFunc funcMap

func init() {
	TemplateFunc.Register("escape", func(s string) string {
		var replacer = strings.NewReplacer(
			"\\", "\\\\",
			"\"", "\\\"",
			"\n", "\\n",
			"\r", "\\r",
			"\t", "\\t",
		)
		return replacer.Replace(s)
	})
	TemplateFunc.Register("newId", types.NewId)
	TemplateFunc.Register("nowMillis", nowMillis)
	TemplateFunc.Register("toJson", toJson)

	ScriptFunc.Register("newId", types.NewId)
	ScriptFunc.Register("nowMillis", nowMillis)
	ScriptFunc.Register("toJson", toJson)
	ScriptFunc.Register("fromJson", func(s string) (interface{}, error) {
		var v interface{}
		err := json.Unmarshal([]byte(s), &v)
		return v, err
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func toJson(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

type funcMap struct {
	v map[string]any
	sync.RWMutex
}

func (x *funcMap) Register(name string, value any) {
	x.Lock()
	defer x.Unlock()
	if x.v == nil {
		x.v = make(map[string]any)
	}
	x.v[name] = value
}

func (x *funcMap) RegisterAll(values map[string]any) {
	x.Lock()
	defer x.Unlock()
	if x.v == nil {
		x.v = make(map[string]any)
	}
	for k, v := range values {
		x.v[k] = v
	}
}

func (x *funcMap) UnRegister(name string) {
	x.Lock()
	defer x.Unlock()
	delete(x.v, name)
}

func (x *funcMap) Get(name string) (any, bool) {
	x.RLock()
	defer x.RUnlock()
	f, ok := x.v[name]
	return f, ok
}

// GetAll returns a copy of the registered functions.
func (x *funcMap) GetAll() map[string]any {
	x.RLock()
	defer x.RUnlock()
	cp := make(map[string]any, len(x.v))
	for k, v := range x.v {
		cp[k] = v
	}
	return cp
}
