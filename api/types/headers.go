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

import (
	"sync"

	"github.com/rulego/relay/utils/cast"
)

// Headers is a case-sensitive mapping from name to value.
// Lookup ignores order; Range and CopyTo follow insertion order.
type Headers struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]interface{}
}

// NewHeaders creates empty headers.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string]interface{})}
}

// NewHeadersFrom creates headers from a map. Keys are inserted in map iteration order.
func NewHeadersFrom(m map[string]interface{}) *Headers {
	h := NewHeaders()
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// Set stores value under key. Re-setting an existing key keeps its position.
func (h *Headers) Set(key string, value interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Get returns the value of key.
func (h *Headers) Get(key string) (interface{}, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.values[key]
	return v, ok
}

// GetString returns the value of key converted to a string, or "" if absent.
func (h *Headers) GetString(key string) string {
	if v, ok := h.Get(key); ok {
		return cast.ToString(v)
	}
	return ""
}

// GetInt64 returns the value of key converted to an int64, or 0 if absent.
func (h *Headers) GetInt64(key string) int64 {
	if v, ok := h.Get(key); ok {
		return cast.ToInt64(v)
	}
	return 0
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Del removes key.
func (h *Headers) Del(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of headers.
func (h *Headers) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.keys)
}

// Keys returns the header names in insertion order.
func (h *Headers) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, len(h.keys))
	copy(keys, h.keys)
	return keys
}

// Range calls fn for each header in insertion order until fn returns false.
func (h *Headers) Range(fn func(key string, value interface{}) bool) {
	for _, k := range h.Keys() {
		v, ok := h.Get(k)
		if !ok {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}

// CopyTo sets every header on dst, in insertion order.
func (h *Headers) CopyTo(dst *Headers) {
	h.Range(func(key string, value interface{}) bool {
		dst.Set(key, value)
		return true
	})
}

// Values returns a snapshot map of the headers.
func (h *Headers) Values() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := make(map[string]interface{}, len(h.values))
	for k, v := range h.values {
		m[k] = v
	}
	return m
}

// Copy returns an independent copy.
func (h *Headers) Copy() *Headers {
	c := NewHeaders()
	h.CopyTo(c)
	return c
}
