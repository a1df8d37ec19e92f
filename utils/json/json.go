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

// Package json is the JSON codec used for bodies and DSL documents.
package json

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal encodes v.
func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent encodes v with indentation.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal json data to v.
func Unmarshal(b []byte, v interface{}) error {
	return api.Unmarshal(b, v)
}

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v interface{}) error {
	return api.NewEncoder(w).Encode(v)
}

// Decode reads the next JSON value from r into v.
func Decode(r io.Reader, v interface{}) error {
	return api.NewDecoder(r).Decode(v)
}

// Valid reports whether b is a valid JSON document.
func Valid(b []byte) bool {
	return api.Valid(b)
}
