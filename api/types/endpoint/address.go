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
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/utils/cast"
)

// ParamHash is stripped from every address.
const ParamHash = "hash"

var schemeRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*$`)

// Address is a parsed `scheme:path?k=v` string. Build it with ParseAddress.
type Address struct {
	Scheme string
	Path   string
	Params map[string]string
}

// ParseAddress parses raw and merges params into the query parameters; params win.
func ParseAddress(raw string, params map[string]interface{}) (Address, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return Address{}, types.NewConfigurationError(raw, "scheme", "address must be scheme:path")
	}
	addr := Address{Scheme: raw[:idx], Params: make(map[string]string)}
	if !schemeRegex.MatchString(addr.Scheme) {
		return Address{}, types.NewConfigurationError(raw, "scheme", "invalid scheme %q", addr.Scheme)
	}
	rest := strings.TrimPrefix(raw[idx+1:], "//")
	query := ""
	if q := strings.Index(rest, "?"); q >= 0 {
		rest, query = rest[:q], rest[q+1:]
	}
	path, err := url.PathUnescape(rest)
	if err != nil {
		return Address{}, types.NewConfigurationError(raw, "path", "%v", err)
	}
	addr.Path = path
	if query != "" {
		if strings.Contains(query, "&&") {
			return Address{}, types.NewConfigurationError(raw, "", "invalid query, double && separator")
		}
		if strings.HasSuffix(query, "&") {
			return Address{}, types.NewConfigurationError(raw, "", "invalid query, trailing & separator")
		}
		values, err := url.ParseQuery(query)
		if err != nil {
			return Address{}, types.NewConfigurationError(raw, "", "%v", err)
		}
		for k, v := range values {
			if k == "" {
				return Address{}, types.NewConfigurationError(raw, "", "empty parameter name")
			}
			addr.Params[k] = v[len(v)-1]
		}
	}
	for k, v := range params {
		addr.Params[k] = cast.ToString(v)
	}
	delete(addr.Params, ParamHash)
	return addr, nil
}

// MustParseAddress is ParseAddress that panics on error.
func MustParseAddress(raw string) Address {
	addr, err := ParseAddress(raw, nil)
	if err != nil {
		panic(err)
	}
	return addr
}

// String returns the normalized form: parameters sorted by key and escaped.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Scheme)
	b.WriteByte(':')
	b.WriteString(a.Path)
	if len(a.Params) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(a.Params[k]))
	}
	return b.String()
}

// Param returns a query parameter.
func (a Address) Param(key string) (string, bool) {
	v, ok := a.Params[key]
	return v, ok
}

// Values returns the parameters as a map suitable for binding, with the path
// stored under pathKey when pathKey is not empty.
func (a Address) Values(pathKey string) map[string]interface{} {
	m := make(map[string]interface{}, len(a.Params)+1)
	for k, v := range a.Params {
		m[k] = v
	}
	if pathKey != "" && a.Path != "" {
		m[pathKey] = a.Path
	}
	return m
}

// Copy returns an address with its own parameter map.
func (a Address) Copy() Address {
	c := Address{Scheme: a.Scheme, Path: a.Path, Params: make(map[string]string, len(a.Params))}
	for k, v := range a.Params {
		c.Params[k] = v
	}
	return c
}

func (a Address) GoString() string {
	return fmt.Sprintf("endpoint.Address(%s)", a.String())
}
