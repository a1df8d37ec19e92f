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

// Package str expands ${} placeholders and generates random identifiers.
package str

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/rulego/relay/utils/cast"
	"github.com/rulego/relay/utils/maps"
)

// matches ${aa} or ${aa.bb}
var tplVarRegex = regexp.MustCompile(`\$\{ *([^}]+) *\}`)

// ExecuteTemplate replaces ${key} and ${key.subKey} placeholders with values from dict.
// Unknown placeholders are kept as is.
func ExecuteTemplate(original string, dict map[string]interface{}) string {
	return tplVarRegex.ReplaceAllStringFunc(original, func(s string) string {
		matches := tplVarRegex.FindStringSubmatch(s)
		if len(matches) < 2 {
			return s
		}
		v := maps.Get(dict, strings.TrimSpace(matches[1]))
		if v == nil {
			return s
		}
		return cast.ToString(v)
	})
}

// SprintfDict replaces flat ${key} placeholders with values from dict.
func SprintfDict(original string, dict map[string]string) string {
	return tplVarRegex.ReplaceAllStringFunc(original, func(s string) string {
		matches := tplVarRegex.FindStringSubmatch(s)
		if len(matches) < 2 {
			return s
		}
		if v, ok := dict[strings.TrimSpace(matches[1])]; ok {
			return v
		}
		return s
	})
}

// CheckHasVar reports whether s contains a ${} placeholder.
func CheckHasVar(s string) bool {
	return tplVarRegex.MatchString(s)
}

const randomStrOptions = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomStr returns a random alphanumeric string of length num.
func RandomStr(num int) string {
	var builder strings.Builder
	builder.Grow(num)
	for i := 0; i < num; i++ {
		builder.WriteByte(randomStrOptions[rand.Intn(len(randomStrOptions))])
	}
	return builder.String()
}

// ConvertDollarPlaceholder rewrites ? placeholders to $1, $2... for postgres.
func ConvertDollarPlaceholder(sql, driverName string) string {
	if driverName != "postgres" {
		return sql
	}
	var b strings.Builder
	n := 1
	for _, r := range sql {
		if r == '?' {
			b.WriteString(fmt.Sprintf("$%d", n))
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
