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

package sql

import (
	"fmt"
	"strings"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/utils/str"
)

const (
	SELECT = "SELECT"
	UPDATE = "UPDATE"
	INSERT = "INSERT"
	DELETE = "DELETE"
)

// statement is a query whose # and :#name placeholders were rewritten for the driver.
type statement struct {
	text string
	op   string
	// params lists one entry per placeholder. An empty name is positional.
	params []string
}

// compile rewrites # (positional) and :#name (named) placeholders, skipping quoted literals.
func compile(query, driverName string) (*statement, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty sql statement")
	}
	st := &statement{op: getOpType(query)}
	if err := checkOpType(st.op, query); err != nil {
		return nil, err
	}
	var b strings.Builder
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			b.WriteByte(ch)
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
			b.WriteByte(ch)
		case ch == ':' && i+1 < len(query) && query[i+1] == '#':
			j := i + 2
			for j < len(query) && isNameChar(query[j]) {
				j++
			}
			if j == i+2 {
				return nil, fmt.Errorf("empty parameter name at offset %d", i)
			}
			st.params = append(st.params, query[i+2:j])
			b.WriteByte('?')
			i = j - 1
		case ch == '#':
			st.params = append(st.params, "")
			b.WriteByte('?')
		default:
			b.WriteByte(ch)
		}
	}
	st.text = str.ConvertDollarPlaceholder(b.String(), driverName)
	return st, nil
}

func isNameChar(ch byte) bool {
	return ch == '_' || ch == '.' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// args resolves the placeholder values. Named parameters are looked up in named,
// positional ones are taken from positional in order.
func (s *statement) args(named func(name string) (interface{}, bool), positional []interface{}) ([]interface{}, error) {
	args := make([]interface{}, 0, len(s.params))
	next := 0
	for _, name := range s.params {
		if name == "" {
			if next >= len(positional) {
				return nil, types.NewProgrammerError("sql", HeaderParameters, "statement expects more than %d positional parameters", len(positional))
			}
			args = append(args, positional[next])
			next++
			continue
		}
		v, ok := named(name)
		if !ok {
			return nil, types.NewProgrammerError("sql", name, "parameter %s is required", name)
		}
		args = append(args, v)
	}
	return args, nil
}

func getOpType(sql string) string {
	words := strings.Fields(sql)
	if len(words) == 0 {
		return ""
	}
	return strings.ToUpper(words[0])
}

func checkOpType(opType string, sql string) error {
	switch opType {
	case SELECT, UPDATE, INSERT, DELETE:
		return nil
	default:
		return fmt.Errorf("unsupported sql statement: %s", sql)
	}
}
