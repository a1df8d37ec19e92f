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

// Package el evaluates ${...} templates with expr expressions.
package el

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rulego/relay/builtin/funcs"
	"github.com/rulego/relay/utils/cast"
)

var varRegex = regexp.MustCompile(`\$\{([^}]*)\}`)

// Template evaluates against a data map such as {"header": ..., "body": ...}.
type Template interface {
	Execute(data map[string]any) (interface{}, error)
	// HasVar reports whether the template references data.
	HasVar() bool
}

// NewTemplate returns an ExprTemplate for "${expr}", a MixedTemplate for strings
// mixing text and placeholders, and a constant template otherwise.
func NewTemplate(tmpl any) (Template, error) {
	s, ok := tmpl.(string)
	if !ok {
		return &AnyTemplate{Tmpl: tmpl}, nil
	}
	trimmed := strings.TrimSpace(s)
	if loc := varRegex.FindStringIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		return NewExprTemplate(trimmed[2 : len(trimmed)-1])
	}
	if varRegex.MatchString(s) {
		return NewMixedTemplate(s)
	}
	return &AnyTemplate{Tmpl: s}, nil
}

// ExprTemplate is a single expr expression. Its result keeps its type.
type ExprTemplate struct {
	Expr    string
	Program *vm.Program
}

// NewExprTemplate compiles expression. Undefined variables evaluate to nil.
func NewExprTemplate(expression string) (*ExprTemplate, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return &ExprTemplate{Expr: expression, Program: program}, nil
}

func (t *ExprTemplate) Execute(data map[string]any) (interface{}, error) {
	return expr.Run(t.Program, withFuncs(data))
}

func (t *ExprTemplate) HasVar() bool {
	return true
}

// AnyTemplate returns its value unchanged.
type AnyTemplate struct {
	Tmpl any
}

func (t *AnyTemplate) Execute(data map[string]any) (interface{}, error) {
	return t.Tmpl, nil
}

func (t *AnyTemplate) HasVar() bool {
	return false
}

// MixedTemplate renders text with ${...} placeholders, e.g. "orders/${header.region}".
type MixedTemplate struct {
	Tmpl  string
	parts []mixedPart
}

type mixedPart struct {
	text    string
	program *vm.Program
}

func NewMixedTemplate(tmpl string) (*MixedTemplate, error) {
	t := &MixedTemplate{Tmpl: tmpl}
	last := 0
	for _, m := range varRegex.FindAllStringSubmatchIndex(tmpl, -1) {
		if m[0] > last {
			t.parts = append(t.parts, mixedPart{text: tmpl[last:m[0]]})
		}
		program, err := expr.Compile(tmpl[m[2]:m[3]], expr.AllowUndefinedVariables())
		if err != nil {
			return nil, err
		}
		t.parts = append(t.parts, mixedPart{program: program})
		last = m[1]
	}
	if last < len(tmpl) {
		t.parts = append(t.parts, mixedPart{text: tmpl[last:]})
	}
	return t, nil
}

func (t *MixedTemplate) Execute(data map[string]any) (interface{}, error) {
	env := withFuncs(data)
	var sb strings.Builder
	for _, p := range t.parts {
		if p.program == nil {
			sb.WriteString(p.text)
			continue
		}
		v, err := expr.Run(p.program, env)
		if err != nil {
			return nil, err
		}
		if v != nil {
			sb.WriteString(cast.ToString(v))
		}
	}
	return sb.String(), nil
}

func (t *MixedTemplate) HasVar() bool {
	return true
}

// ExecuteAsString renders the template, returning "" on error.
func ExecuteAsString(t Template, data map[string]any) string {
	v, err := t.Execute(data)
	if err != nil || v == nil {
		return ""
	}
	return cast.ToString(v)
}

func withFuncs(data map[string]any) map[string]any {
	env := funcs.TemplateFunc.GetAll()
	for k, v := range data {
		env[k] = v
	}
	return env
}
