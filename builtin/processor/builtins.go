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

package processor

import (
	"strings"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
	"github.com/rulego/relay/utils/cast"
	"github.com/rulego/relay/utils/el"
	"github.com/rulego/relay/utils/js"
	"github.com/rulego/relay/utils/json"
)

// HeaderConfiguration configures setHeader and removeHeader.
type HeaderConfiguration struct {
	Name string `mapstructure:"name" required:"true"`
	// Value may be a ${...} expression over id, header, body and global.
	Value interface{} `mapstructure:"value"`
}

func newSetHeader(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	var c HeaderConfiguration
	if err := bind(configuration, &c); err != nil {
		return nil, err
	}
	tmpl, err := el.NewTemplate(c.Value)
	if err != nil {
		return nil, err
	}
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		v, err := evaluate(config, tmpl, exchange)
		if err != nil {
			exchange.Fail(types.NewProgrammerError("setHeader", c.Name, "%v", err), "setHeader")
			return false
		}
		exchange.In().SetHeader(c.Name, v)
		return true
	}, nil
}

type bodyConfiguration struct {
	Value interface{} `mapstructure:"value" required:"true"`
}

func newSetBody(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	var c bodyConfiguration
	if err := bind(configuration, &c); err != nil {
		return nil, err
	}
	tmpl, err := el.NewTemplate(c.Value)
	if err != nil {
		return nil, err
	}
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		v, err := evaluate(config, tmpl, exchange)
		if err != nil {
			exchange.Fail(types.NewProgrammerError("setBody", "value", "%v", err), "setBody")
			return false
		}
		exchange.In().SetBody(v)
		return true
	}, nil
}

type removeHeaderConfiguration struct {
	// Names is a list or a comma separated string.
	Names []string `mapstructure:"names" required:"true"`
}

func newRemoveHeader(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	if name, ok := configuration["name"]; ok {
		configuration = map[string]interface{}{"names": name}
	}
	var c removeHeaderConfiguration
	if err := bind(configuration, &c); err != nil {
		return nil, err
	}
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		for _, name := range c.Names {
			exchange.In().Headers().Del(strings.TrimSpace(name))
		}
		return true
	}, nil
}

// FilterConfiguration configures filter.
type FilterConfiguration struct {
	// Expr is an expr expression, e.g. header.type == "order" && body.amount > 10.
	Expr string `mapstructure:"expr" required:"true"`
}

func newFilter(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	var c FilterConfiguration
	if err := bind(configuration, &c); err != nil {
		return nil, err
	}
	expression := strings.TrimSpace(c.Expr)
	if strings.HasPrefix(expression, "${") && strings.HasSuffix(expression, "}") {
		expression = expression[2 : len(expression)-1]
	}
	tmpl, err := el.NewExprTemplate(expression)
	if err != nil {
		return nil, err
	}
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		v, err := evaluate(config, tmpl, exchange)
		if err != nil {
			exchange.Fail(types.NewProgrammerError("filter", "expr", "%v", err), "filter")
			return false
		}
		return cast.ToBool(v)
	}, nil
}

// ScriptConfiguration configures script.
type ScriptConfiguration struct {
	// Script defines Function(body, headers). Its return value replaces the body;
	// returning undefined keeps it and returning false stops the exchange.
	Script           string        `mapstructure:"script" required:"true"`
	Function         string        `mapstructure:"function"`
	MaxExecutionTime time.Duration `mapstructure:"maxExecutionTime"`
}

func newScript(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	c := ScriptConfiguration{Function: "process", MaxExecutionTime: 2 * time.Second}
	if err := bind(configuration, &c); err != nil {
		return nil, err
	}
	engine, err := js.NewGojaJsEngine(config, c.Script, nil, c.MaxExecutionTime)
	if err != nil {
		return nil, err
	}
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		in := exchange.In()
		out, err := engine.Execute(exchange.Context(), c.Function, scriptBody(in), in.Headers().Values())
		if err != nil {
			exchange.Fail(types.NewProgrammerError("script", c.Function, "%v", err), "script")
			return false
		}
		switch v := out.(type) {
		case nil:
		case bool:
			return v
		default:
			in.SetBody(v)
		}
		return true
	}, nil
}

// scriptBody decodes JSON bodies so scripts see objects.
func scriptBody(m *types.Message) interface{} {
	var b []byte
	switch body := m.Body().(type) {
	case []byte:
		b = body
	case string:
		b = []byte(body)
	default:
		return body
	}
	var v interface{}
	if json.Unmarshal(b, &v) == nil {
		return v
	}
	return m.Body()
}

type logConfiguration struct {
	// Message may contain ${...} placeholders. Empty logs the body.
	Message string `mapstructure:"message"`
}

func newLog(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	var c logConfiguration
	if err := bind(configuration, &c); err != nil {
		return nil, err
	}
	var tmpl el.Template
	if c.Message != "" {
		var err error
		if tmpl, err = el.NewTemplate(c.Message); err != nil {
			return nil, err
		}
	}
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		msg := exchange.In().BodyString()
		if tmpl != nil {
			msg = el.ExecuteAsString(tmpl, impl.ExchangeDict(config, exchange))
		}
		config.Printf("route %s exchange %s: %s", router.GetId(), exchange.Id(), msg)
		return true
	}, nil
}

func newMarshal(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		if _, ok := exchange.In().Body().([]byte); ok {
			return true
		}
		b, err := json.Marshal(exchange.In().Body())
		if err != nil {
			exchange.Fail(types.NewProtocolError("json", "", err), "json")
			return false
		}
		exchange.In().SetBody(b)
		return true
	}, nil
}

func newUnmarshal(config types.Config, configuration map[string]interface{}) (endpoint.Process, error) {
	return func(router endpoint.Router, exchange *types.Exchange) bool {
		in := exchange.In()
		var b []byte
		switch body := in.Body().(type) {
		case []byte:
			b = body
		case string:
			b = []byte(body)
		default:
			return true
		}
		var v interface{}
		if err := json.Unmarshal(b, &v); err != nil {
			exchange.Fail(types.NewProtocolError("unjson", "", err), "unjson")
			return false
		}
		in.SetBody(v)
		return true
	}, nil
}

func evaluate(config types.Config, tmpl el.Template, exchange *types.Exchange) (interface{}, error) {
	if !tmpl.HasVar() {
		return tmpl.Execute(nil)
	}
	return tmpl.Execute(impl.ExchangeDict(config, exchange))
}
