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

// Package log writes exchanges to the configured logger. It only produces.
//
//	log:orders?showHeaders=true&groupSize=100
package log

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/rulego/relay/endpoint/impl"
)

const Scheme = "log"

// Config is bound from the address.
type Config struct {
	Name string `mapstructure:"name" required:"true"`
	// ShowHeaders includes the In headers.
	ShowHeaders bool `mapstructure:"showHeaders"`
	// ShowBody includes the body.
	ShowBody bool `mapstructure:"showBody"`
	// GroupSize logs a throughput line every GroupSize exchanges instead of each exchange.
	GroupSize int `mapstructure:"groupSize"`
	// MaxChars truncates the body.
	MaxChars int `mapstructure:"maxChars"`
}

type Component struct{}

var _ endpoint.Component = (*Component)(nil)

func (c *Component) Scheme() string {
	return Scheme
}

func (c *Component) CreateEndpoint(address endpoint.Address, config types.Config) (endpoint.Endpoint, error) {
	conf := Config{ShowBody: true, MaxChars: 10000}
	if err := impl.Bind(c, address, config, "name", &conf); err != nil {
		return nil, err
	}
	ep := &Endpoint{conf: conf, groupStart: time.Now()}
	ep.Init(address, config, conf)
	return ep, nil
}

// Endpoint is a log:name endpoint.
type Endpoint struct {
	impl.BaseEndpoint
	conf Config

	mu         sync.Mutex
	count      int64
	groupStart time.Time
}

// Count returns the number of exchanges logged.
func (e *Endpoint) Count() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *Endpoint) CreateProducer() (endpoint.Producer, error) {
	return impl.NewDefaultProducer(e, func(exchange *types.Exchange) error {
		if line, ok := e.format(exchange); ok {
			e.Config().Printf("%s", line)
		}
		return nil
	}), nil
}

func (e *Endpoint) format(exchange *types.Exchange) (string, bool) {
	e.mu.Lock()
	e.count++
	count := e.count
	if e.conf.GroupSize > 0 {
		if count%int64(e.conf.GroupSize) != 0 {
			e.mu.Unlock()
			return "", false
		}
		elapsed := time.Since(e.groupStart)
		e.groupStart = time.Now()
		e.mu.Unlock()
		rate := float64(e.conf.GroupSize) / elapsed.Seconds()
		return fmt.Sprintf("[%s] received %d exchanges, last group of %d took %v (%.2f/s)", e.conf.Name, count, e.conf.GroupSize, elapsed, rate), true
	}
	e.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(e.conf.Name)
	sb.WriteString("] exchange=")
	sb.WriteString(exchange.Id())
	sb.WriteString(" pattern=")
	sb.WriteString(exchange.Pattern().String())
	if e.conf.ShowHeaders {
		values := exchange.In().Headers().Values()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" headers={")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, values[k])
		}
		sb.WriteString("}")
	}
	if e.conf.ShowBody {
		body := exchange.In().BodyString()
		if e.conf.MaxChars > 0 && len(body) > e.conf.MaxChars {
			body = body[:e.conf.MaxChars] + "..."
		}
		sb.WriteString(" body=")
		sb.WriteString(body)
	}
	return sb.String(), true
}
