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

package log

import (
	"bytes"
	"context"
	stdlog "log"
	"strings"
	"testing"

	"github.com/rulego/relay/api/types"
	"github.com/rulego/relay/api/types/endpoint"
	"github.com/stretchr/testify/assert"
)

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	config := types.NewConfig(types.WithLogger(stdlog.New(&buf, "", 0)))
	ep, err := (&Component{}).CreateEndpoint(endpoint.MustParseAddress("log:orders?showHeaders=true&maxChars=5"), config)
	assert.Nil(t, err)
	producer, _ := ep.CreateProducer()
	ex := types.NewExchange(context.Background(), types.InOnly)
	ex.In().SetHeader("b", 2)
	ex.In().SetHeader("a", 1)
	ex.In().SetBody("0123456789")
	assert.Nil(t, producer.Process(ex))
	line := buf.String()
	assert.True(t, strings.Contains(line, "[orders]"))
	assert.True(t, strings.Contains(line, "headers={a=1, b=2}"))
	assert.True(t, strings.Contains(line, "body=01234..."))
}

func TestLogGroup(t *testing.T) {
	var buf bytes.Buffer
	config := types.NewConfig(types.WithLogger(stdlog.New(&buf, "", 0)))
	ep, _ := (&Component{}).CreateEndpoint(endpoint.MustParseAddress("log:bulk?groupSize=3"), config)
	producer, _ := ep.CreateProducer()
	for i := 0; i < 7; i++ {
		assert.Nil(t, producer.Process(types.NewExchange(context.Background(), types.InOnly)))
	}
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	assert.Equal(t, int64(7), ep.(*Endpoint).Count())
}
