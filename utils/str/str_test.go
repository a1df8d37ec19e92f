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

package str

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSprintfDict(t *testing.T) {
	dict := map[string]string{
		"name": "Alice",
		"age":  "18",
	}
	s := SprintfDict("Hello, ${name}. You are ${age} years old. ${unknown}", dict)
	assert.Equal(t, "Hello, Alice. You are 18 years old. ${unknown}", s)
}

func TestExecuteTemplate(t *testing.T) {
	dict := map[string]interface{}{
		"header": map[string]interface{}{"topic": "orders"},
		"id":     5,
	}
	assert.Equal(t, "queue:orders-5", ExecuteTemplate("queue:${header.topic}-${ id }", dict))
	assert.Equal(t, "queue:${header.none}", ExecuteTemplate("queue:${header.none}", dict))
	assert.True(t, CheckHasVar("a${b}"))
	assert.False(t, CheckHasVar("queue:orders"))
}

func TestRandomStr(t *testing.T) {
	assert.Equal(t, 8, len(RandomStr(8)))
	assert.NotEqual(t, RandomStr(16), RandomStr(16))
}

func TestConvertDollarPlaceholder(t *testing.T) {
	assert.Equal(t, "select * from t where a=$1 and b=$2", ConvertDollarPlaceholder("select * from t where a=? and b=?", "postgres"))
	assert.Equal(t, "select * from t where a=?", ConvertDollarPlaceholder("select * from t where a=?", "mysql"))
}
