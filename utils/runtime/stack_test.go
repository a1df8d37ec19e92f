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

package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStack(t *testing.T) {
	stackTrace := Stack()
	assert.True(t, strings.Contains(stackTrace, "testing.go"))
	assert.True(t, strings.Contains(stackTrace, ":"))
}

func TestPanicError(t *testing.T) {
	boom := errors.New("boom")
	var err error
	func() {
		defer func() {
			err = PanicError(recover())
		}()
		panic(boom)
	}()
	assert.True(t, errors.Is(err, boom))
	assert.True(t, strings.HasPrefix(err.Error(), "panic: boom"))

	err = PanicError("text")
	assert.True(t, strings.HasPrefix(err.Error(), "panic: text"))
}
