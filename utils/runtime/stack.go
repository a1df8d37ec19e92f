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

// Package runtime formats stack traces for recovered panics.
package runtime

import (
	"fmt"
	"runtime"
	"strings"
)

// Stack returns the caller's stack, one "file:line function" entry per line.
func Stack() string {
	pc := make([]uintptr, 32)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, " %s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}

// PanicError converts a recovered value into an error carrying the stack.
func PanicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w\n%s", err, Stack())
	}
	return fmt.Errorf("panic: %v\n%s", r, Stack())
}
