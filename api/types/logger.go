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

package types

import (
	"io"
	"log"
	"os"
)

// Logger is the logging interface used by every component.
// *log.Logger satisfies it; utils/logger adapts zap.
type Logger interface {
	Printf(format string, v ...interface{})
}

var _ Logger = &log.Logger{}

// DefaultLogger returns a `Logger` implementation writing to stdout.
func DefaultLogger() *log.Logger {
	return log.New(os.Stdout, "", log.LstdFlags)
}

// DiscardLogger drops every record. Useful in tests.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// NewLogger returns custom, or the default logger when custom is nil.
func NewLogger(custom Logger) Logger {
	if custom != nil {
		return custom
	}
	return DefaultLogger()
}
