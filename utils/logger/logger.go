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

// Package logger builds zap loggers and adapts them to types.Logger.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rulego/relay/api/types"
)

// Config selects the zap output.
type Config struct {
	// Level is debug, info, warn or error. Default info.
	Level string `yaml:"level"`
	// Format is json or console. Default console.
	Format string `yaml:"format"`
	// Development enables zap development mode.
	Development bool `yaml:"development"`
}

// New builds a zap logger writing to stderr.
func New(c Config) (*zap.Logger, error) {
	var zc zap.Config
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(parseLevel(c.Level))
	switch strings.ToLower(c.Format) {
	case "json":
		zc.Encoding = "json"
	default:
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zc.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// ZapLogger writes Printf records at info level.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ types.Logger = (*ZapLogger)(nil)

// NewZapLogger adapts l. A nil l uses zap.L().
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.L()
	}
	return &ZapLogger{sugar: l.WithOptions(zap.AddCallerSkip(2)).Sugar()}
}

func (z *ZapLogger) Printf(format string, v ...interface{}) {
	z.sugar.Infof(format, v...)
}

// Sync flushes buffered records.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}

// EventLogger returns an event listener logging every endpoint event.
// Events carrying an error are logged at warn level.
func EventLogger(l *zap.Logger) types.OnEvent {
	if l == nil {
		l = zap.L()
	}
	return func(event types.Event) {
		fields := []zap.Field{zap.String("event", event.Name), zap.String("address", event.Address)}
		if event.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", event.Attempt))
		}
		if event.Err != nil {
			l.Warn("endpoint event", append(fields, zap.Error(event.Err))...)
			return
		}
		l.Debug("endpoint event", fields...)
	}
}
