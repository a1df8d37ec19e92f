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
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by who must act on it.
type Kind int

const (
	// KindUnknown is an unclassified error. Producers treat it like a connectivity error.
	KindUnknown Kind = iota
	// KindConfiguration is a missing or invalid parameter detected at resolution time.
	KindConfiguration
	// KindConnectivity is a transient backend unreachability.
	KindConnectivity
	// KindProtocol means the backend rejected the operation.
	KindProtocol
	// KindProgrammer is a missing header or body, or an unknown operation.
	KindProgrammer
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindProtocol:
		return "protocol"
	case KindProgrammer:
		return "programmer"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnectivity  = errors.New("connectivity error")
	ErrProtocol      = errors.New("protocol error")
	ErrProgrammer    = errors.New("programmer error")
)

// Error is the error type of the mediation core.
type Error struct {
	Kind Kind
	// Op is the operation being performed, e.g. "resolve", "publish", "SET".
	Op string
	// Address is the normalized endpoint address, if known.
	Address string
	// Key is the offending parameter or header name.
	Key string
	// Code is the backend error or status code, if any.
	Code string
	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" op=")
		b.WriteString(e.Op)
	}
	if e.Address != "" {
		b.WriteString(" address=")
		b.WriteString(e.Address)
	}
	if e.Key != "" {
		b.WriteString(" key=")
		b.WriteString(e.Key)
	}
	if e.Code != "" {
		b.WriteString(" code=")
		b.WriteString(e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrConnectivity:
		return e.Kind == KindConnectivity
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrProgrammer:
		return e.Kind == KindProgrammer
	}
	return false
}

// NewConfigurationError reports an invalid parameter key.
func NewConfigurationError(address, key string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Op: "resolve", Address: address, Key: key, Err: fmt.Errorf(format, args...)}
}

// NewMissingParameterError reports a required parameter that was not supplied.
func NewMissingParameterError(address, key string) *Error {
	return &Error{Kind: KindConfiguration, Op: "resolve", Address: address, Key: key, Err: errors.New("missing required parameter")}
}

// NewConnectivityError wraps a transient backend failure.
func NewConnectivityError(op string, err error) *Error {
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

// NewProtocolError wraps a backend rejection with its backend code.
func NewProtocolError(op, code string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Code: code, Err: err}
}

// NewProgrammerError reports a missing header or body, or an unknown operation.
func NewProgrammerError(op, key string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindProgrammer, Op: op, Key: key, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err may abort the caller's control flow.
// Only configuration and programmer errors are fatal; everything else belongs in a fault.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindConfiguration || k == KindProgrammer
}
