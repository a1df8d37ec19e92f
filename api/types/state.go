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

import "time"

// State is the lifecycle state of an adapter.
type State int32

const (
	Created State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Event names reported through Config.OnEvent.
const (
	EventStarted      = "started"
	EventStopped      = "stopped"
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventReconnect    = "reconnect"
	EventReconnectErr = "reconnectFailed"
	EventPollFailed   = "pollFailed"
	EventDropped      = "dropped"
)

// Event is an observable lifecycle transition of an adapter.
type Event struct {
	Name    string
	Address string
	// Attempt is the reconnect attempt number, starting at 1.
	Attempt int
	Err     error
	Time    time.Time
}

// OnEvent is a listener for adapter events.
type OnEvent func(event Event)
