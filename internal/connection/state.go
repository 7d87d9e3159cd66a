/*
 *
 * Copyright 2025 gRPC authors.
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
 *
 */

// Package connection negotiates the lifecycle of a channel between two
// domains. Each side runs a Machine that follows the peer's announced state
// through a fixed transition table, and an Endpoint that carries out the
// grant, mapping and event-channel work the transitions call for.
package connection

import (
	"errors"
	"fmt"
	"strconv"
)

// State is a connection state as announced in the exchange.
type State uint32

const (
	Unknown State = iota
	Initialising
	InitWait
	Initialised
	Connected
	Closing
	Closed
	Reconfiguring
	Reconfigured
)

var stateNames = [...]string{
	Unknown:       "Unknown",
	Initialising:  "Initialising",
	InitWait:      "InitWait",
	Initialised:   "Initialised",
	Connected:     "Connected",
	Closing:       "Closing",
	Closed:        "Closed",
	Reconfiguring: "Reconfiguring",
	Reconfigured:  "Reconfigured",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Valid reports whether s is a defined state.
func (s State) Valid() bool { return int(s) < len(stateNames) }

// Wire returns the decimal form stored in the exchange.
func (s State) Wire() string { return strconv.FormatUint(uint64(s), 10) }

// ErrBadState is returned when an announced state cannot be parsed.
var ErrBadState = errors.New("connection: malformed state")

// ParseState parses the decimal wire form of a state.
func ParseState(v string) (State, error) {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return Unknown, fmt.Errorf("%w: %q", ErrBadState, v)
	}
	s := State(n)
	if !s.Valid() {
		return Unknown, fmt.Errorf("%w: %d out of range", ErrBadState, n)
	}
	return s, nil
}

// Role is the part a domain plays in a connection.
type Role uint8

const (
	// Offering is the host side. It maps the page the peer grants.
	Offering Role = iota
	// Requesting is the guest side. It grants the page and allocates the
	// event channel.
	Requesting
)

func (r Role) String() string {
	switch r {
	case Offering:
		return "offering"
	case Requesting:
		return "requesting"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}
