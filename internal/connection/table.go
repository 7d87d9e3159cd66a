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

package connection

// Outcome classifies how a machine reacts to a peer announcement.
type Outcome uint8

const (
	// Rejected marks an announcement the role never expects in its current
	// state. It faults the machine.
	Rejected Outcome = iota
	// Ignored leaves the local state as it is.
	Ignored
	// Advance drives the local state toward a new target.
	Advance
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Ignored:
		return "ignored"
	case Advance:
		return "advance"
	default:
		return "outcome(?)"
	}
}

type action uint8

const (
	actNone action = iota
	actConnect
	actDisconnect
)

func (a action) String() string {
	switch a {
	case actConnect:
		return "connect"
	case actDisconnect:
		return "disconnect"
	default:
		return "none"
	}
}

type pair struct {
	local, other State
}

// rule maps a local state and a set of peer states to a target. A target
// equal to local is a no-op.
type rule struct {
	local  State
	peers  []State
	target State
}

// step is one edge from local toward a target.
type step struct {
	next State
	act  action
}

var offeringRules = []rule{
	{Initialising, []State{Initialising}, InitWait},
	{Initialising, []State{Closing, Closed}, Closed},
	{Initialising, []State{Unknown}, Initialising},
	{InitWait, []State{Initialising}, InitWait},
	{InitWait, []State{Connected}, Connected},
	{InitWait, []State{Closing}, Closing},
	{InitWait, []State{Closed, Unknown}, Closed},
	{Connected, []State{Connected}, Connected},
	{Connected, []State{Closing}, Closing},
	{Connected, []State{Closed}, Closed},
	{Closing, []State{Closing, Connected}, Closing},
	{Closing, []State{Closed, Unknown}, Closed},
	{Closing, []State{Initialising}, InitWait},
	{Closed, []State{Initialising, Connected}, InitWait},
	{Closed, []State{Closing, Closed, Unknown}, Closed},
}

var requestingRules = []rule{
	{Initialising, []State{InitWait}, Connected},
	{Initialising, []State{Initialising, Unknown}, Initialising},
	{Initialising, []State{Closing, Closed}, Closed},
	{Connected, []State{Connected, InitWait}, Connected},
	{Connected, []State{Closing, Closed}, Closed},
	{Closing, []State{Closing, Closed}, Closed},
	{Closing, []State{Connected}, Closing},
	{Closed, []State{Unknown, Initialising, InitWait, Connected, Closing, Closed}, Closed},
}

var offeringSteps = map[pair]step{
	{Unknown, Initialising}:  {Initialising, actNone},
	{Closed, Initialising}:   {Initialising, actNone},
	{Initialising, InitWait}: {InitWait, actNone},
	{Initialising, Closed}:   {Closed, actNone},
	{InitWait, Connected}:    {Connected, actConnect},
	{InitWait, Closing}:      {Closing, actNone},
	{InitWait, Closed}:       {Closed, actNone},
	{Connected, Closing}:     {Closing, actDisconnect},
	{Connected, Closed}:      {Closing, actDisconnect},
	{Closing, Closed}:        {Closed, actNone},
	{Closing, InitWait}:      {Closed, actNone},
	{Closed, InitWait}:       {InitWait, actNone},
}

// The requesting side tears down on entering Closed: by then the peer has
// announced Closing and released its mapping.
var requestingSteps = map[pair]step{
	{Unknown, Initialising}:   {Initialising, actNone},
	{Closed, Initialising}:    {Initialising, actNone},
	{Initialising, Connected}: {Connected, actConnect},
	{Initialising, Closed}:    {Closed, actNone},
	{Connected, Closing}:      {Closing, actNone},
	{Connected, Closed}:       {Closing, actNone},
	{Closing, Closed}:         {Closed, actDisconnect},
}

type table struct {
	targets map[pair]State
	steps   map[pair]step
}

var tables = map[Role]table{
	Offering:   {targets: buildTargets(offeringRules), steps: offeringSteps},
	Requesting: {targets: buildTargets(requestingRules), steps: requestingSteps},
}

func buildTargets(rules []rule) map[pair]State {
	m := make(map[pair]State)
	for _, r := range rules {
		for _, p := range r.peers {
			m[pair{r.local, p}] = r.target
		}
	}
	return m
}

// ignoredPeer reports states a peer may pass through that never affect the
// local side once it has started.
func ignoredPeer(s State) bool {
	return s == Initialised || s == Reconfiguring || s == Reconfigured
}

// Lookup reports how a machine in role, currently in local, reacts to the
// peer announcing peer, and the state it then drives toward.
func Lookup(role Role, local, peer State) (State, Outcome) {
	if local == Unknown {
		return local, Rejected
	}
	if ignoredPeer(peer) {
		return local, Ignored
	}
	target, ok := tables[role].targets[pair{local, peer}]
	switch {
	case !ok:
		return local, Rejected
	case target == local:
		return local, Ignored
	default:
		return target, Advance
	}
}

func nextStep(role Role, local, target State) (step, bool) {
	s, ok := tables[role].steps[pair{local, target}]
	return s, ok
}
