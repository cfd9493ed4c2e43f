// Copyright 2025 go-dataspace
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package contract

import "fmt"

// State is the state of a contract negotiation.
type State int

const (
	initial State = iota
	requested
	offered
	accepted
	agreed
	verified
	finalized
	declined
	terminated
)

type statesContainer struct {
	INITIAL    State
	REQUESTED  State
	OFFERED    State
	ACCEPTED   State
	AGREED     State
	VERIFIED   State
	FINALIZED  State
	DECLINED   State
	TERMINATED State
}

// States contains all the contract negotiation states.
var States = statesContainer{
	INITIAL:    initial,
	REQUESTED:  requested,
	OFFERED:    offered,
	ACCEPTED:   accepted,
	AGREED:     agreed,
	VERIFIED:   verified,
	FINALIZED:  finalized,
	DECLINED:   declined,
	TERMINATED: terminated,
}

var stateStrings = map[State]string{
	initial:    "INITIAL",
	requested:  "dspace:REQUESTED",
	offered:    "dspace:OFFERED",
	accepted:   "dspace:ACCEPTED",
	agreed:     "dspace:AGREED",
	verified:   "dspace:VERIFIED",
	finalized:  "dspace:FINALIZED",
	declined:   "dspace:DECLINED",
	terminated: "dspace:TERMINATED",
}

func (s State) String() string {
	str, found := stateStrings[s]
	if !found {
		panic(fmt.Sprintf("unexpected contract.State: %d", int(s)))
	}
	return str
}

// ParseState parses the dataspace representation of a negotiation state.
func ParseState(s string) (State, error) {
	for state, str := range stateStrings {
		if str == s {
			return state, nil
		}
	}
	return initial, fmt.Errorf("invalid contract negotiation state: %s", s)
}
