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

package transfer

import "fmt"

// State is the state of a transfer process.
type State int

const (
	initial State = iota
	requested
	provisioned
	started
	suspended
	completed
	terminated
)

type statesContainer struct {
	INITIAL     State
	REQUESTED   State
	PROVISIONED State
	STARTED     State
	SUSPENDED   State
	COMPLETED   State
	TERMINATED  State
}

// States contains all the transfer process states.
var States = statesContainer{
	INITIAL:     initial,
	REQUESTED:   requested,
	PROVISIONED: provisioned,
	STARTED:     started,
	SUSPENDED:   suspended,
	COMPLETED:   completed,
	TERMINATED:  terminated,
}

var stateStrings = map[State]string{
	initial:     "INITIAL",
	requested:   "dspace:REQUESTED",
	provisioned: "dspace:PROVISIONED",
	started:     "dspace:STARTED",
	suspended:   "dspace:SUSPENDED",
	completed:   "dspace:COMPLETED",
	terminated:  "dspace:TERMINATED",
}

func (s State) String() string {
	str, found := stateStrings[s]
	if !found {
		panic(fmt.Sprintf("unexpected transfer.State: %d", int(s)))
	}
	return str
}

// ParseState parses the dataspace representation of a transfer state.
func ParseState(s string) (State, error) {
	for state, str := range stateStrings {
		if str == s {
			return state, nil
		}
	}
	return initial, fmt.Errorf("invalid transfer process state: %s", s)
}
