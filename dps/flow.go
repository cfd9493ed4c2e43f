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

// Package dps implements the control-plane to data-plane signaling. The
// controller translates transfer coordination decisions into data-plane
// provisioning, and keeps a flow entity per transfer process.
package dps

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/google/uuid"
)

// FlowState is the state of a data-plane flow.
type FlowState int

const (
	flowRequested FlowState = iota
	flowStarted
	flowSuspended
	flowTerminated
)

type flowStatesContainer struct {
	REQUESTED  FlowState
	STARTED    FlowState
	SUSPENDED  FlowState
	TERMINATED FlowState
}

// FlowStates contains all the flow states.
var FlowStates = flowStatesContainer{
	REQUESTED:  flowRequested,
	STARTED:    flowStarted,
	SUSPENDED:  flowSuspended,
	TERMINATED: flowTerminated,
}

var flowStateStrings = map[FlowState]string{
	flowRequested:  "REQUESTED",
	flowStarted:    "STARTED",
	flowSuspended:  "SUSPENDED",
	flowTerminated: "TERMINATED",
}

func (s FlowState) String() string {
	str, found := flowStateStrings[s]
	if !found {
		panic(fmt.Sprintf("unexpected dps.FlowState: %d", int(s)))
	}
	return str
}

// ParseFlowState parses the string representation of a flow state.
func ParseFlowState(s string) (FlowState, error) {
	for state, str := range flowStateStrings {
		if str == s {
			return state, nil
		}
	}
	return flowRequested, fmt.Errorf("invalid flow state: %s", s)
}

func (s FlowState) GobEncode() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *FlowState) GobDecode(b []byte) error {
	news, err := ParseFlowState(string(b))
	if err != nil {
		return err
	}
	*s = news
	return nil
}

var validFlowTransitions = map[FlowState][]FlowState{
	FlowStates.REQUESTED: {
		FlowStates.STARTED,
		FlowStates.TERMINATED,
	},
	FlowStates.STARTED: {
		FlowStates.SUSPENDED,
		FlowStates.TERMINATED,
	},
	FlowStates.SUSPENDED: {
		FlowStates.STARTED,
		FlowStates.TERMINATED,
	},
	FlowStates.TERMINATED: {},
}

// Flow represents the data-plane side of a single transfer process.
type Flow struct {
	processID         uuid.UUID
	state             FlowState
	direction         transfer.Direction
	dataAddress       *shared.DataAddress
	edr               *dcp.EDR
	tokenID           uuid.UUID
	lastTrigger       Trigger
	terminationReason string

	ro       bool
	modified bool
	initial  bool
}

type storableFlow struct {
	ProcessID         uuid.UUID
	State             FlowState
	Direction         transfer.Direction
	DataAddress       *shared.DataAddress
	EDR               *dcp.EDR
	TokenID           uuid.UUID
	LastTrigger       Trigger
	TerminationReason string
}

// NewFlow creates a flow in the REQUESTED state.
func NewFlow(
	processID uuid.UUID,
	direction transfer.Direction,
	dataAddress *shared.DataAddress,
) *Flow {
	return &Flow{
		processID:   processID,
		state:       FlowStates.REQUESTED,
		direction:   direction,
		dataAddress: dataAddress,
		modified:    true,
	}
}

// FlowFromBytes decodes a stored flow.
func FlowFromBytes(b []byte) (*Flow, error) {
	var sf storableFlow
	r := bytes.NewReader(b)
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("could not decode bytes into storableFlow: %w", err)
	}
	return &Flow{
		processID:         sf.ProcessID,
		state:             sf.State,
		direction:         sf.Direction,
		dataAddress:       sf.DataAddress,
		edr:               sf.EDR,
		tokenID:           sf.TokenID,
		lastTrigger:       sf.LastTrigger,
		terminationReason: sf.TerminationReason,
	}, nil
}

// GenerateFlowKey generates a storage key for a flow.
func GenerateFlowKey(processID uuid.UUID) []byte {
	return []byte("flow-" + processID.String())
}

// Flow getters.
func (f *Flow) GetProcessID() uuid.UUID             { return f.processID }
func (f *Flow) GetState() FlowState                 { return f.state }
func (f *Flow) GetDirection() transfer.Direction    { return f.direction }
func (f *Flow) GetDataAddress() *shared.DataAddress { return f.dataAddress }
func (f *Flow) GetEDR() *dcp.EDR                    { return f.edr }
func (f *Flow) GetTokenID() uuid.UUID               { return f.tokenID }
func (f *Flow) GetLastTrigger() Trigger             { return f.lastTrigger }
func (f *Flow) GetTerminationReason() string        { return f.terminationReason }

// GetLogFields will return relevant log fields for the flow.
func (f *Flow) GetLogFields(suffix string) []any {
	return []any{
		"processID" + suffix, f.processID.String(),
		"state" + suffix, f.state.String(),
		"direction" + suffix, f.direction.String(),
		"lastTrigger" + suffix, f.lastTrigger.String(),
	}
}

// Flow setters, these will panic when the flow is RO.
func (f *Flow) SetState(state FlowState) error {
	f.panicRO()
	if !slices.Contains(validFlowTransitions[f.state], state) {
		return fmt.Errorf("%w: can't transition from %s to %s",
			shared.ErrInvalidStateTransition, f.state, state)
	}
	f.state = state
	f.modify()
	return nil
}

func (f *Flow) SetEDR(edr *dcp.EDR) {
	f.panicRO()
	f.edr = edr
	f.modify()
}

func (f *Flow) SetTokenID(id uuid.UUID) {
	f.panicRO()
	f.tokenID = id
	f.modify()
}

func (f *Flow) SetLastTrigger(t Trigger) {
	f.panicRO()
	f.lastTrigger = t
	f.modify()
}

func (f *Flow) SetTerminationReason(reason string) {
	f.panicRO()
	f.terminationReason = reason
	f.modify()
}

// Properties that decisions are based on.
func (f *Flow) ReadOnly() bool { return f.ro }
func (f *Flow) Initial() bool  { return f.initial }
func (f *Flow) Modified() bool { return f.modified }
func (f *Flow) StorageKey() []byte {
	return GenerateFlowKey(f.processID)
}

// Property setters.
func (f *Flow) SetReadOnly()  { f.ro = true }
func (f *Flow) SetInitial()   { f.initial = true }
func (f *Flow) UnsetInitial() { f.initial = false }

// ToBytes encodes the flow for storage.
func (f *Flow) ToBytes() ([]byte, error) {
	s := storableFlow{
		ProcessID:         f.processID,
		State:             f.state,
		Direction:         f.direction,
		DataAddress:       f.dataAddress,
		EDR:               f.edr,
		TokenID:           f.tokenID,
		LastTrigger:       f.lastTrigger,
		TerminationReason: f.terminationReason,
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("could not encode flow: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *Flow) panicRO() {
	if f.ro {
		panic("Trying to write to a read-only flow, this is certainly a bug.")
	}
}

func (f *Flow) modify() {
	f.modified = true
}
