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

// Package transfer contains the transfer process entity.
package transfer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
)

var validTransferTransitions = map[State][]State{
	States.INITIAL: {
		States.REQUESTED,
		States.TERMINATED,
	},
	States.REQUESTED: {
		States.PROVISIONED,
		States.STARTED,
		States.TERMINATED,
	},
	States.PROVISIONED: {
		States.STARTED,
		States.TERMINATED,
	},
	States.STARTED: {
		States.SUSPENDED,
		States.COMPLETED,
		States.TERMINATED,
	},
	States.SUSPENDED: {
		States.STARTED,
		States.TERMINATED,
	},
	States.COMPLETED:  {},
	States.TERMINATED: {},
}

// Direction is the direction of a transfer, seen from the provider.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionPull
	DirectionPush
)

func (d Direction) String() string {
	switch d {
	case DirectionPull:
		return "pull"
	case DirectionPush:
		return "push"
	default:
		return "unknown"
	}
}

// Request represents a transfer process and its state.
type Request struct {
	state             State
	providerPID       uuid.UUID
	consumerPID       uuid.UUID
	agreementID       uuid.UUID
	target            string
	format            string
	callback          *url.URL
	self              *url.URL
	role              constants.DataspaceRole
	dataAddress       *shared.DataAddress
	edr               *dcp.EDR
	transferDirection Direction
	terminationReason string

	ro       bool
	modified bool
	initial  bool
}

type storableRequest struct {
	State             State
	ProviderPID       uuid.UUID
	ConsumerPID       uuid.UUID
	AgreementID       uuid.UUID
	Target            string
	Format            string
	Callback          *url.URL
	Self              *url.URL
	Role              constants.DataspaceRole
	DataAddress       *shared.DataAddress
	EDR               *dcp.EDR
	TransferDirection Direction
	TerminationReason string
}

// New creates a transfer request for the given agreement. A transfer with a
// data address supplied by the consumer is a push transfer, without one it is
// a pull transfer.
func New(
	consumerPID uuid.UUID,
	agreement *odrl.Agreement,
	format string,
	callback, self *url.URL,
	role constants.DataspaceRole,
	state State,
	dataAddress *shared.DataAddress,
) *Request {
	targetID, err := shared.URNtoRawID(agreement.Target)
	if err != nil {
		panic("Misformed agreement, this means database corruption")
	}
	t := &Request{
		state:             state,
		consumerPID:       consumerPID,
		agreementID:       uuid.MustParse(agreement.ID),
		target:            targetID,
		format:            format,
		callback:          callback,
		self:              self,
		role:              role,
		dataAddress:       dataAddress,
		transferDirection: DirectionPush,
		modified:          true,
	}
	if dataAddress == nil {
		t.transferDirection = DirectionPull
	}
	return t
}

func FromBytes(b []byte) (*Request, error) {
	var sr storableRequest
	r := bytes.NewReader(b)
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&sr); err != nil {
		return nil, fmt.Errorf("could not decode bytes into storableRequest: %w", err)
	}
	return &Request{
		state:             sr.State,
		providerPID:       sr.ProviderPID,
		consumerPID:       sr.ConsumerPID,
		agreementID:       sr.AgreementID,
		target:            sr.Target,
		format:            sr.Format,
		callback:          sr.Callback,
		self:              sr.Self,
		role:              sr.Role,
		dataAddress:       sr.DataAddress,
		edr:               sr.EDR,
		transferDirection: sr.TransferDirection,
		terminationReason: sr.TerminationReason,
	}, nil
}

// GenerateKey generates a storage key for a transfer request.
func GenerateKey(id uuid.UUID, role constants.DataspaceRole) []byte {
	return []byte("transfer-" + id.String() + "-" + strconv.Itoa(int(role)))
}

// Request getters.
func (tr *Request) GetProviderPID() uuid.UUID          { return tr.providerPID }
func (tr *Request) GetConsumerPID() uuid.UUID          { return tr.consumerPID }
func (tr *Request) GetAgreementID() uuid.UUID          { return tr.agreementID }
func (tr *Request) GetTarget() string                  { return tr.target }
func (tr *Request) GetFormat() string                  { return tr.format }
func (tr *Request) GetCallback() *url.URL              { return tr.callback }
func (tr *Request) GetSelf() *url.URL                  { return tr.self }
func (tr *Request) GetState() State                    { return tr.state }
func (tr *Request) GetRole() constants.DataspaceRole   { return tr.role }
func (tr *Request) GetTransferRequest() *Request       { return tr }
func (tr *Request) GetDataAddress() *shared.DataAddress { return tr.dataAddress }
func (tr *Request) GetEDR() *dcp.EDR                   { return tr.edr }
func (tr *Request) GetTerminationReason() string       { return tr.terminationReason }
func (tr *Request) GetTransferDirection() Direction {
	return tr.transferDirection
}

func (tr *Request) GetLocalPID() uuid.UUID {
	switch tr.role {
	case constants.DataspaceConsumer:
		return tr.GetConsumerPID()
	case constants.DataspaceProvider:
		return tr.GetProviderPID()
	default:
		panic("not a valid role")
	}
}

func (tr *Request) GetRemotePID() uuid.UUID {
	switch tr.role {
	case constants.DataspaceConsumer:
		return tr.GetProviderPID()
	case constants.DataspaceProvider:
		return tr.GetConsumerPID()
	default:
		panic("not a valid role")
	}
}

// GetLogFields will return relevant log fields for the transfer request.
func (tr *Request) GetLogFields(suffix string) []any {
	return []any{
		"role" + suffix, tr.role.String(),
		"consumerPID" + suffix, tr.GetConsumerPID().String(),
		"providerPID" + suffix, tr.GetProviderPID().String(),
		"state" + suffix, tr.GetState().String(),
		"direction" + suffix, tr.GetTransferDirection().String(),
	}
}

// Request setters, these will panic when the transfer is RO.
func (tr *Request) SetDataAddress(da *shared.DataAddress) {
	tr.panicRO()
	tr.dataAddress = da
	tr.modify()
}

func (tr *Request) SetEDR(edr *dcp.EDR) {
	tr.panicRO()
	tr.edr = edr
	tr.modify()
}

func (tr *Request) SetProviderPID(id uuid.UUID) {
	tr.panicRO()
	tr.providerPID = id
	tr.modify()
}

func (tr *Request) SetState(state State) error {
	tr.panicRO()
	if !slices.Contains(validTransferTransitions[tr.state], state) {
		return fmt.Errorf("%w: can't transition from %s to %s",
			shared.ErrInvalidStateTransition, tr.state, state)
	}
	tr.state = state
	tr.modify()
	return nil
}

// SetTerminationReason records why the transfer was terminated.
func (tr *Request) SetTerminationReason(reason string) {
	tr.panicRO()
	tr.terminationReason = reason
	tr.modify()
}

// Properties that decisions are based on.
func (tr *Request) ReadOnly() bool { return tr.ro }
func (tr *Request) Initial() bool  { return tr.initial }
func (tr *Request) Modified() bool { return tr.modified }
func (tr *Request) StorageKey() []byte {
	id := tr.consumerPID
	if tr.role == constants.DataspaceProvider {
		id = tr.providerPID
	}
	return GenerateKey(id, tr.role)
}

// Property setters.
func (tr *Request) SetReadOnly()  { tr.ro = true }
func (tr *Request) SetInitial()   { tr.initial = true }
func (tr *Request) UnsetInitial() { tr.initial = false }

func (tr *Request) ToBytes() ([]byte, error) {
	s := storableRequest{
		State:             tr.state,
		ProviderPID:       tr.providerPID,
		ConsumerPID:       tr.consumerPID,
		AgreementID:       tr.agreementID,
		Target:            tr.target,
		Format:            tr.format,
		Callback:          tr.callback,
		Self:              tr.self,
		Role:              tr.role,
		DataAddress:       tr.dataAddress,
		EDR:               tr.edr,
		TransferDirection: tr.transferDirection,
		TerminationReason: tr.terminationReason,
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("could not encode transfer request: %w", err)
	}
	return buf.Bytes(), nil
}

func (tr *Request) GetTransferProcess() shared.TransferProcess {
	return shared.TransferProcess{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:TransferProcess",
		ProviderPID: tr.providerPID.URN(),
		ConsumerPID: tr.consumerPID.URN(),
		State:       tr.state.String(),
	}
}

func (tr *Request) panicRO() {
	if tr.ro {
		panic("Trying to write to a read-only request, this is certainly a bug.")
	}
}

func (tr *Request) modify() {
	tr.modified = true
}
