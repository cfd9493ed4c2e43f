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

// Package contract contains the contract negotiation entity.
package contract

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
)

var validTransitions = map[State][]State{
	States.INITIAL: {
		States.OFFERED,
		States.REQUESTED,
		States.TERMINATED,
	},
	States.REQUESTED: {
		States.OFFERED,
		States.AGREED,
		States.TERMINATED,
	},
	States.OFFERED: {
		States.REQUESTED,
		States.ACCEPTED,
		States.DECLINED,
		States.TERMINATED,
	},
	States.ACCEPTED: {
		States.AGREED,
		States.TERMINATED,
	},
	States.AGREED: {
		States.VERIFIED,
		States.TERMINATED,
	},
	States.VERIFIED: {
		States.FINALIZED,
		States.TERMINATED,
	},
	States.FINALIZED:  {},
	States.DECLINED:   {},
	States.TERMINATED: {},
}

// Negotiation represents a contract negotiation.
type Negotiation struct {
	providerPID       uuid.UUID
	consumerPID       uuid.UUID
	state             State
	offers            []odrl.Offer
	agreement         *odrl.Agreement
	callback          *url.URL
	self              *url.URL
	role              constants.DataspaceRole
	terminationReason string

	initial  bool
	ro       bool
	modified bool
}

// storableNegotiation is the flat mirror of Negotiation that the gob codec
// can handle, as gob does not do unexported fields.
type storableNegotiation struct {
	ProviderPID       uuid.UUID
	ConsumerPID       uuid.UUID
	State             State
	Offers            []odrl.Offer
	Agreement         *odrl.Agreement
	Callback          *url.URL
	Self              *url.URL
	Role              constants.DataspaceRole
	TerminationReason string
}

func New(
	ctx context.Context,
	providerPID, consumerPID uuid.UUID,
	state State,
	offer odrl.Offer,
	callback, self *url.URL,
	role constants.DataspaceRole,
) *Negotiation {
	neg := &Negotiation{
		providerPID: providerPID,
		consumerPID: consumerPID,
		state:       state,
		offers:      []odrl.Offer{offer},
		callback:    callback,
		self:        self,
		role:        role,
		modified:    true,
	}
	logging.Extract(ctx).Info("creating new contract negotiation", neg.GetLogFields("")...)
	return neg
}

// FromBytes decodes a stored negotiation.
func FromBytes(b []byte) (*Negotiation, error) {
	var sn storableNegotiation
	r := bytes.NewReader(b)
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&sn); err != nil {
		return nil, fmt.Errorf("could not decode bytes into storableNegotiation: %w", err)
	}
	return &Negotiation{
		providerPID:       sn.ProviderPID,
		consumerPID:       sn.ConsumerPID,
		state:             sn.State,
		offers:            sn.Offers,
		agreement:         sn.Agreement,
		callback:          sn.Callback,
		self:              sn.Self,
		role:              sn.Role,
		terminationReason: sn.TerminationReason,
	}, nil
}

// GenerateKey generates a storage key for a contract negotiation.
func GenerateKey(id uuid.UUID, role constants.DataspaceRole) []byte {
	return []byte("negotiation-" + id.String() + "-" + strconv.Itoa(int(role)))
}

// Negotiation getters.
func (cn *Negotiation) GetProviderPID() uuid.UUID        { return cn.providerPID }
func (cn *Negotiation) GetConsumerPID() uuid.UUID        { return cn.consumerPID }
func (cn *Negotiation) GetState() State                  { return cn.state }
func (cn *Negotiation) GetAgreement() *odrl.Agreement    { return cn.agreement }
func (cn *Negotiation) GetRole() constants.DataspaceRole { return cn.role }
func (cn *Negotiation) GetCallback() *url.URL            { return cn.callback }
func (cn *Negotiation) GetSelf() *url.URL                { return cn.self }
func (cn *Negotiation) GetContract() *Negotiation        { return cn }
func (cn *Negotiation) GetTerminationReason() string     { return cn.terminationReason }

// GetOffer returns the current offer, which is the last one exchanged.
func (cn *Negotiation) GetOffer() odrl.Offer {
	if len(cn.offers) == 0 {
		return odrl.Offer{}
	}
	return cn.offers[len(cn.offers)-1]
}

// GetOffers returns the full offer history, oldest first.
func (cn *Negotiation) GetOffers() []odrl.Offer { return slices.Clone(cn.offers) }

// OfferCount returns the number of offers exchanged so far.
func (cn *Negotiation) OfferCount() int { return len(cn.offers) }

func (cn *Negotiation) GetLocalPID() uuid.UUID {
	switch cn.role {
	case constants.DataspaceConsumer:
		return cn.GetConsumerPID()
	case constants.DataspaceProvider:
		return cn.GetProviderPID()
	default:
		panic("not a valid role")
	}
}

func (cn *Negotiation) GetRemotePID() uuid.UUID {
	switch cn.role {
	case constants.DataspaceConsumer:
		return cn.GetProviderPID()
	case constants.DataspaceProvider:
		return cn.GetConsumerPID()
	default:
		panic("not a valid role")
	}
}

// GetLogFields will return relevant log fields for the negotiation.
// The suffix argument will be appended to the keys.
func (cn *Negotiation) GetLogFields(suffix string) []any {
	return []any{
		"role" + suffix, cn.role.String(),
		"consumerPID" + suffix, cn.GetConsumerPID().String(),
		"providerPID" + suffix, cn.GetProviderPID().String(),
		"state" + suffix, cn.GetState().String(),
		"offerCount" + suffix, cn.OfferCount(),
	}
}

// Negotiation setters, these will panic when the negotiation is RO.
func (cn *Negotiation) SetProviderPID(u uuid.UUID) {
	cn.panicRO()
	cn.providerPID = u
	cn.modify()
}

func (cn *Negotiation) SetConsumerPID(u uuid.UUID) {
	cn.panicRO()
	cn.consumerPID = u
	cn.modify()
}

func (cn *Negotiation) SetAgreement(a *odrl.Agreement) {
	cn.panicRO()
	cn.agreement = a
	cn.modify()
}

// AppendOffer records a new offer or counter-offer in the history.
func (cn *Negotiation) AppendOffer(o odrl.Offer) {
	cn.panicRO()
	cn.offers = append(cn.offers, o)
	cn.modify()
}

func (cn *Negotiation) SetState(state State) error {
	cn.panicRO()
	if !slices.Contains(validTransitions[cn.state], state) {
		return fmt.Errorf("%w: can't transition from %s to %s",
			shared.ErrInvalidStateTransition, cn.state, state)
	}
	cn.state = state
	cn.modify()
	return nil
}

// SetTerminationReason records why the negotiation was terminated.
func (cn *Negotiation) SetTerminationReason(reason string) {
	cn.panicRO()
	cn.terminationReason = reason
	cn.modify()
}

// SetCallback sets the remote callback root.
func (cn *Negotiation) SetCallback(u string) error {
	nu, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	cn.callback = nu
	cn.modify()
	return nil
}

// Properties that decisions are based on.
func (cn *Negotiation) ReadOnly() bool { return cn.ro }
func (cn *Negotiation) Initial() bool  { return cn.initial }
func (cn *Negotiation) Modified() bool { return cn.modified }
func (cn *Negotiation) StorageKey() []byte {
	id := cn.consumerPID
	if cn.role == constants.DataspaceProvider {
		id = cn.providerPID
	}
	return GenerateKey(id, cn.role)
}

// Property setters.
func (cn *Negotiation) SetReadOnly()  { cn.ro = true }
func (cn *Negotiation) SetInitial()   { cn.initial = true }
func (cn *Negotiation) UnsetInitial() { cn.initial = false }

// ToBytes encodes the negotiation for storage.
func (cn *Negotiation) ToBytes() ([]byte, error) {
	s := storableNegotiation{
		ProviderPID:       cn.providerPID,
		ConsumerPID:       cn.consumerPID,
		State:             cn.state,
		Offers:            cn.offers,
		Agreement:         cn.agreement,
		Callback:          cn.callback,
		Self:              cn.self,
		Role:              cn.role,
		TerminationReason: cn.terminationReason,
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("could not encode negotiation: %w", err)
	}
	return buf.Bytes(), nil
}

// GetContractNegotiation returns a ContractNegotiation message.
func (cn *Negotiation) GetContractNegotiation() shared.ContractNegotiation {
	return shared.ContractNegotiation{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiation",
		ConsumerPID: cn.GetConsumerPID().URN(),
		ProviderPID: cn.GetProviderPID().URN(),
		State:       cn.GetState().String(),
	}
}

func (cn *Negotiation) panicRO() {
	if cn.ro {
		panic("Trying to write to a read-only negotiation, this is certainly a bug.")
	}
}

func (cn *Negotiation) modify() {
	cn.modified = true
}
