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

package statemachine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/go-dataspace/run-sig/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRequester records outgoing requests instead of sending them.
type mockRequester struct {
	sync.Mutex
	Requests []mockRequest
}

type mockRequest struct {
	Method string
	URL    *url.URL
	Body   []byte
}

func (mr *mockRequester) SendHTTPRequest(
	ctx context.Context, method string, url *url.URL, reqBody []byte,
) ([]byte, error) {
	mr.Lock()
	defer mr.Unlock()
	mr.Requests = append(mr.Requests, mockRequest{Method: method, URL: url, Body: reqBody})
	return []byte("{}"), nil
}

func (mr *mockRequester) Count() int {
	mr.Lock()
	defer mr.Unlock()
	return len(mr.Requests)
}

// environment wires up a provider and a consumer side that trust each other's
// signing keys, sharing a single in-memory store. The reconciler is not
// started, queued messages just accumulate.
type environment struct {
	ctx               context.Context
	store             persistence.StorageProvider
	providerAuthority *dcp.LocalAuthority
	consumerAuthority *dcp.LocalAuthority
	dataplane         *dps.Controller
	plane             *dps.LoopbackPlane
	reconciler        *statemachine.Reconciler
	requester         *mockRequester
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	store, err := badger.New(ctx, true, "")
	require.Nil(t, err)

	providerPub, providerKey, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)
	consumerPub, consumerKey, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)
	providerAuthority, err := dcp.New("provider-authority", providerKey, store, store)
	require.Nil(t, err)
	consumerAuthority, err := dcp.New("consumer-authority", consumerKey, store, store)
	require.Nil(t, err)
	providerAuthority.AddTrustedIssuer("consumer-authority", consumerPub)
	consumerAuthority.AddTrustedIssuer("provider-authority", providerPub)

	plane := dps.NewLoopbackPlane()
	dataplane := dps.NewController(
		store, providerAuthority, plane, shared.MustParseURL("https://provider.dsp"))
	requester := &mockRequester{}
	reconciler := statemachine.NewReconciler(ctx, requester, store, dataplane)

	return &environment{
		ctx:               ctx,
		store:             store,
		providerAuthority: providerAuthority,
		consumerAuthority: consumerAuthority,
		dataplane:         dataplane,
		plane:             plane,
		reconciler:        reconciler,
		requester:         requester,
	}
}

func (e *environment) deps(role constants.DataspaceRole) statemachine.Deps {
	authority := dcp.Authority(e.providerAuthority)
	if role == constants.DataspaceConsumer {
		authority = e.consumerAuthority
	}
	return statemachine.Deps{
		Authority:  authority,
		Policy:     policy.NewODRLEngine(),
		DataPlane:  e.dataplane,
		Reconciler: e.reconciler,
		Store:      e.store,
	}
}

func emptyOffer() odrl.Offer {
	return odrl.Offer{
		MessageOffer: odrl.MessageOffer{
			PolicyClass: odrl.PolicyClass{ID: uuid.New().URN()},
			Type:        "odrl:Offer",
			Target:      uuid.New().URN(),
		},
	}
}

func restrictedOffer() odrl.Offer {
	offer := emptyOffer()
	offer.Permission = []odrl.Permission{
		{
			Action: "odrl:use",
			Constraint: []odrl.Constraint{
				{
					LeftOperand:  "odrl:purpose",
					Operator:     "odrl:eq",
					RightOperand: "research",
				},
			},
		},
	}
	return offer
}

func newNegotiation(
	ctx context.Context,
	providerPID, consumerPID uuid.UUID,
	state contract.State,
	offer odrl.Offer,
	role constants.DataspaceRole,
) *contract.Negotiation {
	return contract.New(
		ctx,
		providerPID,
		consumerPID,
		state,
		offer,
		shared.MustParseURL("https://counterparty.dsp/callback"),
		shared.MustParseURL("https://self.dsp/callback"),
		role,
	)
}

// signedAgreement builds an agreement for the offer and signs it as the
// provider side would before sending it out.
func signedAgreement(
	t *testing.T, e *environment, offer odrl.Offer,
) *odrl.Agreement {
	t.Helper()
	agreement := &odrl.Agreement{
		PolicyClass: offer.PolicyClass,
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      offer.Target,
		Timestamp:   time.Now(),
	}
	require.Nil(t, e.providerAuthority.SignAgreement(
		e.ctx, agreement, constants.DataspaceProvider))
	return agreement
}

func TestContractRequestInitial(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	consumerPID := uuid.New()
	negotiation := newNegotiation(
		e.ctx, uuid.UUID{}, consumerPID, contract.States.INITIAL,
		emptyOffer(), constants.DataspaceProvider)

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	ctx, apply, err := state.Recv(ctx, shared.ContractRequestMessage{
		ConsumerPID:     consumerPID.URN(),
		Offer:           negotiation.GetOffer().MessageOffer,
		CallbackAddress: "https://counterparty.dsp/callback",
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.REQUESTED, negotiation.GetState())
	assert.NotEqual(t, uuid.UUID{}, negotiation.GetProviderPID())

	// The provider answers the initial request with an offer.
	_, state = statemachine.GetContractNegotiation(
		ctx, negotiation, e.deps(constants.DataspaceProvider))
	apply, err = state.Send(ctx)
	require.Nil(t, err)
	assert.Nil(t, apply())
}

func TestContractRequestPolicyDenial(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	consumerPID := uuid.New()
	negotiation := newNegotiation(
		e.ctx, uuid.UUID{}, consumerPID, contract.States.INITIAL,
		restrictedOffer(), constants.DataspaceProvider)

	// No claims in the context, so the purpose constraint can't be satisfied.
	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	_, apply, err := state.Recv(ctx, shared.ContractRequestMessage{
		ConsumerPID:     consumerPID.URN(),
		Offer:           negotiation.GetOffer().MessageOffer,
		CallbackAddress: "https://counterparty.dsp/callback",
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.TERMINATED, negotiation.GetState())
	assert.Equal(t, shared.TerminationPolicyDenied, negotiation.GetTerminationReason())
}

func TestCounterRequestOfferLimit(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.OFFERED,
		emptyOffer(), constants.DataspaceProvider)

	deps := e.deps(constants.DataspaceProvider)
	deps.OfferLimit = 1
	ctx, state := statemachine.GetContractNegotiation(e.ctx, negotiation, deps)
	_, apply, err := state.Recv(ctx, shared.ContractRequestMessage{
		ProviderPID:     providerPID.URN(),
		ConsumerPID:     consumerPID.URN(),
		Offer:           emptyOffer().MessageOffer,
		CallbackAddress: "https://counterparty.dsp/callback",
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.TERMINATED, negotiation.GetState())
	assert.Equal(t, shared.TerminationOfferLimitExceeded, negotiation.GetTerminationReason())
}

func TestAcceptedEventTriggersAgreement(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.OFFERED,
		emptyOffer(), constants.DataspaceProvider)

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	ctx, apply, err := state.Recv(ctx, shared.ContractNegotiationEventMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		EventType:   contract.States.ACCEPTED.String(),
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.ACCEPTED, negotiation.GetState())

	// Sending from ACCEPTED creates and signs the agreement.
	_, state = statemachine.GetContractNegotiation(
		ctx, negotiation, e.deps(constants.DataspaceProvider))
	apply, err = state.Send(ctx)
	require.Nil(t, err)
	require.Nil(t, apply())
	agreement := negotiation.GetAgreement()
	require.NotNil(t, agreement)
	assert.NotNil(t, agreement.ProviderSignature)
	assert.False(t, agreement.FullySigned())
}

func TestAgreementCountersign(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	offer := emptyOffer()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.REQUESTED,
		offer, constants.DataspaceConsumer)

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceConsumer))
	ctx, apply, err := state.Recv(ctx, shared.ContractAgreementMessage{
		ProviderPID:     providerPID.URN(),
		ConsumerPID:     consumerPID.URN(),
		Agreement:       *signedAgreement(t, e, offer),
		CallbackAddress: "https://counterparty.dsp/callback",
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.AGREED, negotiation.GetState())

	// The consumer countersigned on receipt.
	agreement := negotiation.GetAgreement()
	require.NotNil(t, agreement)
	assert.True(t, agreement.FullySigned())

	// Sending from AGREED queues the verification message.
	_, state = statemachine.GetContractNegotiation(
		ctx, negotiation, e.deps(constants.DataspaceConsumer))
	apply, err = state.Send(ctx)
	require.Nil(t, err)
	assert.Nil(t, apply())
}

func TestAgreementBadSignature(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	offer := emptyOffer()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.REQUESTED,
		offer, constants.DataspaceConsumer)

	// Tampering with the agreement after signing invalidates the signature.
	agreement := signedAgreement(t, e, offer)
	agreement.Target = uuid.New().URN()

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceConsumer))
	_, apply, err := state.Recv(ctx, shared.ContractAgreementMessage{
		ProviderPID:     providerPID.URN(),
		ConsumerPID:     consumerPID.URN(),
		Agreement:       *agreement,
		CallbackAddress: "https://counterparty.dsp/callback",
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.TERMINATED, negotiation.GetState())
	assert.Equal(t, shared.TerminationVerificationFailed, negotiation.GetTerminationReason())
}

func TestVerificationFinalizesAgreement(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	offer := emptyOffer()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.AGREED,
		offer, constants.DataspaceProvider)
	agreement := signedAgreement(t, e, offer)
	negotiation.SetAgreement(agreement)

	// The consumer countersigns the same canonical payload, the verification
	// message only carries the resulting signature.
	countersigned := *agreement
	require.Nil(t, e.consumerAuthority.SignAgreement(
		e.ctx, &countersigned, constants.DataspaceConsumer))

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	ctx, apply, err := state.Recv(ctx, shared.ContractAgreementVerificationMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		Signature:   countersigned.ConsumerSignature,
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.VERIFIED, negotiation.GetState())
	assert.True(t, negotiation.GetAgreement().FullySigned())

	// Sending from VERIFIED queues finalization and records the agreement.
	_, state = statemachine.GetContractNegotiation(
		ctx, negotiation, e.deps(constants.DataspaceProvider))
	apply, err = state.Send(ctx)
	require.Nil(t, err)
	require.Nil(t, apply())
	record, err := e.store.GetAgreement(e.ctx, uuid.MustParse(agreement.ID))
	require.Nil(t, err)
	assert.True(t, record.Agreement.FullySigned())
	assert.Equal(t, constants.DataspaceProvider, record.Role)
	assert.Equal(t, providerPID, record.NegotiationPID)
}

func TestVerificationBadSignature(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	offer := emptyOffer()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.AGREED,
		offer, constants.DataspaceProvider)
	negotiation.SetAgreement(signedAgreement(t, e, offer))

	// A countersignature over a different agreement doesn't verify.
	other := signedAgreement(t, e, emptyOffer())
	countersigned := *other
	require.Nil(t, e.consumerAuthority.SignAgreement(
		e.ctx, &countersigned, constants.DataspaceConsumer))

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	_, apply, err := state.Recv(ctx, shared.ContractAgreementVerificationMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		Signature:   countersigned.ConsumerSignature,
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.TERMINATED, negotiation.GetState())
	assert.Equal(t, shared.TerminationVerificationFailed, negotiation.GetTerminationReason())
}

func TestFinalizedEvent(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	offer := emptyOffer()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.VERIFIED,
		offer, constants.DataspaceConsumer)
	agreement := signedAgreement(t, e, offer)
	require.Nil(t, e.consumerAuthority.SignAgreement(
		e.ctx, agreement, constants.DataspaceConsumer))
	negotiation.SetAgreement(agreement)

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceConsumer))
	_, apply, err := state.Recv(ctx, shared.ContractNegotiationEventMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		EventType:   contract.States.FINALIZED.String(),
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.FINALIZED, negotiation.GetState())

	record, err := e.store.GetAgreement(e.ctx, uuid.MustParse(agreement.ID))
	require.Nil(t, err)
	assert.Equal(t, constants.DataspaceConsumer, record.Role)
	assert.Equal(t, consumerPID, record.NegotiationPID)
}

func TestTermination(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	states := []contract.State{
		contract.States.REQUESTED,
		contract.States.OFFERED,
		contract.States.ACCEPTED,
		contract.States.AGREED,
		contract.States.VERIFIED,
	}
	roles := []constants.DataspaceRole{
		constants.DataspaceProvider,
		constants.DataspaceConsumer,
	}
	for _, role := range roles {
		for _, initial := range states {
			providerPID := uuid.New()
			consumerPID := uuid.New()
			negotiation := newNegotiation(
				e.ctx, providerPID, consumerPID, initial, emptyOffer(), role)

			ctx, state := statemachine.GetContractNegotiation(
				e.ctx, negotiation, e.deps(role))
			_, apply, err := state.Recv(ctx, shared.ContractNegotiationTerminationMessage{
				ProviderPID: providerPID.URN(),
				ConsumerPID: consumerPID.URN(),
				Code:        shared.TerminationOperatorRequested,
			})
			require.Nil(t, err, "role %s state %s", role, initial)
			require.Nil(t, apply())
			assert.Equal(t, contract.States.TERMINATED, negotiation.GetState())
			assert.Equal(t,
				shared.TerminationOperatorRequested, negotiation.GetTerminationReason())
		}
	}
}

func TestTerminationPIDMismatch(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.REQUESTED,
		emptyOffer(), constants.DataspaceProvider)

	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	_, _, err := state.Recv(ctx, shared.ContractNegotiationTerminationMessage{
		ProviderPID: uuid.New().URN(),
		ConsumerPID: consumerPID.URN(),
		Code:        shared.TerminationOperatorRequested,
	})
	assert.NotNil(t, err)
	assert.Equal(t, contract.States.REQUESTED, negotiation.GetState())
}

func TestFinalStatesRejectMessages(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	for _, final := range []contract.State{
		contract.States.FINALIZED,
		contract.States.DECLINED,
		contract.States.TERMINATED,
	} {
		providerPID := uuid.New()
		consumerPID := uuid.New()
		negotiation := newNegotiation(
			e.ctx, providerPID, consumerPID, final,
			emptyOffer(), constants.DataspaceProvider)

		ctx, state := statemachine.GetContractNegotiation(
			e.ctx, negotiation, e.deps(constants.DataspaceProvider))
		_, _, err := state.Recv(ctx, shared.ContractNegotiationEventMessage{
			ProviderPID: providerPID.URN(),
			ConsumerPID: consumerPID.URN(),
			EventType:   contract.States.ACCEPTED.String(),
		})
		assert.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	}
}

func TestDuplicateDeliveryAcknowledged(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	consumerPID := uuid.New()

	// A retried accepted event on an already-accepted negotiation is
	// acknowledged without touching the state.
	negotiation := newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.ACCEPTED,
		emptyOffer(), constants.DataspaceProvider)
	ctx, state := statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	_, apply, err := state.Recv(ctx, shared.ContractNegotiationEventMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		EventType:   contract.States.ACCEPTED.String(),
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.ACCEPTED, negotiation.GetState())

	// Same for a termination retried against a terminated negotiation.
	negotiation = newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.TERMINATED,
		emptyOffer(), constants.DataspaceProvider)
	ctx, state = statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceProvider))
	_, apply, err = state.Recv(ctx, shared.ContractNegotiationTerminationMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		Code:        shared.TerminationOperatorRequested,
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.TERMINATED, negotiation.GetState())

	// And for a finalization event on a finalized negotiation.
	negotiation = newNegotiation(
		e.ctx, providerPID, consumerPID, contract.States.FINALIZED,
		emptyOffer(), constants.DataspaceConsumer)
	_, state = statemachine.GetContractNegotiation(
		e.ctx, negotiation, e.deps(constants.DataspaceConsumer))
	_, apply, err = state.Recv(ctx, shared.ContractNegotiationEventMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: consumerPID.URN(),
		EventType:   contract.States.FINALIZED.String(),
	})
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, contract.States.FINALIZED, negotiation.GetState())
}
