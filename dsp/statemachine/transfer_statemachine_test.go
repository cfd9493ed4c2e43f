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
	"testing"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storedAgreement signs an agreement with both parties and stores the record,
// as a finalized negotiation would have.
func storedAgreement(
	t *testing.T, e *environment, role constants.DataspaceRole,
) *odrl.Agreement {
	t.Helper()
	agreement := signedAgreement(t, e, emptyOffer())
	require.Nil(t, e.consumerAuthority.SignAgreement(
		e.ctx, agreement, constants.DataspaceConsumer))
	require.Nil(t, e.store.PutAgreement(e.ctx, &persistence.AgreementRecord{
		Agreement:      agreement,
		NegotiationPID: uuid.New(),
		Role:           role,
	}))
	return agreement
}

func newTransfer(
	agreement *odrl.Agreement,
	role constants.DataspaceRole,
	state transfer.State,
	dataAddress *shared.DataAddress,
) *transfer.Request {
	return transfer.New(
		uuid.New(),
		agreement,
		"HTTP_PULL",
		shared.MustParseURL("https://counterparty.dsp/callback"),
		shared.MustParseURL("https://self.dsp/callback"),
		role,
		state,
		dataAddress,
	)
}

func TestTransferRequestRequiresAgreement(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)

	// An agreement that never got stored.
	unknown := signedAgreement(t, e, emptyOffer())
	request := newTransfer(unknown, constants.DataspaceProvider, transfer.States.INITIAL, nil)
	state := statemachine.GetTransferRequestNegotiation(
		request, e.deps(constants.DataspaceProvider))
	_, err := state.Recv(e.ctx, shared.TransferRequestMessage{
		ConsumerPID: request.GetConsumerPID().URN(),
	})
	assert.ErrorIs(t, err, shared.ErrContractNotAgreed)

	// A stored agreement that only carries the provider signature.
	partial := signedAgreement(t, e, emptyOffer())
	require.Nil(t, e.store.PutAgreement(e.ctx, &persistence.AgreementRecord{
		Agreement:      partial,
		NegotiationPID: uuid.New(),
		Role:           constants.DataspaceProvider,
	}))
	request = newTransfer(partial, constants.DataspaceProvider, transfer.States.INITIAL, nil)
	state = statemachine.GetTransferRequestNegotiation(
		request, e.deps(constants.DataspaceProvider))
	_, err = state.Recv(e.ctx, shared.TransferRequestMessage{
		ConsumerPID: request.GetConsumerPID().URN(),
	})
	assert.ErrorIs(t, err, shared.ErrContractNotAgreed)
}

func TestProviderPullTransferFlow(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	agreement := storedAgreement(t, e, constants.DataspaceProvider)
	request := newTransfer(agreement, constants.DataspaceProvider, transfer.States.INITIAL, nil)
	deps := e.deps(constants.DataspaceProvider)

	state := statemachine.GetTransferRequestNegotiation(request, deps)
	next, err := state.Recv(e.ctx, shared.TransferRequestMessage{
		ConsumerPID: request.GetConsumerPID().URN(),
	})
	require.Nil(t, err)
	assert.Equal(t, transfer.States.REQUESTED, request.GetState())
	assert.NotEqual(t, uuid.UUID{}, request.GetProviderPID())

	// Sending from REQUESTED provisions the data plane and queues the start
	// message.
	apply, err := next.Send(e.ctx)
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.Equal(t, transfer.States.PROVISIONED, request.GetState())
	assert.True(t, e.plane.Active(request.GetProviderPID()))
	require.NotNil(t, request.GetEDR())
	firstToken := request.GetEDR().Token

	// The start message got through.
	require.Nil(t, request.SetState(transfer.States.STARTED))

	// The consumer asks for a suspension, which pauses the flow.
	state = statemachine.GetTransferRequestNegotiation(request, deps)
	_, err = state.Recv(e.ctx, shared.TransferSuspensionMessage{
		ProviderPID: request.GetProviderPID().URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
		Code:        shared.TerminationOperatorRequested,
	})
	require.Nil(t, err)
	assert.Equal(t, transfer.States.SUSPENDED, request.GetState())
	assert.False(t, e.plane.Active(request.GetProviderPID()))

	// Resuming re-provisions the flow with a fresh token.
	state = statemachine.GetTransferRequestNegotiation(request, deps)
	apply, err = state.Send(e.ctx)
	require.Nil(t, err)
	require.Nil(t, apply())
	assert.True(t, e.plane.Active(request.GetProviderPID()))
	assert.NotEqual(t, firstToken, request.GetEDR().Token)
	require.Nil(t, request.SetState(transfer.States.STARTED))

	// Completion tears the flow down.
	state = statemachine.GetTransferRequestNegotiation(request, deps)
	_, err = state.Recv(e.ctx, shared.TransferCompletionMessage{
		ProviderPID: request.GetProviderPID().URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
	})
	require.Nil(t, err)
	assert.Equal(t, transfer.States.COMPLETED, request.GetState())
	assert.False(t, e.plane.Active(request.GetProviderPID()))
}

func TestConsumerStartMessage(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	agreement := storedAgreement(t, e, constants.DataspaceConsumer)
	request := newTransfer(agreement, constants.DataspaceConsumer, transfer.States.REQUESTED, nil)
	providerPID := uuid.New()

	state := statemachine.GetTransferRequestNegotiation(
		request, e.deps(constants.DataspaceConsumer))
	_, err := state.Recv(e.ctx, shared.TransferStartMessage{
		ProviderPID: providerPID.URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
		DataAddress: &shared.DataAddress{
			Type:         "dspace:DataAddress",
			EndpointType: "https://w3id.org/idsa/v4.1/HTTPS",
			Endpoint:     "https://provider.dsp/data/" + providerPID.String(),
		},
	})
	require.Nil(t, err)
	assert.Equal(t, transfer.States.STARTED, request.GetState())
	assert.Equal(t, providerPID, request.GetProviderPID())
	require.NotNil(t, request.GetDataAddress())
	assert.Contains(t, request.GetDataAddress().Endpoint, providerPID.String())
}

func TestTransferTermination(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	agreement := storedAgreement(t, e, constants.DataspaceProvider)
	request := newTransfer(agreement, constants.DataspaceProvider, transfer.States.INITIAL, nil)
	deps := e.deps(constants.DataspaceProvider)

	state := statemachine.GetTransferRequestNegotiation(request, deps)
	next, err := state.Recv(e.ctx, shared.TransferRequestMessage{
		ConsumerPID: request.GetConsumerPID().URN(),
	})
	require.Nil(t, err)
	apply, err := next.Send(e.ctx)
	require.Nil(t, err)
	require.Nil(t, apply())
	require.Nil(t, request.SetState(transfer.States.STARTED))

	state = statemachine.GetTransferRequestNegotiation(request, deps)
	_, err = state.Recv(e.ctx, shared.TransferTerminationMessage{
		ProviderPID: request.GetProviderPID().URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
		Code:        shared.TerminationOperatorRequested,
	})
	require.Nil(t, err)
	assert.Equal(t, transfer.States.TERMINATED, request.GetState())
	assert.Equal(t, shared.TerminationOperatorRequested, request.GetTerminationReason())
	assert.False(t, e.plane.Active(request.GetProviderPID()))
}

func TestConsumerResumeNotImplemented(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	agreement := storedAgreement(t, e, constants.DataspaceConsumer)
	request := newTransfer(
		agreement, constants.DataspaceConsumer, transfer.States.SUSPENDED, nil)

	state := statemachine.GetTransferRequestNegotiation(
		request, e.deps(constants.DataspaceConsumer))
	_, err := state.Send(e.ctx)
	assert.ErrorIs(t, err, statemachine.ErrNotImplemented)
}

func TestTransferPIDMismatch(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	agreement := storedAgreement(t, e, constants.DataspaceConsumer)
	request := newTransfer(agreement, constants.DataspaceConsumer, transfer.States.REQUESTED, nil)

	state := statemachine.GetTransferRequestNegotiation(
		request, e.deps(constants.DataspaceConsumer))
	_, err := state.Recv(e.ctx, shared.TransferStartMessage{
		ProviderPID: uuid.New().URN(),
		ConsumerPID: uuid.New().URN(),
	})
	assert.NotNil(t, err)
	assert.Equal(t, transfer.States.REQUESTED, request.GetState())
}

func TestFinalTransferStates(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	for _, final := range []transfer.State{
		transfer.States.COMPLETED,
		transfer.States.TERMINATED,
	} {
		agreement := storedAgreement(t, e, constants.DataspaceProvider)
		request := newTransfer(agreement, constants.DataspaceProvider, final, nil)
		state := statemachine.GetTransferRequestNegotiation(
			request, e.deps(constants.DataspaceProvider))
		_, err := state.Recv(e.ctx, shared.TransferSuspensionMessage{
			ProviderPID: request.GetProviderPID().URN(),
			ConsumerPID: request.GetConsumerPID().URN(),
		})
		assert.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	}
}

func TestTransferDuplicateDeliveryAcknowledged(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	agreement := storedAgreement(t, e, constants.DataspaceConsumer)
	request := newTransfer(agreement, constants.DataspaceConsumer, transfer.States.STARTED, nil)
	deps := e.deps(constants.DataspaceConsumer)

	// A retried start message on a started transfer is acknowledged, not
	// rejected.
	state := statemachine.GetTransferRequestNegotiation(request, deps)
	next, err := state.Recv(e.ctx, shared.TransferStartMessage{
		ProviderPID: request.GetProviderPID().URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
	})
	require.Nil(t, err)
	assert.Equal(t, transfer.States.STARTED, next.GetState())

	// Same for a retried termination on a terminated transfer.
	require.Nil(t, request.SetState(transfer.States.TERMINATED))
	state = statemachine.GetTransferRequestNegotiation(request, deps)
	next, err = state.Recv(e.ctx, shared.TransferTerminationMessage{
		ProviderPID: request.GetProviderPID().URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
		Code:        shared.TerminationOperatorRequested,
	})
	require.Nil(t, err)
	assert.Equal(t, transfer.States.TERMINATED, next.GetState())
}
