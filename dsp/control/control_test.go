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

package control_test

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/control"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	internalconstants "github.com/go-dataspace/run-sig/internal/constants"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/go-dataspace/run-sig/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wellKnownRequester serves a version document for well-known lookups and
// swallows everything else.
type wellKnownRequester struct {
	sync.Mutex
	version  string
	requests []string
}

func (wr *wellKnownRequester) SendHTTPRequest(
	ctx context.Context, method string, u *url.URL, reqBody []byte,
) ([]byte, error) {
	wr.Lock()
	defer wr.Unlock()
	wr.requests = append(wr.requests, method+" "+u.String())
	if strings.Contains(u.Path, ".well-known/dspace-version") {
		return json.Marshal(shared.VersionResponse{
			Context: shared.GetDSPContext(),
			ProtocolVersions: []shared.ProtocolVersion{
				{Version: wr.version, Path: internalconstants.APIPath},
			},
		})
	}
	return []byte("{}"), nil
}

type fixture struct {
	ctx       context.Context
	store     persistence.StorageProvider
	authority *dcp.LocalAuthority
	requester *wellKnownRequester
	dataplane *dps.Controller
	server    *control.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	store, err := badger.New(ctx, true, "")
	require.Nil(t, err)
	authority, err := dcp.New("test-authority", nil, store, store)
	require.Nil(t, err)
	dataplane := dps.NewController(
		store, authority, dps.NewLoopbackPlane(), shared.MustParseURL("https://self.dsp/data"))
	requester := &wellKnownRequester{version: internalconstants.DSPVersion}
	deps := statemachine.Deps{
		Authority:  authority,
		Policy:     policy.NewODRLEngine(),
		DataPlane:  dataplane,
		Reconciler: statemachine.NewReconciler(ctx, requester, store, dataplane),
		Store:      store,
	}
	server := control.New(requester, deps, shared.MustParseURL("https://self.dsp"))
	return &fixture{
		ctx:       ctx,
		store:     store,
		authority: authority,
		requester: requester,
		dataplane: dataplane,
		server:    server,
	}
}

func testOffer() odrl.Offer {
	return odrl.Offer{
		MessageOffer: odrl.MessageOffer{
			PolicyClass: odrl.PolicyClass{ID: uuid.New().URN()},
			Type:        "odrl:Offer",
			Target:      uuid.New().URN(),
		},
	}
}

// storedNegotiation seeds the store with a negotiation in the given state.
func storedNegotiation(
	t *testing.T, f *fixture, state contract.State, role constants.DataspaceRole,
) *contract.Negotiation {
	t.Helper()
	negotiation := contract.New(
		f.ctx,
		uuid.New(),
		uuid.New(),
		state,
		testOffer(),
		shared.MustParseURL("https://counterparty.dsp/dsp/2024-1"),
		shared.MustParseURL("https://self.dsp"),
		role,
	)
	require.Nil(t, f.store.PutContract(f.ctx, negotiation))
	return negotiation
}

func TestContractRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	pid, err := f.server.ContractRequest(f.ctx, "https://counterparty.dsp", testOffer())
	require.Nil(t, err)

	stored, err := f.store.GetContractR(f.ctx, pid, constants.DataspaceConsumer)
	require.Nil(t, err)
	// The reconciler confirms REQUESTED once the message is delivered.
	assert.Equal(t, contract.States.INITIAL, stored.GetState())
	assert.Contains(t, stored.GetCallback().Path, internalconstants.APIPath)
	assert.Contains(t, stored.GetSelf().Path, "callback")
	assert.Contains(t, f.requester.requests[0], ".well-known/dspace-version")
}

func TestContractRequestUnsupportedVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.requester.version = "1999-1"

	_, err := f.server.ContractRequest(f.ctx, "https://counterparty.dsp", testOffer())
	assert.NotNil(t, err)
}

func TestContractOffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	pid, err := f.server.ContractOffer(f.ctx, "https://counterparty.dsp", testOffer())
	require.Nil(t, err)

	stored, err := f.store.GetContractR(f.ctx, pid, constants.DataspaceProvider)
	require.Nil(t, err)
	assert.Equal(t, contract.States.INITIAL, stored.GetState())
}

func TestContractAgree(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	negotiation := storedNegotiation(
		t, f, contract.States.REQUESTED, constants.DataspaceProvider)

	require.Nil(t, f.server.ContractAgree(f.ctx, negotiation.GetProviderPID()))

	stored, err := f.store.GetContractR(
		f.ctx, negotiation.GetProviderPID(), constants.DataspaceProvider)
	require.Nil(t, err)
	agreement := stored.GetAgreement()
	require.NotNil(t, agreement)
	assert.NotNil(t, agreement.ProviderSignature)
}

func TestContractAcceptWrongState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	negotiation := storedNegotiation(
		t, f, contract.States.REQUESTED, constants.DataspaceConsumer)

	err := f.server.ContractAccept(f.ctx, negotiation.GetConsumerPID())
	assert.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestContractAcceptUnknownPID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	err := f.server.ContractAccept(f.ctx, uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestContractDecline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	negotiation := storedNegotiation(
		t, f, contract.States.OFFERED, constants.DataspaceConsumer)

	require.Nil(t, f.server.ContractDecline(f.ctx, negotiation.GetConsumerPID()))

	stored, err := f.store.GetContractR(
		f.ctx, negotiation.GetConsumerPID(), constants.DataspaceConsumer)
	require.Nil(t, err)
	assert.Equal(t, contract.States.DECLINED, stored.GetState())
}

func TestContractTerminate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	negotiation := storedNegotiation(
		t, f, contract.States.REQUESTED, constants.DataspaceProvider)

	require.Nil(t, f.server.ContractTerminate(
		f.ctx, negotiation.GetProviderPID(),
		shared.TerminationOperatorRequested, []string{"no longer needed"}))

	stored, err := f.store.GetContractR(
		f.ctx, negotiation.GetProviderPID(), constants.DataspaceProvider)
	require.Nil(t, err)
	assert.Equal(t, contract.States.TERMINATED, stored.GetState())
	assert.Equal(t, shared.TerminationOperatorRequested, stored.GetTerminationReason())
}

func TestTransferRequestNeedsAgreement(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.server.TransferRequest(
		f.ctx, uuid.New(), "HTTP_PULL", "https://counterparty.dsp", nil)
	assert.ErrorIs(t, err, shared.ErrContractNotAgreed)
}

func TestTransferRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	offer := testOffer()
	agreement := &odrl.Agreement{
		PolicyClass: offer.PolicyClass,
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      offer.Target,
		Timestamp:   time.Now(),
	}
	require.Nil(t, f.authority.SignAgreement(f.ctx, agreement, constants.DataspaceProvider))
	require.Nil(t, f.authority.SignAgreement(f.ctx, agreement, constants.DataspaceConsumer))
	require.Nil(t, f.store.PutAgreement(f.ctx, &persistence.AgreementRecord{
		Agreement:      agreement,
		NegotiationPID: uuid.New(),
		Role:           constants.DataspaceConsumer,
	}))

	pid, err := f.server.TransferRequest(
		f.ctx, uuid.MustParse(agreement.ID), "HTTP_PULL", "https://counterparty.dsp", nil)
	require.Nil(t, err)

	stored, err := f.store.GetTransferR(f.ctx, pid, constants.DataspaceConsumer)
	require.Nil(t, err)
	assert.Equal(t, transfer.States.INITIAL, stored.GetState())
	assert.Equal(t, transfer.DirectionPull, stored.GetTransferDirection())
}

func TestTransferPolicySuspend(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	offer := testOffer()
	agreement := &odrl.Agreement{
		PolicyClass: offer.PolicyClass,
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      offer.Target,
		Timestamp:   time.Now(),
	}
	request := transfer.New(
		uuid.New(),
		agreement,
		"HTTP_PULL",
		shared.MustParseURL("https://counterparty.dsp/dsp/2024-1"),
		shared.MustParseURL("https://self.dsp/callback"),
		constants.DataspaceProvider,
		transfer.States.REQUESTED,
		nil,
	)
	require.Nil(t, request.SetState(transfer.States.STARTED))
	require.Nil(t, f.store.PutTransfer(f.ctx, request))
	_, err := f.dataplane.Start(
		f.ctx, request.GetProviderPID(), transfer.DirectionPull, nil,
		dps.TriggerRemoteMessage)
	require.Nil(t, err)

	require.Nil(t, f.server.TransferPolicySuspend(
		f.ctx, request.GetProviderPID(), "policy-violation"))

	// The flow is paused and records the monitor as its trigger.
	flow, err := f.dataplane.GetFlow(f.ctx, request.GetProviderPID())
	require.Nil(t, err)
	assert.Equal(t, dps.FlowStates.SUSPENDED, flow.GetState())
	assert.Equal(t, dps.TriggerPolicyMonitor, flow.GetLastTrigger())
}

func TestTransferSuspendWrongState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	offer := testOffer()
	agreement := &odrl.Agreement{
		PolicyClass: offer.PolicyClass,
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      offer.Target,
		Timestamp:   time.Now(),
	}
	request := transfer.New(
		uuid.New(),
		agreement,
		"HTTP_PULL",
		shared.MustParseURL("https://counterparty.dsp/dsp/2024-1"),
		shared.MustParseURL("https://self.dsp/callback"),
		constants.DataspaceConsumer,
		transfer.States.REQUESTED,
		nil,
	)
	require.Nil(t, f.store.PutTransfer(f.ctx, request))

	err := f.server.TransferSuspend(
		f.ctx, request.GetConsumerPID(), shared.TerminationOperatorRequested)
	assert.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}
