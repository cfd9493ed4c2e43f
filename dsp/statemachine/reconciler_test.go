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
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRequester fails a number of times before succeeding.
type flakyRequester struct {
	sync.Mutex
	failures int
	attempts int
}

func (fr *flakyRequester) SendHTTPRequest(
	ctx context.Context, method string, url *url.URL, reqBody []byte,
) ([]byte, error) {
	fr.Lock()
	defer fr.Unlock()
	fr.attempts++
	if fr.attempts <= fr.failures {
		return nil, fmt.Errorf("connection refused")
	}
	return []byte("{}"), nil
}

func contractEntry(e *environment, pid uuid.UUID, target contract.State) statemachine.ReconciliationEntry {
	return statemachine.ReconciliationEntry{
		EntityID:    pid,
		Type:        statemachine.ReconciliationContract,
		Role:        constants.DataspaceProvider,
		TargetState: target.String(),
		Method:      "POST",
		URL:         shared.MustParseURL("https://counterparty.dsp/callback/negotiations/offers"),
		Body:        []byte("{}"),
		Context:     e.ctx,
	}
}

func TestReconcilerConfirmsContractState(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	providerPID := uuid.New()
	negotiation := newNegotiation(
		e.ctx, providerPID, uuid.New(), contract.States.REQUESTED,
		emptyOffer(), constants.DataspaceProvider)
	require.Nil(t, e.store.PutContract(e.ctx, negotiation))

	e.reconciler.Run()
	e.reconciler.Add(contractEntry(e, providerPID, contract.States.OFFERED))

	assert.Eventually(t, func() bool {
		stored, err := e.store.GetContractR(e.ctx, providerPID, constants.DataspaceProvider)
		return err == nil && stored.GetState() == contract.States.OFFERED
	}, 5*time.Second, 25*time.Millisecond)
	assert.Equal(t, 1, e.requester.Count())
}

func TestReconcilerConfirmsTransferState(t *testing.T) {
	t.Parallel()
	e := newEnvironment(t)
	agreement := storedAgreement(t, e, constants.DataspaceConsumer)
	request := newTransfer(
		agreement, constants.DataspaceConsumer, transfer.States.INITIAL, nil)
	require.Nil(t, request.SetState(transfer.States.REQUESTED))
	require.Nil(t, e.store.PutTransfer(e.ctx, request))
	consumerPID := request.GetConsumerPID()

	e.reconciler.Run()
	e.reconciler.Add(statemachine.ReconciliationEntry{
		EntityID:    consumerPID,
		Type:        statemachine.ReconciliationTransferRequest,
		Role:        constants.DataspaceConsumer,
		TargetState: transfer.States.STARTED.String(),
		Method:      "POST",
		URL:         shared.MustParseURL("https://counterparty.dsp/callback/transfers/request"),
		Body:        []byte("{}"),
		Context:     e.ctx,
	})

	assert.Eventually(t, func() bool {
		stored, err := e.store.GetTransferR(e.ctx, consumerPID, constants.DataspaceConsumer)
		return err == nil && stored.GetState() == transfer.States.STARTED
	}, 5*time.Second, 25*time.Millisecond)
}

func TestReconcilerRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	e := newEnvironment(t)
	providerPID := uuid.New()
	negotiation := newNegotiation(
		ctx, providerPID, uuid.New(), contract.States.REQUESTED,
		emptyOffer(), constants.DataspaceProvider)
	require.Nil(t, e.store.PutContract(ctx, negotiation))

	requester := &flakyRequester{failures: 2}
	reconciler := statemachine.NewReconciler(ctx, requester, e.store, e.dataplane)
	reconciler.Run()
	reconciler.Add(contractEntry(e, providerPID, contract.States.OFFERED))

	assert.Eventually(t, func() bool {
		stored, err := e.store.GetContractR(ctx, providerPID, constants.DataspaceProvider)
		return err == nil && stored.GetState() == contract.States.OFFERED
	}, 10*time.Second, 50*time.Millisecond)
}

func TestReconcilerRetryBudgetTerminates(t *testing.T) {
	t.Parallel()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	e := newEnvironment(t)
	providerPID := uuid.New()
	negotiation := newNegotiation(
		ctx, providerPID, uuid.New(), contract.States.REQUESTED,
		emptyOffer(), constants.DataspaceProvider)
	require.Nil(t, e.store.PutContract(ctx, negotiation))

	// A single attempt against an unreachable counterparty burns the whole
	// budget and terminates the negotiation.
	requester := &flakyRequester{failures: 1 << 30}
	reconciler := statemachine.NewReconciler(ctx, requester, e.store, e.dataplane,
		statemachine.WithRetryBudget(1, time.Second))
	reconciler.Run()
	reconciler.Add(contractEntry(e, providerPID, contract.States.OFFERED))

	assert.Eventually(t, func() bool {
		stored, err := e.store.GetContractR(ctx, providerPID, constants.DataspaceProvider)
		return err == nil && stored.GetState() == contract.States.TERMINATED
	}, 5*time.Second, 25*time.Millisecond)
	stored, err := e.store.GetContractR(ctx, providerPID, constants.DataspaceProvider)
	require.Nil(t, err)
	assert.Equal(t, shared.TerminationCounterpartyUnreachable, stored.GetTerminationReason())
}

func TestReconcilerDropsCancelledOperations(t *testing.T) {
	t.Parallel()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	e := newEnvironment(t)
	providerPID := uuid.New()
	negotiation := newNegotiation(
		ctx, providerPID, uuid.New(), contract.States.REQUESTED,
		emptyOffer(), constants.DataspaceProvider)
	require.Nil(t, e.store.PutContract(ctx, negotiation))

	// A requester that never succeeds, so the operation keeps getting
	// requeued until the cancellation takes effect.
	requester := &flakyRequester{failures: 1 << 30}
	reconciler := statemachine.NewReconciler(ctx, requester, e.store, e.dataplane)
	reconciler.Run()
	reconciler.Add(contractEntry(e, providerPID, contract.States.OFFERED))

	assert.Eventually(t, func() bool {
		requester.Lock()
		defer requester.Unlock()
		return requester.attempts >= 1
	}, 5*time.Second, 10*time.Millisecond)
	reconciler.Cancel(providerPID)

	time.Sleep(200 * time.Millisecond)
	stored, err := e.store.GetContractR(ctx, providerPID, constants.DataspaceProvider)
	require.Nil(t, err)
	assert.Equal(t, contract.States.REQUESTED, stored.GetState())
}
