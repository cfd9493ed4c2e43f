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

package dps_test

import (
	"context"
	"sync"
	"testing"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T) (context.Context, *dps.Controller, *dps.LoopbackPlane, *dcp.LocalAuthority) {
	t.Helper()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	store, err := badger.New(ctx, true, "")
	require.Nil(t, err)
	authority, err := dcp.New("test-authority", nil, store, store)
	require.Nil(t, err)
	plane := dps.NewLoopbackPlane()
	controller := dps.NewController(
		store, authority, plane, shared.MustParseURL("https://provider.dsp"))
	return ctx, controller, plane, authority
}

// countingAuthority tallies token operations going through the controller.
type countingAuthority struct {
	dcp.Authority
	sync.Mutex
	issued  int
	revoked int
}

func (ca *countingAuthority) IssueToken(
	ctx context.Context, processID uuid.UUID, direction dcp.Direction,
) (*dcp.Token, error) {
	ca.Lock()
	ca.issued++
	ca.Unlock()
	return ca.Authority.IssueToken(ctx, processID, direction)
}

func (ca *countingAuthority) RevokeToken(ctx context.Context, tokenID uuid.UUID) error {
	ca.Lock()
	ca.revoked++
	ca.Unlock()
	return ca.Authority.RevokeToken(ctx, tokenID)
}

func (ca *countingAuthority) Issued() int {
	ca.Lock()
	defer ca.Unlock()
	return ca.issued
}

func (ca *countingAuthority) Revoked() int {
	ca.Lock()
	defer ca.Unlock()
	return ca.revoked
}

func newCountingController(t *testing.T) (context.Context, *dps.Controller, *countingAuthority) {
	t.Helper()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	store, err := badger.New(ctx, true, "")
	require.Nil(t, err)
	authority, err := dcp.New("test-authority", nil, store, store)
	require.Nil(t, err)
	counting := &countingAuthority{Authority: authority}
	controller := dps.NewController(
		store, counting, dps.NewLoopbackPlane(), shared.MustParseURL("https://provider.dsp"))
	return ctx, controller, counting
}

func TestStartPullFlow(t *testing.T) {
	t.Parallel()
	ctx, controller, plane, authority := newController(t)
	processID := uuid.New()

	flow, err := controller.Start(
		ctx, processID, transfer.DirectionPull, nil, dps.TriggerRemoteMessage)
	require.Nil(t, err)
	assert.Equal(t, dps.FlowStates.STARTED, flow.GetState())
	assert.True(t, plane.Active(processID))

	edr := flow.GetEDR()
	require.NotNil(t, edr)
	assert.Contains(t, edr.Endpoint, processID.String())
	assert.NotEmpty(t, edr.Token)

	// The EDR token is a valid access token for this process.
	claims, err := authority.VerifyPresentation(ctx, dcp.Presentation{Token: edr.Token})
	require.Nil(t, err)
	assert.Equal(t, processID.String(), claims["processId"])

	// Starting an already-started flow doesn't mint a second token.
	again, err := controller.Start(
		ctx, processID, transfer.DirectionPull, nil, dps.TriggerRemoteMessage)
	require.Nil(t, err)
	assert.Equal(t, edr.Token, again.GetEDR().Token)
}

func TestStartPushFlow(t *testing.T) {
	t.Parallel()
	ctx, controller, plane, _ := newController(t)
	processID := uuid.New()
	address := &shared.DataAddress{
		Type:         "dspace:DataAddress",
		EndpointType: "https://w3id.org/idsa/v4.1/HTTP",
		Endpoint:     "https://consumer.dsp/sink",
	}

	flow, err := controller.Start(
		ctx, processID, transfer.DirectionPush, address, dps.TriggerRemoteMessage)
	require.Nil(t, err)
	assert.Equal(t, dps.FlowStates.STARTED, flow.GetState())
	assert.Nil(t, flow.GetEDR())
	assert.True(t, plane.Active(processID))
}

func TestSuspendAndResume(t *testing.T) {
	t.Parallel()
	ctx, controller, plane, authority := newController(t)
	processID := uuid.New()

	flow, err := controller.Start(
		ctx, processID, transfer.DirectionPull, nil, dps.TriggerRemoteMessage)
	require.Nil(t, err)
	firstToken := flow.GetEDR().Token

	flow, err = controller.Suspend(ctx, processID, dps.TriggerManualInvocation)
	require.Nil(t, err)
	assert.Equal(t, dps.FlowStates.SUSPENDED, flow.GetState())
	assert.False(t, plane.Active(processID))
	assert.Nil(t, flow.GetEDR())

	// The old token no longer grants access.
	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{Token: firstToken})
	assert.ErrorIs(t, err, dcp.ErrRevoked)

	// Suspending twice is a no-op.
	_, err = controller.Suspend(ctx, processID, dps.TriggerManualInvocation)
	require.Nil(t, err)

	// Resuming mints a fresh token.
	flow, err = controller.Start(
		ctx, processID, transfer.DirectionPull, nil, dps.TriggerManualInvocation)
	require.Nil(t, err)
	assert.Equal(t, dps.FlowStates.STARTED, flow.GetState())
	assert.True(t, plane.Active(processID))
	assert.NotEqual(t, firstToken, flow.GetEDR().Token)
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	ctx, controller, plane, authority := newController(t)
	processID := uuid.New()

	flow, err := controller.Start(
		ctx, processID, transfer.DirectionPull, nil, dps.TriggerRemoteMessage)
	require.Nil(t, err)
	token := flow.GetEDR().Token

	require.Nil(t, controller.Terminate(
		ctx, processID, dps.TriggerRemoteMessage, shared.TerminationOperatorRequested))
	assert.False(t, plane.Active(processID))

	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{Token: token})
	assert.ErrorIs(t, err, dcp.ErrRevoked)

	flow, err = controller.GetFlow(ctx, processID)
	require.Nil(t, err)
	assert.Equal(t, dps.FlowStates.TERMINATED, flow.GetState())

	// Terminating again is a no-op, as is terminating an unknown process.
	assert.Nil(t, controller.Terminate(
		ctx, processID, dps.TriggerRemoteMessage, shared.TerminationOperatorRequested))
	assert.Nil(t, controller.Terminate(
		ctx, uuid.New(), dps.TriggerRemoteMessage, shared.TerminationOperatorRequested))

	// A terminated flow can't be started again.
	_, err = controller.Start(
		ctx, processID, transfer.DirectionPull, nil, dps.TriggerRemoteMessage)
	assert.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestConcurrentStart(t *testing.T) {
	t.Parallel()
	ctx, controller, authority := newCountingController(t)
	processID := uuid.New()

	var wg sync.WaitGroup
	flows := make([]*dps.Flow, 2)
	errs := make([]error, 2)
	for i := range flows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flows[i], errs[i] = controller.Start(
				ctx, processID, transfer.DirectionPull, nil, dps.TriggerRemoteMessage)
		}()
	}
	wg.Wait()
	require.Nil(t, errs[0])
	require.Nil(t, errs[1])

	// The flow lock serializes the racing starters, so only one of them
	// creates the flow and mints a token. The other sees the started flow.
	assert.Equal(t, 1, authority.Issued())
	assert.Equal(t, flows[0].GetEDR().Token, flows[1].GetEDR().Token)
}

func TestConcurrentTerminate(t *testing.T) {
	t.Parallel()
	ctx, controller, authority := newCountingController(t)
	processID := uuid.New()

	_, err := controller.Start(
		ctx, processID, transfer.DirectionPull, nil, dps.TriggerRemoteMessage)
	require.Nil(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = controller.Terminate(
				ctx, processID, dps.TriggerRemoteMessage, shared.TerminationOperatorRequested)
		}()
	}
	wg.Wait()
	assert.Nil(t, errs[0])
	assert.Nil(t, errs[1])

	// Both terminations succeed but only one of them revokes the token.
	assert.Equal(t, 1, authority.Revoked())
	flow, err := controller.GetFlow(ctx, processID)
	require.Nil(t, err)
	assert.Equal(t, dps.FlowStates.TERMINATED, flow.GetState())
}

func TestSuspendUnknownFlow(t *testing.T) {
	t.Parallel()
	ctx, controller, _, _ := newController(t)
	_, err := controller.Suspend(ctx, uuid.New(), dps.TriggerManualInvocation)
	assert.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}
