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

package dps

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

// FlowStore is the persistence the controller needs. The RW getters lock the
// flow, PutFlow saves and unlocks it. ClaimFlowRW locks even when no flow
// exists yet, returning nil so Start can create one without racing another
// starter on the same process.
type FlowStore interface {
	GetFlowR(ctx context.Context, processID uuid.UUID) (*Flow, error)
	GetFlowRW(ctx context.Context, processID uuid.UUID) (*Flow, error)
	ClaimFlowRW(ctx context.Context, processID uuid.UUID) (*Flow, error)
	PutFlow(ctx context.Context, flow *Flow) error
	ReleaseFlow(ctx context.Context, flow *Flow) error
}

// Controller signals the data plane on behalf of the transfer coordinator.
// All operations are idempotent: signaling a state the flow is already in is
// a no-op that doesn't touch tokens or the plane.
type Controller struct {
	store     FlowStore
	authority dcp.Authority
	plane     DataPlane
	endpoint  *url.URL
}

// NewController wires up a controller. The endpoint is where pull consumers
// fetch data, it ends up in the EDRs this controller hands out.
func NewController(
	store FlowStore,
	authority dcp.Authority,
	plane DataPlane,
	endpoint *url.URL,
) *Controller {
	return &Controller{
		store:     store,
		authority: authority,
		plane:     plane,
		endpoint:  endpoint,
	}
}

// GetFlow returns a read-only view of the flow for the process.
func (c *Controller) GetFlow(ctx context.Context, processID uuid.UUID) (*Flow, error) {
	return c.store.GetFlowR(ctx, processID)
}

// Start provisions or resumes the data plane for the process. A fresh token
// is minted, superseding any previous one, and for pull transfers an EDR is
// set on the flow. Starting an already-started flow returns the existing
// flow without minting a second token.
func (c *Controller) Start(
	ctx context.Context,
	processID uuid.UUID,
	direction transfer.Direction,
	address *shared.DataAddress,
	trigger Trigger,
) (*Flow, error) {
	ctx, logger := logging.InjectLabels(ctx,
		"process_id", processID, "trigger", trigger.String())

	// The claim keeps the flow lock held even when no flow exists yet, so
	// the create-and-mint path below can't run twice for the same process.
	flow, err := c.store.ClaimFlowRW(ctx, processID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		flow = NewFlow(processID, direction, address)
		flow.SetInitial()
	}

	switch flow.GetState() {
	case FlowStates.TERMINATED:
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, fmt.Errorf("%w: flow is terminated", shared.ErrInvalidStateTransition)
	case FlowStates.STARTED:
		logger.Debug("Flow already started, nothing to do")
		_ = c.store.ReleaseFlow(ctx, flow)
		return flow, nil
	case FlowStates.REQUESTED, FlowStates.SUSPENDED:
	}

	token, err := c.authority.IssueToken(ctx, processID, tokenDirection(direction))
	if err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, fmt.Errorf("couldn't issue token: %w", err)
	}

	resuming := flow.GetState() == FlowStates.SUSPENDED
	if resuming {
		err = c.plane.Resume(ctx, processID, token.Value)
	} else {
		err = c.plane.Provision(ctx, processID, flow.GetDataAddress(), token.Value)
	}
	if err != nil {
		logger.Error("Data plane signal failed, revoking token", "err", err)
		_ = c.authority.RevokeToken(ctx, token.ID)
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, fmt.Errorf("data plane signal failed: %w", err)
	}

	if flow.GetDirection() == transfer.DirectionPull {
		flow.SetEDR(&dcp.EDR{
			Endpoint:  c.dataEndpoint(processID),
			Token:     token.Value,
			ExpiresAt: token.ExpiresAt,
		})
	}
	flow.SetTokenID(token.ID)
	flow.SetLastTrigger(trigger)
	if err := flow.SetState(FlowStates.STARTED); err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, err
	}
	if err := c.store.PutFlow(ctx, flow); err != nil {
		return nil, err
	}
	logger.Info("Flow started", flow.GetLogFields("")...)
	return flow, nil
}

// Suspend pauses the data plane and revokes the flow's token. Suspending an
// already-suspended flow is a no-op.
func (c *Controller) Suspend(
	ctx context.Context, processID uuid.UUID, trigger Trigger,
) (*Flow, error) {
	ctx, logger := logging.InjectLabels(ctx,
		"process_id", processID, "trigger", trigger.String())

	flow, err := c.store.GetFlowRW(ctx, processID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: no flow for process", shared.ErrInvalidStateTransition)
		}
		return nil, err
	}

	switch flow.GetState() {
	case FlowStates.SUSPENDED:
		logger.Debug("Flow already suspended, nothing to do")
		_ = c.store.ReleaseFlow(ctx, flow)
		return flow, nil
	case FlowStates.STARTED:
	default:
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, fmt.Errorf("%w: can't suspend flow in state %s",
			shared.ErrInvalidStateTransition, flow.GetState())
	}

	if err := c.revokeFlowToken(ctx, flow); err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, err
	}
	if err := c.plane.Pause(ctx, processID); err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, fmt.Errorf("data plane signal failed: %w", err)
	}
	flow.SetLastTrigger(trigger)
	if err := flow.SetState(FlowStates.SUSPENDED); err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return nil, err
	}
	if err := c.store.PutFlow(ctx, flow); err != nil {
		return nil, err
	}
	logger.Info("Flow suspended", flow.GetLogFields("")...)
	return flow, nil
}

// Terminate tears down the data plane and revokes the flow's token. It is
// idempotent: terminating an already-terminated or never-provisioned flow
// succeeds without side effects.
func (c *Controller) Terminate(
	ctx context.Context, processID uuid.UUID, trigger Trigger, reason string,
) error {
	ctx, logger := logging.InjectLabels(ctx,
		"process_id", processID, "trigger", trigger.String(), "reason", reason)

	flow, err := c.store.GetFlowRW(ctx, processID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Debug("No flow for process, nothing to terminate")
			return nil
		}
		return err
	}

	if flow.GetState() == FlowStates.TERMINATED {
		logger.Debug("Flow already terminated, nothing to do")
		return c.store.ReleaseFlow(ctx, flow)
	}

	if err := c.revokeFlowToken(ctx, flow); err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return err
	}
	if err := c.plane.Teardown(ctx, processID); err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return fmt.Errorf("data plane signal failed: %w", err)
	}
	flow.SetLastTrigger(trigger)
	flow.SetTerminationReason(reason)
	if err := flow.SetState(FlowStates.TERMINATED); err != nil {
		_ = c.store.ReleaseFlow(ctx, flow)
		return err
	}
	if err := c.store.PutFlow(ctx, flow); err != nil {
		return err
	}
	logger.Info("Flow terminated", flow.GetLogFields("")...)
	return nil
}

func (c *Controller) revokeFlowToken(ctx context.Context, flow *Flow) error {
	tokenID := flow.GetTokenID()
	if tokenID == uuid.Nil {
		return nil
	}
	if err := c.authority.RevokeToken(ctx, tokenID); err != nil {
		return fmt.Errorf("couldn't revoke token: %w", err)
	}
	flow.SetTokenID(uuid.Nil)
	flow.SetEDR(nil)
	return nil
}

func (c *Controller) dataEndpoint(processID uuid.UUID) string {
	return c.endpoint.JoinPath("data", processID.String()).String()
}

func tokenDirection(d transfer.Direction) dcp.Direction {
	switch d {
	case transfer.DirectionPull:
		return dcp.DirectionPull
	case transfer.DirectionPush:
		return dcp.DirectionPush
	default:
		return dcp.DirectionUnknown
	}
}
