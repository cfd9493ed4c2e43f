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

package statemachine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

var ErrNotImplemented = errors.New("not implemented")

type TransferRequester interface {
	GetProviderPID() uuid.UUID
	GetConsumerPID() uuid.UUID
	GetAgreementID() uuid.UUID
	GetTarget() string
	GetFormat() string
	GetCallback() *url.URL
	GetSelf() *url.URL
	GetState() transfer.State
	GetRole() constants.DataspaceRole
	SetState(state transfer.State) error
	GetTransferRequest() *transfer.Request
	GetTransferDirection() transfer.Direction
	GetTransferProcess() shared.TransferProcess
}

// TransferRequestNegotiationState represents a transfer process in a certain
// state.
type TransferRequestNegotiationState interface {
	TransferRequester
	Recv(ctx context.Context, message any) (TransferRequestNegotiationState, error)
	Send(ctx context.Context) (applyFunc, error)
	GetDataPlane() *dps.Controller
	GetReconciler() *Reconciler
	deps() stateMachineDeps
}

func (cd *stateMachineDeps) GetDataPlane() *dps.Controller { return cd.d }

func (cd *stateMachineDeps) deps() stateMachineDeps { return *cd }

// TransferRequestNegotiationInitial is a transfer process that hasn't been
// requested yet.
type TransferRequestNegotiationInitial struct {
	*transfer.Request
	stateMachineDeps
}

// Recv runs on the provider when the consumer requests a transfer. The
// request is only honored when the agreement behind it exists and is signed
// by both parties.
func (tr *TransferRequestNegotiationInitial) Recv(
	ctx context.Context, message any,
) (TransferRequestNegotiationState, error) {
	switch t := message.(type) {
	case shared.TransferRequestMessage:
		record, err := tr.s.GetAgreement(ctx, tr.GetAgreementID())
		if err != nil {
			return nil, fmt.Errorf("%w: no agreement %s", shared.ErrContractNotAgreed, tr.GetAgreementID())
		}
		if !record.Agreement.FullySigned() {
			return nil, fmt.Errorf("%w: agreement not fully signed", shared.ErrContractNotAgreed)
		}
		if tr.GetProviderPID() == emptyUUID {
			tr.SetProviderPID(uuid.New())
		}
		return verifyAndTransformTransfer(
			tr, tr.GetProviderPID().URN(), t.ConsumerPID, transfer.States.REQUESTED)
	default:
		if next, ok := recvTransferDuplicate(tr, message); ok {
			return next, nil
		}
		return nil, fmt.Errorf("invalid message type")
	}
}

func (tr *TransferRequestNegotiationInitial) Send(ctx context.Context) (applyFunc, error) {
	return sendTransferRequest(ctx, tr)
}

// TransferRequestNegotiationRequested is a requested transfer process.
type TransferRequestNegotiationRequested struct {
	*transfer.Request
	stateMachineDeps
}

func (tr *TransferRequestNegotiationRequested) Recv(
	ctx context.Context, message any,
) (TransferRequestNegotiationState, error) {
	switch t := message.(type) {
	case shared.TransferStartMessage:
		if tr.GetProviderPID() == emptyUUID {
			u, err := uuid.Parse(t.ProviderPID)
			if err != nil {
				return nil, fmt.Errorf("invalid UUID for provider PID: %w", err)
			}
			tr.SetProviderPID(u)
		}
		if tr.GetTransferDirection() == transfer.DirectionPull && t.DataAddress != nil {
			tr.SetDataAddress(t.DataAddress)
		}
		return verifyAndTransformTransfer(tr, t.ProviderPID, t.ConsumerPID, transfer.States.STARTED)
	case shared.TransferTerminationMessage:
		return processTransferTermination(ctx, t, tr)
	default:
		if next, ok := recvTransferDuplicate(tr, message); ok {
			return next, nil
		}
		return nil, fmt.Errorf("invalid message type")
	}
}

// Send runs on the provider after a transfer request came in. It provisions
// the data plane, moves the process to PROVISIONED, and queues the start
// message which confirms STARTED once delivered.
func (tr *TransferRequestNegotiationRequested) Send(ctx context.Context) (applyFunc, error) {
	if tr.GetRole() == constants.DataspaceConsumer {
		// Consumers have nothing to provision, the start message comes to them.
		return noop, nil
	}
	flow, err := tr.d.Start(
		ctx, tr.GetProviderPID(), tr.GetTransferDirection(), tr.GetDataAddress(),
		dps.TriggerRemoteMessage,
	)
	if err != nil {
		return noop, fmt.Errorf("could not provision flow: %w", err)
	}
	if tr.GetTransferDirection() == transfer.DirectionPull {
		tr.SetEDR(flow.GetEDR())
	}
	if err := tr.SetState(transfer.States.PROVISIONED); err != nil {
		return noop, fmt.Errorf("could not set state: %w", err)
	}
	return sendTransferStart(ctx, tr.GetTransferRequest(), tr.GetReconciler())
}

// TransferRequestNegotiationProvisioned is a transfer process whose data
// plane is up, with the start message still in flight.
type TransferRequestNegotiationProvisioned struct {
	*transfer.Request
	stateMachineDeps
}

func (tr *TransferRequestNegotiationProvisioned) Recv(
	ctx context.Context, message any,
) (TransferRequestNegotiationState, error) {
	switch t := message.(type) {
	case shared.TransferTerminationMessage:
		return processTransferTermination(ctx, t, tr)
	default:
		if next, ok := recvTransferDuplicate(tr, message); ok {
			return next, nil
		}
		return nil, fmt.Errorf("invalid message type")
	}
}

func (tr *TransferRequestNegotiationProvisioned) Send(ctx context.Context) (applyFunc, error) {
	return sendTransferStart(ctx, tr.GetTransferRequest(), tr.GetReconciler())
}

// TransferRequestNegotiationStarted is a running transfer process.
type TransferRequestNegotiationStarted struct {
	*transfer.Request
	stateMachineDeps
}

func (tr *TransferRequestNegotiationStarted) Recv(
	ctx context.Context, message any,
) (TransferRequestNegotiationState, error) {
	switch t := message.(type) {
	case shared.TransferSuspensionMessage:
		if tr.GetRole() == constants.DataspaceProvider {
			if _, err := tr.d.Suspend(ctx, tr.GetProviderPID(), dps.TriggerRemoteMessage); err != nil {
				return nil, fmt.Errorf("could not suspend flow: %w", err)
			}
		}
		return verifyAndTransformTransfer(tr, t.ProviderPID, t.ConsumerPID, transfer.States.SUSPENDED)
	case shared.TransferCompletionMessage:
		if err := teardownFlow(ctx, tr, ""); err != nil {
			return nil, err
		}
		return verifyAndTransformTransfer(tr, t.ProviderPID, t.ConsumerPID, transfer.States.COMPLETED)
	case shared.TransferTerminationMessage:
		return processTransferTermination(ctx, t, tr)
	default:
		if next, ok := recvTransferDuplicate(tr, message); ok {
			return next, nil
		}
		return nil, fmt.Errorf("invalid message type")
	}
}

// Send completes the transfer, tearing down the data plane on the provider
// side before the completion message goes out.
func (tr *TransferRequestNegotiationStarted) Send(ctx context.Context) (applyFunc, error) {
	if err := teardownFlow(ctx, tr, ""); err != nil {
		return noop, err
	}
	return sendTransferCompletion(ctx, tr.GetTransferRequest(), tr.GetReconciler())
}

// TransferRequestNegotiationSuspended is a paused transfer process.
type TransferRequestNegotiationSuspended struct {
	*transfer.Request
	stateMachineDeps
}

func (tr *TransferRequestNegotiationSuspended) Recv(
	ctx context.Context, message any,
) (TransferRequestNegotiationState, error) {
	switch t := message.(type) {
	case shared.TransferStartMessage:
		if tr.GetTransferDirection() == transfer.DirectionPull && t.DataAddress != nil {
			tr.SetDataAddress(t.DataAddress)
		}
		return verifyAndTransformTransfer(tr, t.ProviderPID, t.ConsumerPID, transfer.States.STARTED)
	case shared.TransferTerminationMessage:
		return processTransferTermination(ctx, t, tr)
	default:
		if next, ok := recvTransferDuplicate(tr, message); ok {
			return next, nil
		}
		return nil, fmt.Errorf("invalid message type")
	}
}

// Send resumes the transfer. On the provider this re-provisions the data
// plane with a fresh token and queues a new start message.
func (tr *TransferRequestNegotiationSuspended) Send(ctx context.Context) (applyFunc, error) {
	if tr.GetRole() == constants.DataspaceConsumer {
		return noop, fmt.Errorf("consumer resume: %w", ErrNotImplemented)
	}
	flow, err := tr.d.Start(
		ctx, tr.GetProviderPID(), tr.GetTransferDirection(), tr.GetDataAddress(),
		dps.TriggerManualInvocation,
	)
	if err != nil {
		return noop, fmt.Errorf("could not resume flow: %w", err)
	}
	if tr.GetTransferDirection() == transfer.DirectionPull {
		tr.SetEDR(flow.GetEDR())
	}
	return sendTransferStart(ctx, tr.GetTransferRequest(), tr.GetReconciler())
}

// TransferRequestNegotiationCompleted is a completed transfer process.
type TransferRequestNegotiationCompleted struct {
	*transfer.Request
	stateMachineDeps
}

func (tr *TransferRequestNegotiationCompleted) Recv(
	ctx context.Context, message any,
) (TransferRequestNegotiationState, error) {
	if next, ok := recvTransferDuplicate(tr, message); ok {
		return next, nil
	}
	return nil, fmt.Errorf("%w: this is a final state", shared.ErrInvalidStateTransition)
}

func (tr *TransferRequestNegotiationCompleted) Send(ctx context.Context) (applyFunc, error) {
	return noop, nil
}

// TransferRequestNegotiationTerminated is a terminated transfer process.
type TransferRequestNegotiationTerminated struct {
	*transfer.Request
	stateMachineDeps
}

func (tr *TransferRequestNegotiationTerminated) Recv(
	ctx context.Context, message any,
) (TransferRequestNegotiationState, error) {
	if next, ok := recvTransferDuplicate(tr, message); ok {
		return next, nil
	}
	return nil, fmt.Errorf("%w: this is a final state", shared.ErrInvalidStateTransition)
}

func (tr *TransferRequestNegotiationTerminated) Send(ctx context.Context) (applyFunc, error) {
	return noop, nil
}

func GetTransferRequestNegotiation(
	tr *transfer.Request, d Deps,
) TransferRequestNegotiationState {
	return newTransferState(tr, depsFromConfig(d))
}

func newTransferState(
	tr *transfer.Request, deps stateMachineDeps,
) TransferRequestNegotiationState {
	switch tr.GetState() {
	case transfer.States.INITIAL:
		return &TransferRequestNegotiationInitial{Request: tr, stateMachineDeps: deps}
	case transfer.States.REQUESTED:
		return &TransferRequestNegotiationRequested{Request: tr, stateMachineDeps: deps}
	case transfer.States.PROVISIONED:
		return &TransferRequestNegotiationProvisioned{Request: tr, stateMachineDeps: deps}
	case transfer.States.STARTED:
		return &TransferRequestNegotiationStarted{Request: tr, stateMachineDeps: deps}
	case transfer.States.SUSPENDED:
		return &TransferRequestNegotiationSuspended{Request: tr, stateMachineDeps: deps}
	case transfer.States.COMPLETED:
		return &TransferRequestNegotiationCompleted{Request: tr, stateMachineDeps: deps}
	case transfer.States.TERMINATED:
		return &TransferRequestNegotiationTerminated{Request: tr, stateMachineDeps: deps}
	default:
		panic(fmt.Sprintf("No transition found for state %s", tr.GetState()))
	}
}

// teardownFlow tears down the provider's data plane flow, revoking its
// token. Consumers have no flow, for them this is a no-op.
func teardownFlow(ctx context.Context, tr TransferRequestNegotiationState, reason string) error {
	if tr.GetRole() != constants.DataspaceProvider {
		return nil
	}
	trigger := dps.TriggerRemoteMessage
	if reason == shared.TerminationOperatorRequested {
		trigger = dps.TriggerManualInvocation
	}
	if err := tr.GetDataPlane().Terminate(ctx, tr.GetProviderPID(), trigger, reason); err != nil {
		return fmt.Errorf("could not tear down flow: %w", err)
	}
	return nil
}

func processTransferTermination(
	ctx context.Context, t shared.TransferTerminationMessage, tr TransferRequestNegotiationState,
) (TransferRequestNegotiationState, error) {
	ctx, logger := logging.InjectLabels(ctx, "termination_code", t.Code)
	if err := teardownFlow(ctx, tr, t.Code); err != nil {
		return nil, err
	}
	tr.GetTransferRequest().SetTerminationReason(t.Code)
	tr.GetReconciler().Cancel(tr.GetTransferRequest().GetLocalPID())
	logger.Info("Transfer terminated by counterparty")
	return verifyAndTransformTransfer(tr, t.ProviderPID, t.ConsumerPID, transfer.States.TERMINATED)
}

// transferMessageTarget maps an inbound message to the state it drives a
// transfer process to.
func transferMessageTarget(message any) (transfer.State, bool) {
	switch message.(type) {
	case shared.TransferRequestMessage:
		return transfer.States.REQUESTED, true
	case shared.TransferStartMessage:
		return transfer.States.STARTED, true
	case shared.TransferSuspensionMessage:
		return transfer.States.SUSPENDED, true
	case shared.TransferCompletionMessage:
		return transfer.States.COMPLETED, true
	case shared.TransferTerminationMessage:
		return transfer.States.TERMINATED, true
	default:
		return transfer.States.INITIAL, false
	}
}

// recvTransferDuplicate recognizes a redelivery of a message the process
// already applied. A counterparty retrying a lost acknowledgement gets the
// current state back instead of an error.
func recvTransferDuplicate(
	tr TransferRequestNegotiationState, message any,
) (TransferRequestNegotiationState, bool) {
	target, known := transferMessageTarget(message)
	if !known || target != tr.GetState() {
		return nil, false
	}
	return newTransferState(tr.GetTransferRequest(), tr.deps()), true
}

func verifyAndTransformTransfer(
	tr TransferRequestNegotiationState,
	providerPID, consumerPID string,
	targetState transfer.State,
) (TransferRequestNegotiationState, error) {
	if tr.GetProviderPID().URN() != strings.ToLower(providerPID) {
		return nil, fmt.Errorf(
			"given provider pid %s does not match transfer provider pid %s",
			providerPID,
			tr.GetProviderPID().URN(),
		)
	}
	if tr.GetConsumerPID().URN() != strings.ToLower(consumerPID) {
		return nil, fmt.Errorf(
			"given consumer pid %s does not match transfer consumer pid %s",
			consumerPID,
			tr.GetConsumerPID().URN(),
		)
	}
	if err := tr.SetState(targetState); err != nil {
		return nil, fmt.Errorf("could not set state: %w", err)
	}
	return newTransferState(tr.GetTransferRequest(), tr.deps()), nil
}

// edrToDataAddress renders an EDR as the data address the consumer gets in
// the start message.
func edrToDataAddress(edr *dcp.EDR) *shared.DataAddress {
	da := &shared.DataAddress{
		Type:     "dspace:DataAddress",
		Endpoint: edr.Endpoint,
	}
	if strings.HasPrefix(edr.Endpoint, "https://") {
		da.EndpointType = "https://w3id.org/idsa/v4.1/HTTPS"
	}
	if strings.HasPrefix(edr.Endpoint, "http://") {
		da.EndpointType = "https://w3id.org/idsa/v4.1/HTTP"
	}
	da.EndpointProperties = []shared.EndpointProperty{
		{
			Type:  "dspace:EndpointProperty",
			Name:  "authorization",
			Value: edr.Token,
		},
		{
			Type:  "dspace:EndpointProperty",
			Name:  "authType",
			Value: "bearer",
		},
		{
			Type:  "dspace:EndpointProperty",
			Name:  "expiresAt",
			Value: edr.ExpiresAt.Format(time.RFC3339),
		},
	}
	return da
}
