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

package control

import (
	"context"
	"fmt"
	"path"

	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

// TransferRequest starts a consumer-side transfer for a finalized agreement.
// A nil dataAddress requests a pull transfer, a non-nil one a push transfer
// delivering to that address. It returns the consumer PID of the new
// transfer process.
func (s *Server) TransferRequest(
	ctx context.Context,
	agreementID uuid.UUID,
	format string,
	participantAddress string,
	dataAddress *shared.DataAddress,
) (uuid.UUID, error) {
	ctx, logger := logging.InjectLabels(ctx, "method", "TransferRequest")
	logger.Info("Called")

	record, err := s.store.GetAgreement(ctx, agreementID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: no agreement %s: %w",
			shared.ErrContractNotAgreed, agreementID, err)
	}
	if !record.Agreement.FullySigned() {
		return uuid.UUID{}, fmt.Errorf("%w: agreement %s not fully signed",
			shared.ErrContractNotAgreed, agreementID)
	}

	counterpartyURL, err := s.getCounterpartyURL(ctx, participantAddress)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("could not reach counterparty: %w", err)
	}

	request := transfer.New(
		uuid.New(),
		record.Agreement,
		format,
		counterpartyURL,
		s.callbackURL(),
		constants.DataspaceConsumer,
		transfer.States.INITIAL,
		dataAddress,
	)
	if err := s.store.PutTransfer(ctx, request); err != nil {
		return uuid.UUID{}, fmt.Errorf("couldn't store transfer request: %w", err)
	}

	pid := request.GetConsumerPID()
	return pid, s.progressTransfer(ctx, pid, constants.DataspaceConsumer,
		[]transfer.State{transfer.States.INITIAL})
}

// TransferSuspend pauses a running transfer. On the provider this also
// pauses the data plane flow.
func (s *Server) TransferSuspend(ctx context.Context, pid uuid.UUID, code string) error {
	ctx, logger := logging.InjectLabels(ctx, "method", "TransferSuspend")
	logger.Info("Called")
	return s.suspendTransfer(ctx, pid, code, dps.TriggerManualInvocation)
}

// TransferPolicySuspend pauses a running transfer because a policy check
// against it failed. It is the entry point for policy monitors, and records
// the monitor as the trigger on the data plane flow.
func (s *Server) TransferPolicySuspend(ctx context.Context, pid uuid.UUID, code string) error {
	ctx, logger := logging.InjectLabels(ctx, "method", "TransferPolicySuspend")
	logger.Info("Called")
	return s.suspendTransfer(ctx, pid, code, dps.TriggerPolicyMonitor)
}

func (s *Server) suspendTransfer(
	ctx context.Context, pid uuid.UUID, code string, trigger dps.Trigger,
) error {
	request, err := s.findTransferRW(ctx, pid)
	if err != nil {
		return err
	}
	if request.GetState() != transfer.States.STARTED {
		_ = s.store.ReleaseTransfer(ctx, request)
		return fmt.Errorf("%w: can't suspend from state %s",
			shared.ErrInvalidStateTransition, request.GetState())
	}

	suspension := shared.TransferSuspensionMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:TransferSuspensionMessage",
		ProviderPID: request.GetProviderPID().URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
		Code:        code,
	}
	reqBody, err := shared.ValidateAndMarshal(ctx, suspension)
	if err != nil {
		_ = s.store.ReleaseTransfer(ctx, request)
		return fmt.Errorf("could not encode suspension message: %w", err)
	}

	if request.GetRole() == constants.DataspaceProvider {
		if _, err := s.deps.DataPlane.Suspend(
			ctx, request.GetProviderPID(), trigger,
		); err != nil {
			_ = s.store.ReleaseTransfer(ctx, request)
			return fmt.Errorf("could not suspend flow: %w", err)
		}
	}
	if err := s.store.PutTransfer(ctx, request); err != nil {
		return fmt.Errorf("couldn't store transfer request: %w", err)
	}

	cu := shared.MustParseURL(request.GetCallback().String())
	cu.Path = path.Join(cu.Path, "transfers", request.GetRemotePID().String(), "suspension")
	s.deps.Reconciler.Add(statemachine.ReconciliationEntry{
		EntityID:    request.GetLocalPID(),
		Type:        statemachine.ReconciliationTransferRequest,
		Role:        request.GetRole(),
		TargetState: transfer.States.SUSPENDED.String(),
		Method:      "POST",
		URL:         cu,
		Body:        reqBody,
		Context:     ctx,
	})
	return nil
}

// TransferResume resumes a suspended transfer. Only the provider can resume,
// as resuming provisions a fresh flow token.
func (s *Server) TransferResume(ctx context.Context, pid uuid.UUID) error {
	ctx, logger := logging.InjectLabels(ctx, "method", "TransferResume")
	logger.Info("Called")
	return s.progressTransfer(ctx, pid, constants.DataspaceProvider,
		[]transfer.State{transfer.States.SUSPENDED})
}

// TransferComplete completes a running transfer, tearing down the data plane
// on the provider side.
func (s *Server) TransferComplete(ctx context.Context, pid uuid.UUID) error {
	ctx, logger := logging.InjectLabels(ctx, "method", "TransferComplete")
	logger.Info("Called")

	request, err := s.findTransferRW(ctx, pid)
	if err != nil {
		return err
	}
	return s.progressTransferRequest(ctx, request,
		[]transfer.State{transfer.States.STARTED})
}

// TransferTerminate terminates a transfer of either role with the given
// code.
func (s *Server) TransferTerminate(
	ctx context.Context, pid uuid.UUID, code string, reasons []string,
) error {
	ctx, logger := logging.InjectLabels(ctx, "method", "TransferTerminate")
	logger.Info("Called")

	request, err := s.findTransferRW(ctx, pid)
	if err != nil {
		return err
	}

	termination := shared.TransferTerminationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:TransferTerminationMessage",
		ProviderPID: request.GetProviderPID().URN(),
		ConsumerPID: request.GetConsumerPID().URN(),
		Code:        code,
		Reason:      reasonList(reasons),
	}
	reqBody, err := shared.ValidateAndMarshal(ctx, termination)
	if err != nil {
		_ = s.store.ReleaseTransfer(ctx, request)
		return fmt.Errorf("could not encode termination message: %w", err)
	}

	if request.GetRole() == constants.DataspaceProvider {
		if err := s.deps.DataPlane.Terminate(
			ctx, request.GetProviderPID(), dps.TriggerManualInvocation,
			shared.TerminationOperatorRequested,
		); err != nil {
			_ = s.store.ReleaseTransfer(ctx, request)
			return fmt.Errorf("could not tear down flow: %w", err)
		}
	}

	request.SetTerminationReason(code)
	if err := request.SetState(transfer.States.TERMINATED); err != nil {
		_ = s.store.ReleaseTransfer(ctx, request)
		return err
	}
	if err := s.store.PutTransfer(ctx, request); err != nil {
		return fmt.Errorf("couldn't store transfer request: %w", err)
	}

	s.deps.Reconciler.Cancel(request.GetLocalPID())
	cu := shared.MustParseURL(request.GetCallback().String())
	cu.Path = path.Join(cu.Path, "transfers", request.GetRemotePID().String(), "termination")
	s.deps.Reconciler.Add(statemachine.ReconciliationEntry{
		EntityID:    request.GetLocalPID(),
		Type:        statemachine.ReconciliationTransferRequest,
		Role:        request.GetRole(),
		TargetState: transfer.States.TERMINATED.String(),
		Method:      "POST",
		URL:         cu,
		Body:        reqBody,
		Context:     ctx,
	})
	return nil
}

// findTransferRW looks the transfer up under both roles.
func (s *Server) findTransferRW(ctx context.Context, pid uuid.UUID) (*transfer.Request, error) {
	var request *transfer.Request
	var err error
	for _, role := range []constants.DataspaceRole{
		constants.DataspaceConsumer, constants.DataspaceProvider,
	} {
		request, err = s.store.GetTransferRW(ctx, pid, role)
		if err == nil {
			return request, nil
		}
	}
	return nil, fmt.Errorf("could not find transfer with PID %s: %w", pid, err)
}

func (s *Server) progressTransfer(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
	validFromStates []transfer.State,
) error {
	request, err := s.store.GetTransferRW(ctx, pid, role)
	if err != nil {
		return fmt.Errorf("could not find transfer with pid %s: %w", pid, err)
	}
	return s.progressTransferRequest(ctx, request, validFromStates)
}

// progressTransferRequest lets the state machine send whatever the current
// state of the transfer sends.
func (s *Server) progressTransferRequest(
	ctx context.Context,
	request *transfer.Request,
	validFromStates []transfer.State,
) error {
	ctx, logger := logging.InjectLabels(ctx, request.GetLogFields("")...)
	logger.Info("Processing transfer")

	valid := false
	for _, state := range validFromStates {
		if request.GetState() == state {
			valid = true
			break
		}
	}
	if !valid {
		_ = s.store.ReleaseTransfer(ctx, request)
		return fmt.Errorf("%w: can't progress from state %s",
			shared.ErrInvalidStateTransition, request.GetState())
	}

	transition := statemachine.GetTransferRequestNegotiation(request, s.deps)
	apply, err := transition.Send(ctx)
	if err != nil {
		_ = s.store.ReleaseTransfer(ctx, request)
		return fmt.Errorf("couldn't progress transfer: %w", err)
	}
	if err := s.store.PutTransfer(ctx, request); err != nil {
		return fmt.Errorf("couldn't store transfer request: %w", err)
	}
	return apply()
}
