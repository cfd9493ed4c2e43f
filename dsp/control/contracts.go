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
	"slices"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
)

// ContractRequest starts a consumer-side negotiation for the given offer with
// the counterparty at participantAddress. It returns the consumer PID of the
// new negotiation.
func (s *Server) ContractRequest(
	ctx context.Context, participantAddress string, offer odrl.Offer,
) (uuid.UUID, error) {
	ctx, logger := logging.InjectLabels(ctx, "method", "ContractRequest")
	logger.Info("Called")

	counterpartyURL, err := s.getCounterpartyURL(ctx, participantAddress)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("could not reach counterparty: %w", err)
	}
	negotiation := contract.New(
		ctx,
		uuid.UUID{}, uuid.New(),
		contract.States.INITIAL,
		offer,
		counterpartyURL,
		s.callbackURL(),
		constants.DataspaceConsumer,
	)
	if err := s.store.PutContract(ctx, negotiation); err != nil {
		return uuid.UUID{}, fmt.Errorf("couldn't store contract negotiation: %w", err)
	}

	pid := negotiation.GetConsumerPID()
	return pid, s.progressNegotiation(
		ctx, pid, constants.DataspaceConsumer,
		[]contract.State{contract.States.INITIAL, contract.States.OFFERED},
		true,
	)
}

// ContractOffer starts a provider-side negotiation by offering a dataset to
// the counterparty at participantAddress. It returns the provider PID of the
// new negotiation.
func (s *Server) ContractOffer(
	ctx context.Context, participantAddress string, offer odrl.Offer,
) (uuid.UUID, error) {
	ctx, logger := logging.InjectLabels(ctx, "method", "ContractOffer")
	logger.Info("Called")

	counterpartyURL, err := s.getCounterpartyURL(ctx, participantAddress)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("could not reach counterparty: %w", err)
	}
	negotiation := contract.New(
		ctx,
		uuid.New(), uuid.UUID{},
		contract.States.INITIAL,
		offer,
		counterpartyURL,
		shared.MustParseURL(s.selfURL.String()),
		constants.DataspaceProvider,
	)
	if err := s.store.PutContract(ctx, negotiation); err != nil {
		return uuid.UUID{}, fmt.Errorf("couldn't store contract negotiation: %w", err)
	}

	pid := negotiation.GetProviderPID()
	return pid, s.progressNegotiation(
		ctx, pid, constants.DataspaceProvider,
		[]contract.State{contract.States.INITIAL, contract.States.REQUESTED},
		true,
	)
}

// ContractAccept accepts the current offer on a consumer negotiation.
func (s *Server) ContractAccept(ctx context.Context, pid uuid.UUID) error {
	return s.progressNegotiation(
		ctx, pid, constants.DataspaceConsumer,
		[]contract.State{contract.States.OFFERED},
		false,
	)
}

// ContractAgree sends the agreement on a provider negotiation.
func (s *Server) ContractAgree(ctx context.Context, pid uuid.UUID) error {
	return s.progressNegotiation(
		ctx, pid, constants.DataspaceProvider,
		[]contract.State{contract.States.REQUESTED, contract.States.ACCEPTED},
		false,
	)
}

// ContractVerify sends the agreement verification on a consumer negotiation.
func (s *Server) ContractVerify(ctx context.Context, pid uuid.UUID) error {
	return s.progressNegotiation(
		ctx, pid, constants.DataspaceConsumer,
		[]contract.State{contract.States.AGREED},
		false,
	)
}

// ContractFinalize sends the finalization event on a provider negotiation.
func (s *Server) ContractFinalize(ctx context.Context, pid uuid.UUID) error {
	return s.progressNegotiation(
		ctx, pid, constants.DataspaceProvider,
		[]contract.State{contract.States.VERIFIED},
		false,
	)
}

// progressNegotiation fetches a negotiation, checks it's in one of the
// expected states, and lets the state machine send whatever its current
// state sends.
func (s *Server) progressNegotiation(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
	validFromStates []contract.State,
	initial bool,
) error {
	negotiation, err := s.store.GetContractRW(ctx, pid, role)
	if err != nil {
		return fmt.Errorf("could not find contract with pid %s: %w", pid, err)
	}
	if initial {
		negotiation.SetInitial()
	}
	ctx, logger := logging.InjectLabels(ctx, negotiation.GetLogFields("")...)
	logger.Info("Processing negotiation")
	if !slices.Contains(validFromStates, negotiation.GetState()) {
		_ = s.store.ReleaseContract(ctx, negotiation)
		return fmt.Errorf("%w: can't progress from state %s",
			shared.ErrInvalidStateTransition, negotiation.GetState())
	}

	ctx, transition := statemachine.GetContractNegotiation(ctx, negotiation, s.deps)
	apply, err := transition.Send(ctx)
	if err != nil {
		_ = s.store.ReleaseContract(ctx, negotiation)
		return fmt.Errorf("couldn't progress contract negotiation: %w", err)
	}
	if err := s.store.PutContract(ctx, negotiation); err != nil {
		return fmt.Errorf("couldn't store contract negotiation: %w", err)
	}
	return apply()
}

// ContractDecline declines the current offer on a consumer negotiation,
// moving it into the terminal DECLINED state.
func (s *Server) ContractDecline(ctx context.Context, pid uuid.UUID) error {
	ctx, logger := logging.InjectLabels(ctx, "method", "ContractDecline")
	logger.Info("Called")

	negotiation, err := s.store.GetContractRW(ctx, pid, constants.DataspaceConsumer)
	if err != nil {
		return fmt.Errorf("could not find contract with pid %s: %w", pid, err)
	}
	declineEvent := shared.ContractNegotiationEventMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationEventMessage",
		ProviderPID: negotiation.GetProviderPID().URN(),
		ConsumerPID: negotiation.GetConsumerPID().URN(),
		EventType:   contract.States.DECLINED.String(),
	}
	reqBody, err := shared.ValidateAndMarshal(ctx, declineEvent)
	if err != nil {
		_ = s.store.ReleaseContract(ctx, negotiation)
		return fmt.Errorf("could not encode decline event: %w", err)
	}
	if err := negotiation.SetState(contract.States.DECLINED); err != nil {
		_ = s.store.ReleaseContract(ctx, negotiation)
		return err
	}
	if err := s.store.PutContract(ctx, negotiation); err != nil {
		return fmt.Errorf("couldn't store contract negotiation: %w", err)
	}

	cu := shared.MustParseURL(negotiation.GetCallback().String())
	cu.Path = path.Join(cu.Path, "negotiations", negotiation.GetProviderPID().String(), "events")
	s.deps.Reconciler.Add(statemachine.ReconciliationEntry{
		EntityID:    negotiation.GetLocalPID(),
		Type:        statemachine.ReconciliationContract,
		Role:        negotiation.GetRole(),
		TargetState: contract.States.DECLINED.String(),
		Method:      "POST",
		URL:         cu,
		Body:        reqBody,
		Context:     ctx,
	})
	return nil
}

// ContractTerminate terminates a negotiation of either role with the given
// code, cancelling any queued messages for it and notifying the counterparty.
func (s *Server) ContractTerminate(
	ctx context.Context, pid uuid.UUID, code string, reasons []string,
) error {
	ctx, logger := logging.InjectLabels(ctx, "method", "ContractTerminate")
	logger.Info("Called")

	var negotiation *contract.Negotiation
	var err error
	for _, role := range []constants.DataspaceRole{
		constants.DataspaceConsumer, constants.DataspaceProvider,
	} {
		negotiation, err = s.store.GetContractRW(ctx, pid, role)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("could not find contract with PID %s: %w", pid, err)
	}

	negotiationTermination := shared.ContractNegotiationTerminationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationTerminationMessage",
		ProviderPID: negotiation.GetProviderPID().URN(),
		ConsumerPID: negotiation.GetConsumerPID().URN(),
		Code:        code,
		Reason:      reasonList(reasons),
	}
	reqBody, err := shared.ValidateAndMarshal(ctx, negotiationTermination)
	if err != nil {
		_ = s.store.ReleaseContract(ctx, negotiation)
		return fmt.Errorf("could not encode termination message: %w", err)
	}

	negotiation.SetTerminationReason(code)
	if err := negotiation.SetState(contract.States.TERMINATED); err != nil {
		_ = s.store.ReleaseContract(ctx, negotiation)
		return err
	}
	if err := s.store.PutContract(ctx, negotiation); err != nil {
		return fmt.Errorf("couldn't store contract negotiation: %w", err)
	}

	s.deps.Reconciler.Cancel(negotiation.GetLocalPID())
	cu := shared.MustParseURL(negotiation.GetCallback().String())
	cu.Path = path.Join(cu.Path, "negotiations", negotiation.GetRemotePID().String(), "termination")
	s.deps.Reconciler.Add(statemachine.ReconciliationEntry{
		EntityID:    negotiation.GetLocalPID(),
		Type:        statemachine.ReconciliationContract,
		Role:        negotiation.GetRole(),
		TargetState: contract.States.TERMINATED.String(),
		Method:      "POST",
		URL:         cu,
		Body:        reqBody,
		Context:     ctx,
	})
	return nil
}
