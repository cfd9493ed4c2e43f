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
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
)

func cloneURL(u *url.URL) *url.URL {
	nu, err := url.Parse(u.String())
	if err != nil {
		panic(fmt.Sprintf("Couldn't clone url %s: %s", u.String(), err.Error()))
	}
	return nu
}

func makeContractRequestFunction(
	ctx context.Context,
	c *contract.Negotiation,
	cu *url.URL,
	reqBody []byte,
	destinationState contract.State,
	reconciler *Reconciler,
) func() {
	var id uuid.UUID
	if c.GetRole() == constants.DataspaceConsumer {
		id = c.GetConsumerPID()
	} else {
		id = c.GetProviderPID()
	}
	return makeRequestFunction(
		ctx,
		cu,
		reqBody,
		id,
		c.GetRole(),
		destinationState.String(),
		ReconciliationContract,
		reconciler,
	)
}

func makeRequestFunction(
	ctx context.Context,
	cu *url.URL,
	reqBody []byte,
	id uuid.UUID,
	role constants.DataspaceRole,
	destinationState string,
	recType ReconciliationType,
	reconciler *Reconciler,
) func() {
	return func() {
		reconciler.Add(ReconciliationEntry{
			EntityID:    id,
			Type:        recType,
			Role:        role,
			TargetState: destinationState,
			Method:      "POST",
			URL:         cu,
			Body:        reqBody,
			Context:     ctx,
		})
	}
}

//nolint:dupl
func sendContractRequest(ctx context.Context, r *Reconciler, c *contract.Negotiation) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractRequest")
	contractRequest := shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     c.GetConsumerPID().URN(),
		Offer:           c.GetOffer().MessageOffer,
		CallbackAddress: c.GetSelf().String(),
	}

	// If we have a providerPID we set it.
	if c.GetProviderPID() != emptyUUID {
		contractRequest.ProviderPID = c.GetProviderPID().URN()
	}
	reqBody, err := shared.ValidateAndMarshal(ctx, contractRequest)
	if err != nil {
		logger.Error("Could not validate contract request", "err", err)
		return noop, fmt.Errorf("could not validate contract request: %w", err)
	}

	cu := cloneURL(c.GetCallback())
	// Set the desired URL depending on if the provider PID is known.
	if c.GetProviderPID() != emptyUUID {
		cu.Path = path.Join(cu.Path, "negotiations", c.GetProviderPID().String(), "request")
	} else {
		cu.Path = path.Join(cu.Path, "negotiations", "request")
	}

	return enqueue(makeContractRequestFunction(
		ctx,
		c,
		cu,
		reqBody,
		contract.States.REQUESTED,
		r,
	)), nil
}

//nolint:dupl
func sendContractOffer(ctx context.Context, r *Reconciler, c *contract.Negotiation) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractOffer")
	contractOffer := shared.ContractOfferMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractOfferMessage",
		ProviderPID:     c.GetProviderPID().URN(),
		Offer:           c.GetOffer().MessageOffer,
		CallbackAddress: c.GetSelf().String(),
	}

	if c.GetConsumerPID() != emptyUUID {
		contractOffer.ConsumerPID = c.GetConsumerPID().URN()
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, contractOffer)
	if err != nil {
		logger.Error("Could not validate contract offer", "err", err)
		return noop, fmt.Errorf("could not validate contract offer: %w", err)
	}

	cu := cloneURL(c.GetCallback())

	if c.GetConsumerPID() != emptyUUID {
		cu.Path = path.Join(cu.Path, "negotiations", c.GetConsumerPID().String(), "offers")
	} else {
		cu.Path = path.Join(cu.Path, "negotiations", "offers")
	}

	return enqueue(makeContractRequestFunction(
		ctx,
		c,
		cu,
		reqBody,
		contract.States.OFFERED,
		r,
	)), nil
}

// sendContractAgreement creates the agreement from the negotiated offer,
// signs it as the provider, and queues the agreement message.
func sendContractAgreement(
	ctx context.Context, d stateMachineDeps, c *contract.Negotiation,
) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractAgreement")
	agreement := &odrl.Agreement{
		PolicyClass: c.GetOffer().PolicyClass,
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      c.GetOffer().Target,
		Timestamp:   time.Now(),
	}
	if err := d.a.SignAgreement(ctx, agreement, constants.DataspaceProvider); err != nil {
		logger.Error("Couldn't sign agreement", "err", err)
		return noop, fmt.Errorf("couldn't sign agreement: %w", err)
	}
	c.SetAgreement(agreement)
	contractAgreement := shared.ContractAgreementMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractAgreementMessage",
		ProviderPID:     c.GetProviderPID().URN(),
		ConsumerPID:     c.GetConsumerPID().URN(),
		Agreement:       *c.GetAgreement(),
		CallbackAddress: c.GetSelf().String(),
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, contractAgreement)
	if err != nil {
		logger.Error("Couldn't validate contract agreement", "err", err)
		return noop, fmt.Errorf("couldn't validate contract agreement: %w", err)
	}
	cu := cloneURL(c.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", c.GetConsumerPID().String(), "agreement")

	return enqueue(makeContractRequestFunction(
		ctx,
		c,
		cu,
		reqBody,
		contract.States.AGREED,
		d.r,
	)), nil
}

func sendContractEvent(
	ctx context.Context, r *Reconciler, c *contract.Negotiation, pid uuid.UUID, state contract.State,
) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractEvent")
	contractEvent := shared.ContractNegotiationEventMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationEventMessage",
		ProviderPID: c.GetProviderPID().URN(),
		ConsumerPID: c.GetConsumerPID().URN(),
		EventType:   state.String(),
	}
	reqBody, err := shared.ValidateAndMarshal(ctx, contractEvent)
	if err != nil {
		logger.Error("Couldn't validate contract event", "err", err)
		return noop, fmt.Errorf("couldn't validate contract event: %w", err)
	}
	cu := cloneURL(c.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", pid.String(), "events")

	return enqueue(makeContractRequestFunction(
		ctx,
		c,
		cu,
		reqBody,
		state,
		r,
	)), nil
}

// sendContractVerification queues the verification message, which carries the
// consumer countersignature that was made when the agreement was received.
func sendContractVerification(
	ctx context.Context, r *Reconciler, c *contract.Negotiation,
) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractVerification")
	contractVerification := shared.ContractAgreementVerificationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractAgreementVerificationMessage",
		ProviderPID: c.GetProviderPID().URN(),
		ConsumerPID: c.GetConsumerPID().URN(),
	}
	if agreement := c.GetAgreement(); agreement != nil {
		contractVerification.Signature = agreement.ConsumerSignature
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, contractVerification)
	if err != nil {
		logger.Error("Couldn't validate contract verification", "err", err)
		return noop, fmt.Errorf("couldn't validate contract verification: %w", err)
	}

	cu := cloneURL(c.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", c.GetProviderPID().String(), "agreement", "verification")

	return enqueue(makeContractRequestFunction(
		ctx,
		c,
		cu,
		reqBody,
		contract.States.VERIFIED,
		r,
	)), nil
}

// sendContractTermination queues a termination message for the counterparty.
// The negotiation itself is expected to already be terminated locally, the
// target state only confirms it once the message got through.
func sendContractTermination(
	ctx context.Context, r *Reconciler, c *contract.Negotiation, code string,
) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendContractTermination")
	termination := shared.ContractNegotiationTerminationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:ContractNegotiationTerminationMessage",
		ProviderPID: c.GetProviderPID().URN(),
		ConsumerPID: c.GetConsumerPID().URN(),
		Code:        code,
	}
	reqBody, err := shared.ValidateAndMarshal(ctx, termination)
	if err != nil {
		logger.Error("Couldn't validate contract termination", "err", err)
		return noop, fmt.Errorf("couldn't validate contract termination: %w", err)
	}
	cu := cloneURL(c.GetCallback())
	cu.Path = path.Join(cu.Path, "negotiations", c.GetRemotePID().String(), "termination")

	return enqueue(makeContractRequestFunction(
		ctx,
		c,
		cu,
		reqBody,
		contract.States.TERMINATED,
		r,
	)), nil
}
