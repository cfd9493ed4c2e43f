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

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/internal/authn"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/go-dataspace/run-sig/policy"
	"github.com/google/uuid"
)

var emptyUUID = uuid.UUID{}

// DefaultOfferLimit is the number of offers a single negotiation may exchange
// before the provider cuts the loop.
const DefaultOfferLimit = 10

type applyFunc func() error

var noop applyFunc = func() error { return nil }

// enqueue wraps a queue submission into an applyFunc.
func enqueue(f func()) applyFunc {
	return func() error {
		f()
		return nil
	}
}

// Deps bundles the services the state machines drive.
type Deps struct {
	Authority  dcp.Authority
	Policy     policy.Engine
	DataPlane  *dps.Controller
	Reconciler *Reconciler
	Store      persistence.StorageProvider
	OfferLimit int
}

type Contracter interface {
	GetProviderPID() uuid.UUID
	GetConsumerPID() uuid.UUID
	GetState() contract.State
	GetCallback() *url.URL
	SetCallback(u string) error
	GetSelf() *url.URL
	SetState(state contract.State) error
	GetContract() *contract.Negotiation
	GetOffer() odrl.Offer
	GetContractNegotiation() shared.ContractNegotiation
}

// ContractNegotiationState represents a negotiation in a certain state,
// reacting to incoming messages and producing outgoing ones.
type ContractNegotiationState interface {
	Contracter
	Recv(ctx context.Context, message any) (context.Context, applyFunc, error)
	Send(ctx context.Context) (applyFunc, error)
	GetAuthority() dcp.Authority
	GetPolicyEngine() policy.Engine
	GetReconciler() *Reconciler
	GetOfferLimit() int
}

type stateMachineDeps struct {
	a          dcp.Authority
	p          policy.Engine
	d          *dps.Controller
	r          *Reconciler
	s          persistence.StorageProvider
	offerLimit int
}

func (cd *stateMachineDeps) GetAuthority() dcp.Authority     { return cd.a }
func (cd *stateMachineDeps) GetPolicyEngine() policy.Engine  { return cd.p }
func (cd *stateMachineDeps) GetReconciler() *Reconciler      { return cd.r }
func (cd *stateMachineDeps) GetOfferLimit() int              { return cd.offerLimit }

func depsFromConfig(d Deps) stateMachineDeps {
	limit := d.OfferLimit
	if limit <= 0 {
		limit = DefaultOfferLimit
	}
	return stateMachineDeps{
		a:          d.Authority,
		p:          d.Policy,
		d:          d.DataPlane,
		r:          d.Reconciler,
		s:          d.Store,
		offerLimit: limit,
	}
}

// ContractNegotiationInitial is an initial state for a negotiation that hasn't
// actually been submitted yet.
type ContractNegotiationInitial struct {
	*contract.Negotiation
	stateMachineDeps
}

// Recv on the initial state gets called on both the provider and consumer,
// it's only called when a consumer receives an initial offer message, or a
// provider receives an initial request message.
func (cn *ContractNegotiationInitial) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "recv_type", fmt.Sprintf("%T", cn))
	logger.Debug("Receiving message")
	switch t := message.(type) {
	case shared.ContractRequestMessage:
		return cn.processContractRequest(ctx, t)
	case shared.ContractOfferMessage:
		return cn.processContractOffer(ctx, t)
	default:
		return ctx, nil, fmt.Errorf("message type %T is not supported at this stage", t)
	}
}

func (cn *ContractNegotiationInitial) processContractOffer(
	ctx context.Context,
	t shared.ContractOfferMessage,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx,
		"recv_msg_type", fmt.Sprintf("%T", t),
		"dataset_target", cn.GetOffer().Target,
	)
	// This is the initial offer, all data is freshly made based on it.
	if err := cn.SetState(contract.States.OFFERED); err != nil {
		logger.Error("could not transition state", "err", err)
		return ctx, nil, fmt.Errorf("could not set state: %w", err)
	}
	if cn.GetConsumerPID() == emptyUUID {
		cn.Negotiation.SetConsumerPID(uuid.New())
	}
	cn.Negotiation.SetInitial()
	return ctx, noop, nil
}

func (cn *ContractNegotiationInitial) processContractRequest(
	ctx context.Context,
	t shared.ContractRequestMessage,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx,
		"recv_msg_type", fmt.Sprintf("%T", t),
		"dataset_target", cn.GetOffer().Target,
	)
	logger.Debug("Received message")

	// This is the initial request, the offer is checked against what the
	// requester could prove about themselves.
	if cn.GetProviderPID() == emptyUUID {
		cn.Negotiation.SetProviderPID(uuid.New())
	}
	claims := authn.ClaimsFromContext(ctx)
	if err := cn.p.Evaluate(ctx, claims, cn.GetOffer()); err != nil {
		if errors.Is(err, shared.ErrPolicyDenied) {
			return processPolicyDenial(ctx, cn, shared.TerminationPolicyDenied)
		}
		logger.Error("policy evaluation failed", "err", err)
		return ctx, nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if err := cn.SetState(contract.States.REQUESTED); err != nil {
		logger.Error("could not transition state", "err", err)
		return ctx, nil, fmt.Errorf("could not set state: %w", err)
	}
	cn.Negotiation.SetInitial()
	return ctx, noop, nil
}

// Send progresses to the next state for the INITIAL state.
// This needs either the negotiation's consumer or provider PID set, but not
// both. If the provider PID is set, it will send out a contract offer to the
// callback. If the consumer PID is set, it will send out a contract request.
func (cn *ContractNegotiationInitial) Send(ctx context.Context) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "send_type", fmt.Sprintf("%T", cn))
	if (cn.GetConsumerPID() == emptyUUID && cn.GetProviderPID() == emptyUUID) ||
		(cn.GetConsumerPID() != emptyUUID && cn.GetProviderPID() != emptyUUID) {
		logger.Error("can't deduce if provider or consumer")
		return noop, fmt.Errorf("can't deduce if provider or consumer negotiation")
	}

	switch {
	case cn.GetConsumerPID() != emptyUUID:
		return sendContractRequest(ctx, cn.GetReconciler(), cn.GetContract())
	case cn.GetProviderPID() != emptyUUID:
		return sendContractOffer(ctx, cn.GetReconciler(), cn.GetContract())
	default:
		logger.Error("Could not deduce type of negotiation")
		return noop, fmt.Errorf("can't deduce if provider or consumer negotiation")
	}
}

// ContractNegotiationRequested represents the requested state.
type ContractNegotiationRequested struct {
	*contract.Negotiation
	stateMachineDeps
}

// Recv gets called when a consumer receives an offer or agreement message.
// It will verify the PIDs and forcefully set the callback.
func (cn *ContractNegotiationRequested) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "recv_type", fmt.Sprintf("%T", cn))
	logger.Debug("Receiving message")

	switch t := message.(type) {
	case shared.ContractOfferMessage:
		ctx, _ = logging.InjectLabels(ctx, "recv_msg_type", fmt.Sprintf("%T", t))
		if ppid, err := uuid.Parse(t.ProviderPID); err == nil && cn.GetProviderPID() == emptyUUID {
			cn.Negotiation.SetProviderPID(ppid)
		}
		cn.Negotiation.AppendOffer(odrl.Offer{MessageOffer: t.Offer})
		return verifyAndTransform(
			ctx, cn, t.ProviderPID, t.ConsumerPID, t.CallbackAddress, contract.States.OFFERED, noop)
	case shared.ContractAgreementMessage:
		return cn.processAgreement(ctx, t)
	case shared.ContractNegotiationTerminationMessage:
		return processTermination(ctx, t, cn)
	default:
		if af, ok := recvContractDuplicate(ctx, cn, message); ok {
			return ctx, af, nil
		}
		return ctx, nil, fmt.Errorf("unsupported message type")
	}
}

func (cn *ContractNegotiationRequested) processAgreement(
	ctx context.Context, t shared.ContractAgreementMessage,
) (context.Context, applyFunc, error) {
	ctx, _ = logging.InjectLabels(ctx, "recv_msg_type", fmt.Sprintf("%T", t))
	af, err := countersignAgreement(ctx, cn, &t.Agreement)
	if err != nil {
		return processSignatureFailure(ctx, cn, err)
	}
	return verifyAndTransform(
		ctx, cn, t.ProviderPID, t.ConsumerPID, t.CallbackAddress, contract.States.AGREED, af)
}

// Send determines if an offer or agreement has to be sent.
func (cn *ContractNegotiationRequested) Send(ctx context.Context) (applyFunc, error) {
	ctx, _ = logging.InjectLabels(ctx, "send_type", fmt.Sprintf("%T", cn))
	// Detect if this is a consumer initiated or provider initiated request.
	if cn.Negotiation.Initial() {
		cn.Negotiation.UnsetInitial()
		return sendContractOffer(ctx, cn.GetReconciler(), cn.GetContract())
	}
	return sendContractAgreement(ctx, cn.stateMachineDeps, cn.GetContract())
}

type ContractNegotiationOffered struct {
	*contract.Negotiation
	stateMachineDeps
}

// Recv gets called when a provider receives a counter-request or an event
// message. Counter-requests get re-evaluated against policy, and are bounded
// by the offer limit.
func (cn *ContractNegotiationOffered) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "recv_type", fmt.Sprintf("%T", cn))
	logger.Debug("Receiving message")

	switch t := message.(type) {
	case shared.ContractRequestMessage:
		return cn.processCounterRequest(ctx, t)
	case shared.ContractNegotiationEventMessage:
		return cn.processEvent(ctx, t)
	case shared.ContractNegotiationTerminationMessage:
		return processTermination(ctx, t, cn)
	default:
		if af, ok := recvContractDuplicate(ctx, cn, message); ok {
			return ctx, af, nil
		}
		return ctx, nil, fmt.Errorf("unsupported message type")
	}
}

func (cn *ContractNegotiationOffered) processCounterRequest(
	ctx context.Context, t shared.ContractRequestMessage,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "recv_msg_type", fmt.Sprintf("%T", t))
	if ppid, err := uuid.Parse(t.ConsumerPID); err == nil && cn.GetConsumerPID() == emptyUUID {
		cn.Negotiation.SetConsumerPID(ppid)
	}

	if cn.Negotiation.OfferCount() >= cn.GetOfferLimit() {
		logger.Info("Offer limit hit, terminating negotiation",
			"offer_count", cn.Negotiation.OfferCount(), "limit", cn.GetOfferLimit())
		return terminateLocally(ctx, cn, shared.TerminationOfferLimitExceeded)
	}

	claims := authn.ClaimsFromContext(ctx)
	offer := odrl.Offer{MessageOffer: t.Offer}
	if err := cn.p.Evaluate(ctx, claims, offer); err != nil {
		if errors.Is(err, shared.ErrPolicyDenied) {
			return processPolicyDenial(ctx, cn, shared.TerminationPolicyDenied)
		}
		logger.Error("policy evaluation failed", "err", err)
		return ctx, nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	cn.Negotiation.AppendOffer(offer)
	return verifyAndTransform(
		ctx, cn, t.ProviderPID, t.ConsumerPID, t.CallbackAddress, contract.States.REQUESTED, noop)
}

func (cn *ContractNegotiationOffered) processEvent(
	ctx context.Context, t shared.ContractNegotiationEventMessage,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx,
		"recv_msg_type", fmt.Sprintf("%T", t),
		"event_type", t.EventType,
	)
	receivedStatus, err := contract.ParseState(t.EventType)
	if err != nil {
		logger.Error("Event contained invalid status", "err", err)
		return ctx, nil, fmt.Errorf("event %s does not contain proper status: %w", t.EventType, err)
	}
	if receivedStatus != contract.States.ACCEPTED && receivedStatus != contract.States.DECLINED {
		logger.Error("Event contained invalid status")
		return ctx, nil, fmt.Errorf("invalid status: %s", receivedStatus)
	}
	logger.Debug("Received message")
	return verifyAndTransform(
		ctx, cn, t.ProviderPID, t.ConsumerPID, cn.GetCallback().String(), receivedStatus, noop)
}

func (cn *ContractNegotiationOffered) Send(ctx context.Context) (applyFunc, error) {
	ctx, _ = logging.InjectLabels(ctx, "send_type", fmt.Sprintf("%T", cn))
	// Detect if this is a consumer initiated or provider initiated request.
	if cn.Negotiation.Initial() {
		cn.Negotiation.UnsetInitial()
		return sendContractRequest(ctx, cn.GetReconciler(), cn.GetContract())
	}
	return sendContractEvent(
		ctx, cn.GetReconciler(), cn.GetContract(), cn.GetProviderPID(), contract.States.ACCEPTED)
}

type ContractNegotiationAccepted struct {
	*contract.Negotiation
	stateMachineDeps
}

// Recv gets called on the consumer when the provider sends an agreement.
func (cn *ContractNegotiationAccepted) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "recv_type", fmt.Sprintf("%T", cn))
	logger.Debug("Receiving message")
	switch t := message.(type) {
	case shared.ContractAgreementMessage:
		ctx, _ = logging.InjectLabels(ctx, "recv_msg_type", fmt.Sprintf("%T", t))
		af, err := countersignAgreement(ctx, cn, &t.Agreement)
		if err != nil {
			return processSignatureFailure(ctx, cn, err)
		}
		return verifyAndTransform(
			ctx, cn, t.ProviderPID, t.ConsumerPID, t.CallbackAddress, contract.States.AGREED, af)
	case shared.ContractNegotiationTerminationMessage:
		return processTermination(ctx, t, cn)
	default:
		if af, ok := recvContractDuplicate(ctx, cn, message); ok {
			return ctx, af, nil
		}
		return ctx, nil, fmt.Errorf("unsupported message type")
	}
}

func (cn *ContractNegotiationAccepted) Send(ctx context.Context) (applyFunc, error) {
	ctx, _ = logging.InjectLabels(ctx, "send_type", fmt.Sprintf("%T", cn))
	return sendContractAgreement(ctx, cn.stateMachineDeps, cn.GetContract())
}

type ContractNegotiationAgreed struct {
	*contract.Negotiation
	stateMachineDeps
}

// Recv gets called on the provider when the consumer verifies the agreement.
// The verification carries the consumer countersignature, which is checked
// and attached to the stored agreement.
func (cn *ContractNegotiationAgreed) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "recv_type", fmt.Sprintf("%T", cn))
	logger.Debug("Receiving message")
	switch t := message.(type) {
	case shared.ContractAgreementVerificationMessage:
		ctx, _ = logging.InjectLabels(ctx, "recv_msg_type", fmt.Sprintf("%T", t))
		agreement := cn.GetAgreement()
		if agreement == nil {
			return ctx, nil, fmt.Errorf("verification for negotiation without agreement")
		}
		agreement.ConsumerSignature = t.Signature
		if err := cn.a.VerifyAgreementSignature(ctx, agreement, constants.DataspaceConsumer); err != nil {
			agreement.ConsumerSignature = nil
			return processSignatureFailure(ctx, cn, err)
		}
		cn.SetAgreement(agreement)
		return verifyAndTransform(
			ctx, cn, t.ProviderPID, t.ConsumerPID, cn.GetCallback().String(),
			contract.States.VERIFIED, noop)
	case shared.ContractNegotiationTerminationMessage:
		return processTermination(ctx, t, cn)
	default:
		if af, ok := recvContractDuplicate(ctx, cn, message); ok {
			return ctx, af, nil
		}
		return ctx, nil, fmt.Errorf("unsupported message type")
	}
}

func (cn *ContractNegotiationAgreed) Send(ctx context.Context) (applyFunc, error) {
	ctx, _ = logging.InjectLabels(ctx, "send_type", fmt.Sprintf("%T", cn))
	return sendContractVerification(ctx, cn.GetReconciler(), cn.GetContract())
}

type ContractNegotiationVerified struct {
	*contract.Negotiation
	stateMachineDeps
}

func (cn *ContractNegotiationVerified) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "recv_type", fmt.Sprintf("%T", cn))
	logger.Debug("Receiving message")
	switch t := message.(type) {
	case shared.ContractNegotiationEventMessage:
		ctx, logger = logging.InjectLabels(ctx,
			"recv_msg_type", fmt.Sprintf("%T", t),
			"event_type", t.EventType,
		)
		receivedStatus, err := contract.ParseState(t.EventType)
		if err != nil {
			logger.Error("event does not contain the proper status", "err", err)
			return ctx, nil, fmt.Errorf("event %s does not contain proper status: %w", t.EventType, err)
		}
		if receivedStatus != contract.States.FINALIZED {
			logger.Error("invalid status")
			return ctx, nil, fmt.Errorf("invalid status: %s", receivedStatus)
		}
		logger.Debug("Received message")
		af := storeAgreementFunc(ctx, cn.s, cn.GetContract())
		return verifyAndTransform(
			ctx, cn, t.ProviderPID, t.ConsumerPID, cn.GetCallback().String(),
			contract.States.FINALIZED, af)
	case shared.ContractNegotiationTerminationMessage:
		return processTermination(ctx, t, cn)
	default:
		if af, ok := recvContractDuplicate(ctx, cn, message); ok {
			return ctx, af, nil
		}
		return ctx, nil, fmt.Errorf("unsupported message type")
	}
}

func (cn *ContractNegotiationVerified) Send(ctx context.Context) (applyFunc, error) {
	ctx, _ = logging.InjectLabels(ctx, "send_type", fmt.Sprintf("%T", cn))
	af, err := sendContractEvent(
		ctx, cn.GetReconciler(), cn.GetContract(), cn.GetConsumerPID(), contract.States.FINALIZED)
	if err != nil {
		return af, err
	}
	// The provider records the agreement as soon as it queues finalization,
	// at this point both signatures are in.
	store := storeAgreementFunc(ctx, cn.s, cn.GetContract())
	return func() error {
		if err := store(); err != nil {
			return err
		}
		return af()
	}, nil
}

type ContractNegotiationFinalized struct {
	*contract.Negotiation
	stateMachineDeps
}

func (cn *ContractNegotiationFinalized) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	if af, ok := recvContractDuplicate(ctx, cn, message); ok {
		return ctx, af, nil
	}
	return ctx, nil, fmt.Errorf("%w: this is a final state", shared.ErrInvalidStateTransition)
}

func (cn *ContractNegotiationFinalized) Send(ctx context.Context) (applyFunc, error) {
	return noop, nil
}

type ContractNegotiationDeclined struct {
	*contract.Negotiation
	stateMachineDeps
}

func (cn *ContractNegotiationDeclined) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	if af, ok := recvContractDuplicate(ctx, cn, message); ok {
		return ctx, af, nil
	}
	return ctx, nil, fmt.Errorf("%w: this is a final state", shared.ErrInvalidStateTransition)
}

func (cn *ContractNegotiationDeclined) Send(ctx context.Context) (applyFunc, error) {
	return noop, nil
}

type ContractNegotiationTerminated struct {
	*contract.Negotiation
	stateMachineDeps
}

func (cn *ContractNegotiationTerminated) Recv(
	ctx context.Context, message any,
) (context.Context, applyFunc, error) {
	if af, ok := recvContractDuplicate(ctx, cn, message); ok {
		return ctx, af, nil
	}
	return ctx, nil, fmt.Errorf("%w: this is a final state", shared.ErrInvalidStateTransition)
}

func (cn *ContractNegotiationTerminated) Send(ctx context.Context) (applyFunc, error) {
	// Nothing to do here.
	return noop, nil
}

//nolint:cyclop // plain state dispatch
func GetContractNegotiation(
	ctx context.Context,
	c *contract.Negotiation,
	d Deps,
) (context.Context, ContractNegotiationState) {
	var cns ContractNegotiationState
	deps := depsFromConfig(d)
	switch c.GetState() {
	case contract.States.INITIAL:
		cns = &ContractNegotiationInitial{Negotiation: c, stateMachineDeps: deps}
	case contract.States.REQUESTED:
		cns = &ContractNegotiationRequested{Negotiation: c, stateMachineDeps: deps}
	case contract.States.OFFERED:
		cns = &ContractNegotiationOffered{Negotiation: c, stateMachineDeps: deps}
	case contract.States.AGREED:
		cns = &ContractNegotiationAgreed{Negotiation: c, stateMachineDeps: deps}
	case contract.States.ACCEPTED:
		cns = &ContractNegotiationAccepted{Negotiation: c, stateMachineDeps: deps}
	case contract.States.VERIFIED:
		cns = &ContractNegotiationVerified{Negotiation: c, stateMachineDeps: deps}
	case contract.States.FINALIZED:
		cns = &ContractNegotiationFinalized{Negotiation: c, stateMachineDeps: deps}
	case contract.States.DECLINED:
		cns = &ContractNegotiationDeclined{Negotiation: c, stateMachineDeps: deps}
	case contract.States.TERMINATED:
		cns = &ContractNegotiationTerminated{Negotiation: c, stateMachineDeps: deps}
	default:
		panic("Invalid contract state.")
	}
	ctx, logger := logging.InjectLabels(ctx,
		"contract_consumerPID", cns.GetConsumerPID().String(),
		"contract_providerPID", cns.GetProviderPID().String(),
		"contract_state", cns.GetState().String(),
		"contract_role", cns.GetContract().GetRole().String(),
	)
	logger.Debug("Found negotiation")
	return ctx, cns
}

// contractMessageTarget maps an inbound message to the state it drives the
// negotiation to.
func contractMessageTarget(message any) (contract.State, bool) {
	switch t := message.(type) {
	case shared.ContractRequestMessage:
		return contract.States.REQUESTED, true
	case shared.ContractOfferMessage:
		return contract.States.OFFERED, true
	case shared.ContractAgreementMessage:
		return contract.States.AGREED, true
	case shared.ContractAgreementVerificationMessage:
		return contract.States.VERIFIED, true
	case shared.ContractNegotiationEventMessage:
		state, err := contract.ParseState(t.EventType)
		if err != nil {
			return contract.States.INITIAL, false
		}
		return state, true
	case shared.ContractNegotiationTerminationMessage:
		return contract.States.TERMINATED, true
	default:
		return contract.States.INITIAL, false
	}
}

// recvContractDuplicate recognizes a redelivery of a message the negotiation
// already applied. The duplicate is acknowledged with the current state so a
// counterparty retrying a lost acknowledgement doesn't burn its retries on an
// error response.
func recvContractDuplicate(
	ctx context.Context, cn ContractNegotiationState, message any,
) (applyFunc, bool) {
	target, known := contractMessageTarget(message)
	if !known || target != cn.GetState() {
		return nil, false
	}
	logging.Extract(ctx).Info("Duplicate delivery, acknowledging current state",
		"msg_type", fmt.Sprintf("%T", message))
	return noop, true
}

func verifyAndTransform(
	ctx context.Context,
	cn ContractNegotiationState,
	providerPID, consumerPID, callbackAddress string,
	targetState contract.State,
	af applyFunc,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "target_state", targetState.String())
	if cn.GetProviderPID().URN() != strings.ToLower(providerPID) {
		logger.Error("Provider PID mismatch",
			"given", providerPID,
			"existing", cn.GetProviderPID().URN(),
		)
		return ctx, nil, fmt.Errorf(
			"given provider PID %s didn't match negotiation provider PID %s",
			providerPID,
			cn.GetProviderPID().URN(),
		)
	}
	if cn.GetConsumerPID().URN() != strings.ToLower(consumerPID) {
		logger.Error("Consumer PID mismatch",
			"given", consumerPID,
			"existing", cn.GetConsumerPID().URN(),
		)
		return ctx, nil, fmt.Errorf(
			"given consumer PID %s didn't match negotiation consumer PID %s",
			consumerPID,
			cn.GetConsumerPID().URN(),
		)
	}
	err := cn.SetCallback(callbackAddress)
	if err != nil {
		logger.Error("Invalid callback address", "err", err)
		return ctx, nil, fmt.Errorf("invalid callback address: %s", callbackAddress)
	}
	if err := cn.SetState(targetState); err != nil {
		logger.Error("Could not set state", "err", err)
		return ctx, nil, fmt.Errorf("could not set state: %w", err)
	}

	return ctx, af, nil
}

func processTermination(
	ctx context.Context, t shared.ContractNegotiationTerminationMessage, cn ContractNegotiationState,
) (context.Context, applyFunc, error) {
	logger := logging.Extract(ctx).With("termination_code", t.Code)
	ctx = logging.Inject(ctx, logger)

	cn.GetContract().SetTerminationReason(t.Code)
	reconciler := cn.GetReconciler()
	localPID := cn.GetContract().GetLocalPID()
	af := func() error {
		// Drop any in-flight messages for this negotiation, the counterparty
		// already walked away.
		reconciler.Cancel(localPID)
		return nil
	}
	return verifyAndTransform(
		ctx,
		cn,
		t.ProviderPID,
		t.ConsumerPID,
		cn.GetCallback().String(),
		contract.States.TERMINATED,
		af,
	)
}

// processPolicyDenial terminates the negotiation with the policy denial
// reason, and queues a termination message for the counterparty.
func processPolicyDenial(
	ctx context.Context, cn ContractNegotiationState, code string,
) (context.Context, applyFunc, error) {
	return terminateLocally(ctx, cn, code)
}

// processSignatureFailure terminates the negotiation because an agreement
// signature did not check out.
func processSignatureFailure(
	ctx context.Context, cn ContractNegotiationState, cause error,
) (context.Context, applyFunc, error) {
	logger := logging.Extract(ctx)
	logger.Error("Agreement signature rejected", "err", cause)
	return terminateLocally(ctx, cn, shared.TerminationVerificationFailed)
}

// terminateLocally moves the negotiation to TERMINATED with the given reason
// and queues the termination message for the counterparty.
func terminateLocally(
	ctx context.Context, cn ContractNegotiationState, code string,
) (context.Context, applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "termination_code", code)
	negotiation := cn.GetContract()
	negotiation.SetTerminationReason(code)
	if err := cn.SetState(contract.States.TERMINATED); err != nil {
		logger.Error("Could not terminate negotiation", "err", err)
		return ctx, nil, fmt.Errorf("could not set state: %w", err)
	}
	af, err := sendContractTermination(ctx, cn.GetReconciler(), negotiation, code)
	if err != nil {
		return ctx, nil, err
	}
	logger.Info("Negotiation terminated", negotiation.GetLogFields("")...)
	return ctx, af, nil
}

// countersignAgreement runs on the consumer when an agreement comes in. It
// checks the provider signature and then adds the consumer's own.
func countersignAgreement(
	ctx context.Context, cn ContractNegotiationState, agreement *odrl.Agreement,
) (applyFunc, error) {
	authority := cn.GetAuthority()
	if err := authority.VerifyAgreementSignature(ctx, agreement, constants.DataspaceProvider); err != nil {
		return nil, err
	}
	if err := authority.SignAgreement(ctx, agreement, constants.DataspaceConsumer); err != nil {
		return nil, err
	}
	cn.GetContract().SetAgreement(agreement)
	return noop, nil
}

// storeAgreementFunc returns an applyFunc that persists the agreement record
// once the negotiation hits its final state.
func storeAgreementFunc(
	ctx context.Context, store persistence.StorageProvider, c *contract.Negotiation,
) applyFunc {
	return func() error {
		agreement := c.GetAgreement()
		if agreement == nil {
			return fmt.Errorf("finalizing negotiation without agreement")
		}
		if !agreement.FullySigned() {
			return fmt.Errorf("finalizing negotiation with partially signed agreement")
		}
		return store.PutAgreement(ctx, &persistence.AgreementRecord{
			Agreement:      agreement,
			NegotiationPID: c.GetLocalPID(),
			Role:           c.GetRole(),
		})
	}
}
