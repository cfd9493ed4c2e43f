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

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

func makeTransferRequestFunction(
	ctx context.Context,
	t *transfer.Request,
	cu *url.URL,
	reqBody []byte,
	destinationState transfer.State,
	reconciler *Reconciler,
) func() {
	var id uuid.UUID
	if t.GetRole() == constants.DataspaceConsumer {
		id = t.GetConsumerPID()
	} else {
		id = t.GetProviderPID()
	}
	return makeRequestFunction(
		ctx,
		cu,
		reqBody,
		id,
		t.GetRole(),
		destinationState.String(),
		ReconciliationTransferRequest,
		reconciler,
	)
}

func sendTransferRequest(ctx context.Context, tr *TransferRequestNegotiationInitial) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendTransferRequest")
	transferRequest := shared.TransferRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:TransferRequestMessage",
		AgreementID:     tr.GetAgreementID().URN(),
		Format:          tr.GetFormat(),
		CallbackAddress: tr.GetSelf().String(),
		ConsumerPID:     tr.GetConsumerPID().URN(),
	}
	// Push transfers carry the address the provider should deliver to.
	if address := tr.GetTransferRequest().GetDataAddress(); address != nil &&
		tr.GetTransferDirection() == transfer.DirectionPush {
		transferRequest.DataAddress = address
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, transferRequest)
	if err != nil {
		logger.Error("Could not validate transfer request", "err", err)
		return noop, fmt.Errorf("could not process request: %w", err)
	}

	cu := cloneURL(tr.GetCallback())
	cu.Path = path.Join(cu.Path, "transfers", "request")

	return enqueue(makeTransferRequestFunction(
		ctx,
		tr.GetTransferRequest(),
		cu,
		reqBody,
		transfer.States.REQUESTED,
		tr.GetReconciler(),
	)), nil
}

// sendTransferStart queues the start message. For pull transfers the data
// address is rendered from the EDR the data plane handed out.
func sendTransferStart(ctx context.Context, tr *transfer.Request, r *Reconciler) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendTransferStart")
	startRequest := shared.TransferStartMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:TransferStartMessage",
		ProviderPID: tr.GetProviderPID().URN(),
		ConsumerPID: tr.GetConsumerPID().URN(),
	}
	switch tr.GetTransferDirection() {
	case transfer.DirectionPull:
		edr := tr.GetEDR()
		if edr == nil {
			return noop, fmt.Errorf("pull transfer without EDR")
		}
		startRequest.DataAddress = edrToDataAddress(edr)
	case transfer.DirectionPush:
		startRequest.DataAddress = tr.GetDataAddress()
	case transfer.DirectionUnknown:
		return noop, fmt.Errorf("unknown transfer direction")
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, startRequest)
	if err != nil {
		logger.Error("Could not validate start message", "err", err)
		return noop, fmt.Errorf("could not process request: %w", err)
	}

	cu := cloneURL(tr.GetCallback())
	cu.Path = path.Join(cu.Path, "transfers", tr.GetRemotePID().String(), "start")

	return enqueue(makeTransferRequestFunction(
		ctx,
		tr,
		cu,
		reqBody,
		transfer.States.STARTED,
		r,
	)), nil
}

func sendTransferCompletion(ctx context.Context, tr *transfer.Request, r *Reconciler) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendTransferCompletion")
	completion := shared.TransferCompletionMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:TransferCompletionMessage",
		ProviderPID: tr.GetProviderPID().URN(),
		ConsumerPID: tr.GetConsumerPID().URN(),
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, completion)
	if err != nil {
		logger.Error("Could not validate completion message", "err", err)
		return noop, fmt.Errorf("could not process request: %w", err)
	}

	cu := cloneURL(tr.GetCallback())
	cu.Path = path.Join(cu.Path, "transfers", tr.GetRemotePID().String(), "completion")

	return enqueue(makeTransferRequestFunction(
		ctx,
		tr,
		cu,
		reqBody,
		transfer.States.COMPLETED,
		r,
	)), nil
}

func sendTransferSuspension(
	ctx context.Context, tr *transfer.Request, r *Reconciler, code string,
) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendTransferSuspension")
	suspension := shared.TransferSuspensionMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:TransferSuspensionMessage",
		ProviderPID: tr.GetProviderPID().URN(),
		ConsumerPID: tr.GetConsumerPID().URN(),
		Code:        code,
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, suspension)
	if err != nil {
		logger.Error("Could not validate suspension message", "err", err)
		return noop, fmt.Errorf("could not process request: %w", err)
	}

	cu := cloneURL(tr.GetCallback())
	cu.Path = path.Join(cu.Path, "transfers", tr.GetRemotePID().String(), "suspension")

	return enqueue(makeTransferRequestFunction(
		ctx,
		tr,
		cu,
		reqBody,
		transfer.States.SUSPENDED,
		r,
	)), nil
}

func sendTransferTermination(
	ctx context.Context, tr *transfer.Request, r *Reconciler, code string,
) (applyFunc, error) {
	ctx, logger := logging.InjectLabels(ctx, "operation", "sendTransferTermination")
	termination := shared.TransferTerminationMessage{
		Context:     shared.GetDSPContext(),
		Type:        "dspace:TransferTerminationMessage",
		ProviderPID: tr.GetProviderPID().URN(),
		ConsumerPID: tr.GetConsumerPID().URN(),
		Code:        code,
	}

	reqBody, err := shared.ValidateAndMarshal(ctx, termination)
	if err != nil {
		logger.Error("Could not validate termination message", "err", err)
		return noop, fmt.Errorf("could not process request: %w", err)
	}

	cu := cloneURL(tr.GetCallback())
	cu.Path = path.Join(cu.Path, "transfers", tr.GetRemotePID().String(), "termination")

	return enqueue(makeTransferRequestFunction(
		ctx,
		tr,
		cu,
		reqBody,
		transfer.States.TERMINATED,
		r,
	)), nil
}
