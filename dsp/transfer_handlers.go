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

package dsp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

type TransferError struct {
	status   int
	transfer *transfer.Request
	dspCode  string
	reason   string
	err      string
}

func (te TransferError) Error() string     { return te.err }
func (te TransferError) StatusCode() int   { return te.status }
func (te TransferError) ErrorType() string { return "dspace:TransferError" }
func (te TransferError) DSPCode() string   { return te.dspCode }

func (te TransferError) Description() []shared.Multilanguage {
	return []shared.Multilanguage{{Value: te.reason, Language: "en"}}
}

func (te TransferError) Reason() []shared.Multilanguage {
	return []shared.Multilanguage{{Value: te.reason, Language: "en"}}
}

func (te TransferError) ProviderPID() string {
	if te.transfer == nil {
		return ""
	}
	return te.transfer.GetProviderPID().URN()
}

func (te TransferError) ConsumerPID() string {
	if te.transfer == nil {
		return ""
	}
	return te.transfer.GetConsumerPID().URN()
}

func transferError(
	ctx context.Context, err string, statusCode int, dspCode string, reason string, request *transfer.Request,
) TransferError {
	logger := logging.Extract(ctx)
	fields := []any{
		"statusCode", statusCode,
		"dspCode", dspCode,
		"reason", reason,
		"err", err,
	}
	if request != nil {
		fields = append(fields, request.GetLogFields("")...)
	}
	logger.Error("transfer error", fields...)
	return TransferError{
		status:   statusCode,
		transfer: request,
		dspCode:  dspCode,
		reason:   reason,
		err:      err,
	}
}

func (dh *dspHandlers) providerTransferProcessHandler(w http.ResponseWriter, req *http.Request) error {
	ctx := req.Context()
	providerPID, err := uuid.Parse(req.PathValue("providerPID"))
	if err != nil {
		return transferError(ctx, "invalid provider ID", http.StatusBadRequest, "400", "Invalid provider PID", nil)
	}

	request, err := dh.store.GetTransferR(ctx, providerPID, constants.DataspaceProvider)
	if err != nil {
		return transferError(ctx, err.Error(), http.StatusNotFound, "404", "Transfer not found", nil)
	}

	if err := shared.EncodeValid(w, req, http.StatusOK, request.GetTransferProcess()); err != nil {
		logging.Extract(ctx).Error("couldn't serve transfer state", "err", err)
	}
	return nil
}

// providerTransferRequestHandler handles the initial transfer request. The
// agreement the consumer refers to has to exist and be fully signed, which
// only happens once its negotiation finalized.
func (dh *dspHandlers) providerTransferRequestHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerTransferRequestHandler")
	req = req.WithContext(ctx)
	transferReq, err := shared.DecodeValid[shared.TransferRequestMessage](req)
	if err != nil {
		return transferError(ctx, fmt.Sprintf("invalid request message: %s", err.Error()),
			http.StatusBadRequest, "400", "Invalid request", nil)
	}
	logging.Extract(ctx).Debug("Got transfer request")

	consumerPID, err := uuid.Parse(transferReq.ConsumerPID)
	if err != nil {
		return transferError(ctx, fmt.Sprintf("Invalid consumer ID %s: %s", transferReq.ConsumerPID, err.Error()),
			http.StatusBadRequest, "400", "Invalid request: ConsumerPID is not a UUID", nil)
	}

	agreementID, err := uuid.Parse(transferReq.AgreementID)
	if err != nil {
		return transferError(ctx, fmt.Sprintf("Invalid agreement ID %s: %s", transferReq.AgreementID, err.Error()),
			http.StatusBadRequest, "400", "Invalid request: AgreementID is not a UUID", nil)
	}

	record, err := dh.store.GetAgreement(ctx, agreementID)
	if err != nil {
		return transferError(ctx, fmt.Sprintf("no agreement %s: %s", agreementID, err),
			http.StatusBadRequest, "400", "Contract not agreed", nil)
	}
	if !record.Agreement.FullySigned() {
		return transferError(ctx, fmt.Sprintf("agreement %s not fully signed", agreementID),
			http.StatusBadRequest, "400", "Contract not agreed", nil)
	}

	cbURL, err := url.Parse(transferReq.CallbackAddress)
	if err != nil {
		return transferError(ctx, fmt.Sprintf("Invalid callback URL %s: %s", transferReq.CallbackAddress, err.Error()),
			http.StatusBadRequest, "400", "Invalid request: Non-valid callback URL.", nil)
	}

	request := transfer.New(
		consumerPID,
		record.Agreement,
		transferReq.Format,
		cbURL,
		dh.selfURL,
		constants.DataspaceProvider,
		transfer.States.INITIAL,
		transferReq.DataAddress,
	)
	request.SetProviderPID(uuid.New())

	if err := storeTransfer(ctx, dh.store, request); err != nil {
		return err
	}

	return processTransferMessage(dh, w, req, request.GetRole(), request.GetProviderPID(), transferReq)
}

func progressTransferState[T any](
	dh *dspHandlers, w http.ResponseWriter, req *http.Request, role constants.DataspaceRole, rawPID string,
) error {
	ctx := req.Context()
	pid, err := uuid.Parse(rawPID)
	if err != nil {
		return transferError(ctx, fmt.Sprintf("Invalid PID %s: %s", rawPID, err.Error()),
			http.StatusBadRequest, "400", "Invalid request: PID is not a UUID", nil)
	}
	msg, err := shared.DecodeValid[T](req)
	if err != nil {
		return transferError(ctx, fmt.Sprintf("could not decode message: %s", err),
			http.StatusBadRequest, "400", "Invalid request", nil)
	}

	logging.Extract(ctx).Debug("Got transfer message", "messageType", fmt.Sprintf("%T", msg))

	return processTransferMessage(dh, w, req, role, pid, msg)
}

func processTransferMessage[T any](
	dh *dspHandlers,
	w http.ResponseWriter,
	req *http.Request,
	role constants.DataspaceRole,
	pid uuid.UUID,
	msg T,
) error {
	ctx := req.Context()
	request, err := dh.store.GetTransferRW(ctx, pid, role)
	if err != nil {
		status := statusForError(err, http.StatusNotFound)
		return transferError(ctx, fmt.Sprintf("transfer %s (role %d) not available: %s", pid, role, err),
			status, fmt.Sprint(status), "Transfer not available", nil)
	}
	ctx, logger := logging.InjectLabels(ctx, "messageType", fmt.Sprintf("%T", msg))
	logger.Info("processing transfer request", request.GetLogFields("_recv")...)
	pState := statemachine.GetTransferRequestNegotiation(request, dh.deps)
	before := pState.GetState()

	next, err := pState.Recv(ctx, msg)
	if err != nil {
		status := statusForError(err, http.StatusBadRequest)
		return transferError(ctx, fmt.Sprintf("invalid request: %s", err),
			status, fmt.Sprint(status), "Invalid request", request)
	}

	// Only a fresh transfer request has something to send out reactively: the
	// provider provisions the flow and queues the start message. Every other
	// inbound message, redeliveries included, is acknowledged with the stored
	// state.
	apply := func() error { return nil }
	if next.GetState() != before && next.GetState() == transfer.States.REQUESTED {
		apply, err = next.Send(ctx)
		if err != nil {
			return transferError(ctx, fmt.Sprintf("failed to send: %s", err),
				http.StatusInternalServerError, "500", "Internal error", next.GetTransferRequest(),
			)
		}
	}

	if err := storeTransfer(ctx, dh.store, next.GetTransferRequest()); err != nil {
		return err
	}
	if err := apply(); err != nil {
		return transferError(ctx, fmt.Sprintf("failed to propagate: %s", err),
			http.StatusInternalServerError, "500", "Internal error", next.GetTransferRequest(),
		)
	}
	if err := shared.EncodeValid(w, req, http.StatusOK, next.GetTransferProcess()); err != nil {
		logging.Extract(ctx).Error("Couldn't serve response", "err", err)
	}

	return nil
}

func storeTransfer(
	ctx context.Context,
	store persistence.StorageProvider,
	request *transfer.Request,
) error {
	if err := store.PutTransfer(ctx, request); err != nil {
		return transferError(ctx, fmt.Sprintf("couldn't store transfer: %s", err),
			http.StatusInternalServerError, "500", "Not able to store transfer", request)
	}
	return nil
}

func (dh *dspHandlers) providerTransferStartHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerTransferStartHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferStartMessage](
		dh, w, req, constants.DataspaceProvider, req.PathValue("providerPID"),
	)
}

func (dh *dspHandlers) providerTransferCompletionHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerTransferCompletionHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferCompletionMessage](
		dh, w, req, constants.DataspaceProvider, req.PathValue("providerPID"),
	)
}

func (dh *dspHandlers) providerTransferSuspensionHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerTransferSuspensionHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferSuspensionMessage](
		dh, w, req, constants.DataspaceProvider, req.PathValue("providerPID"),
	)
}

func (dh *dspHandlers) providerTransferTerminationHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "providerTransferTerminationHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferTerminationMessage](
		dh, w, req, constants.DataspaceProvider, req.PathValue("providerPID"),
	)
}

func (dh *dspHandlers) consumerTransferStartHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerTransferStartHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferStartMessage](
		dh, w, req, constants.DataspaceConsumer, req.PathValue("consumerPID"),
	)
}

func (dh *dspHandlers) consumerTransferCompletionHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerTransferCompletionHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferCompletionMessage](
		dh, w, req, constants.DataspaceConsumer, req.PathValue("consumerPID"),
	)
}

func (dh *dspHandlers) consumerTransferSuspensionHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerTransferSuspensionHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferSuspensionMessage](
		dh, w, req, constants.DataspaceConsumer, req.PathValue("consumerPID"),
	)
}

func (dh *dspHandlers) consumerTransferTerminationHandler(w http.ResponseWriter, req *http.Request) error {
	ctx, _ := logging.InjectLabels(req.Context(), "handler", "consumerTransferTerminationHandler")
	req = req.WithContext(ctx)
	return progressTransferState[shared.TransferTerminationMessage](
		dh, w, req, constants.DataspaceConsumer, req.PathValue("consumerPID"),
	)
}
