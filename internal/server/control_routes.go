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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-dataspace/run-sig/dsp/control"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
)

// The operator API is a plain JSON API, separate from the dataspace
// endpoints. It is meant to be bound to localhost or put behind the
// deployment's own authentication.

type negotiationBody struct {
	ParticipantAddress string     `json:"participantAddress"`
	Offer              odrl.Offer `json:"offer"`
}

type terminationBody struct {
	Code    string   `json:"code"`
	Reasons []string `json:"reasons,omitempty"`
}

type suspensionBody struct {
	Code string `json:"code"`
}

type transferBody struct {
	AgreementID        string              `json:"agreementId"`
	Format             string              `json:"format"`
	ParticipantAddress string              `json:"participantAddress"`
	DataAddress        *shared.DataAddress `json:"dataAddress,omitempty"`
}

type pidResponse struct {
	PID string `json:"pid"`
}

// getControlRoutes returns the operator API routes, backed by the control
// server.
func getControlRoutes(ctl *control.Server) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /negotiations/request", controlHandler(
		func(ctx context.Context, r *http.Request) (any, error) {
			var body negotiationBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, errBadBody
			}
			pid, err := ctl.ContractRequest(ctx, body.ParticipantAddress, body.Offer)
			if err != nil {
				return nil, err
			}
			return pidResponse{PID: pid.String()}, nil
		}))
	mux.Handle("POST /negotiations/offer", controlHandler(
		func(ctx context.Context, r *http.Request) (any, error) {
			var body negotiationBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, errBadBody
			}
			pid, err := ctl.ContractOffer(ctx, body.ParticipantAddress, body.Offer)
			if err != nil {
				return nil, err
			}
			return pidResponse{PID: pid.String()}, nil
		}))
	mux.Handle("POST /negotiations/{pid}/accept", pidHandler(ctl.ContractAccept))
	mux.Handle("POST /negotiations/{pid}/agree", pidHandler(ctl.ContractAgree))
	mux.Handle("POST /negotiations/{pid}/verify", pidHandler(ctl.ContractVerify))
	mux.Handle("POST /negotiations/{pid}/finalize", pidHandler(ctl.ContractFinalize))
	mux.Handle("POST /negotiations/{pid}/decline", pidHandler(ctl.ContractDecline))
	mux.Handle("POST /negotiations/{pid}/terminate", controlHandler(
		func(ctx context.Context, r *http.Request) (any, error) {
			pid, err := uuid.Parse(r.PathValue("pid"))
			if err != nil {
				return nil, errBadPID
			}
			var body terminationBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, errBadBody
			}
			return nil, ctl.ContractTerminate(ctx, pid, body.Code, body.Reasons)
		}))

	mux.Handle("POST /transfers/request", controlHandler(
		func(ctx context.Context, r *http.Request) (any, error) {
			var body transferBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, errBadBody
			}
			agreementID, err := uuid.Parse(body.AgreementID)
			if err != nil {
				return nil, errBadPID
			}
			pid, err := ctl.TransferRequest(
				ctx, agreementID, body.Format, body.ParticipantAddress, body.DataAddress)
			if err != nil {
				return nil, err
			}
			return pidResponse{PID: pid.String()}, nil
		}))
	mux.Handle("POST /transfers/{pid}/suspend", controlHandler(
		func(ctx context.Context, r *http.Request) (any, error) {
			pid, err := uuid.Parse(r.PathValue("pid"))
			if err != nil {
				return nil, errBadPID
			}
			var body suspensionBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, errBadBody
			}
			return nil, ctl.TransferSuspend(ctx, pid, body.Code)
		}))
	mux.Handle("POST /transfers/{pid}/policy-suspend", controlHandler(
		func(ctx context.Context, r *http.Request) (any, error) {
			pid, err := uuid.Parse(r.PathValue("pid"))
			if err != nil {
				return nil, errBadPID
			}
			var body suspensionBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, errBadBody
			}
			return nil, ctl.TransferPolicySuspend(ctx, pid, body.Code)
		}))
	mux.Handle("POST /transfers/{pid}/resume", pidHandler(ctl.TransferResume))
	mux.Handle("POST /transfers/{pid}/complete", pidHandler(ctl.TransferComplete))
	mux.Handle("POST /transfers/{pid}/terminate", controlHandler(
		func(ctx context.Context, r *http.Request) (any, error) {
			pid, err := uuid.Parse(r.PathValue("pid"))
			if err != nil {
				return nil, errBadPID
			}
			var body terminationBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return nil, errBadBody
			}
			return nil, ctl.TransferTerminate(ctx, pid, body.Code, body.Reasons)
		}))

	return mux
}

var (
	errBadBody = errors.New("could not decode request body")
	errBadPID  = errors.New("invalid process ID")
)

// pidHandler adapts the control operations that only take a PID.
func pidHandler(op func(context.Context, uuid.UUID) error) http.Handler {
	return controlHandler(func(ctx context.Context, r *http.Request) (any, error) {
		pid, err := uuid.Parse(r.PathValue("pid"))
		if err != nil {
			return nil, errBadPID
		}
		return nil, op(ctx, pid)
	})
}

func controlHandler(h func(ctx context.Context, r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		result, err := h(ctx, r)
		if err != nil {
			logging.Extract(ctx).Info("Control operation failed", "err", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(controlStatus(err))
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		if result == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
	})
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, errBadBody) || errors.Is(err, errBadPID):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, shared.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrInvalidStateTransition),
		errors.Is(err, shared.ErrContractNotAgreed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
