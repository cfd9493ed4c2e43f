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

// Package persistence contains the storage interfaces for the signaling
// engine. It also contains shared code for the implementation packages.
package persistence

import (
	"context"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
)

// StorageProvider is an interface that combines the *Saver interfaces.
type StorageProvider interface {
	ContractSaver
	AgreementSaver
	TransferSaver
	FlowSaver
	dcp.TokenStore
	dcp.CredentialStore
}

// ContractSaver is an interface for storing/retrieving contract negotiations.
// It supports both read-only and read/write versions.
// It is up to the implementer to handle locking of negotiations for the
// read/write instances, and to error if a read-only negotiation is being
// saved.
type ContractSaver interface {
	// GetContractR gets a read-only version of a negotiation.
	GetContractR(
		ctx context.Context,
		pid uuid.UUID,
		role constants.DataspaceRole,
	) (*contract.Negotiation, error)
	// GetContractRW gets a read/write version of a negotiation. This sets a
	// negotiation specific lock for the requested negotiation.
	GetContractRW(
		ctx context.Context,
		pid uuid.UUID,
		role constants.DataspaceRole,
	) (*contract.Negotiation, error)
	// PutContract saves a negotiation, and releases the negotiation specific
	// lock.
	PutContract(ctx context.Context, contract *contract.Negotiation) error
	// ReleaseContract will release any lock the negotiation has.
	ReleaseContract(ctx context.Context, negotiation *contract.Negotiation) error
	// GetContracts returns a read-only list of all negotiations.
	GetContracts(ctx context.Context) ([]*contract.Negotiation, error)
	// GetContractsByState returns a read-only list of all negotiations in
	// the given state.
	GetContractsByState(
		ctx context.Context, state contract.State) ([]*contract.Negotiation, error)
}

// AgreementRecord couples a signed agreement to the local negotiation it
// came out of, so transfer requests can check that the negotiation actually
// finalized.
type AgreementRecord struct {
	Agreement      *odrl.Agreement
	NegotiationPID uuid.UUID
	Role           constants.DataspaceRole
}

// AgreementSaver is an interface for storing/retrieving agreements.
// This does not have any locking involved as agreements are immutable.
type AgreementSaver interface {
	// GetAgreement gets an agreement record by agreement ID.
	GetAgreement(ctx context.Context, id uuid.UUID) (*AgreementRecord, error)
	// PutAgreement stores an agreement record.
	PutAgreement(ctx context.Context, record *AgreementRecord) error
}

// TransferSaver is an interface for storing transfer requests.
// The read/write semantics are the same as those for contracts.
type TransferSaver interface {
	// GetTransfers returns a read-only list of all transfers.
	GetTransfers(ctx context.Context) ([]*transfer.Request, error)
	// GetTransfersByState returns a read-only list of all transfers in the
	// given state.
	GetTransfersByState(
		ctx context.Context, state transfer.State) ([]*transfer.Request, error)
	// GetTransferR gets a read-only version of a transfer request.
	GetTransferR(
		ctx context.Context,
		pid uuid.UUID,
		role constants.DataspaceRole,
	) (*transfer.Request, error)
	// GetTransferRW gets a read/write version of a transfer request.
	GetTransferRW(
		ctx context.Context,
		pid uuid.UUID,
		role constants.DataspaceRole,
	) (*transfer.Request, error)
	// PutTransfer saves a transfer.
	PutTransfer(ctx context.Context, transfer *transfer.Request) error
	// ReleaseTransfer will release any lock the transfer has.
	ReleaseTransfer(ctx context.Context, transfer *transfer.Request) error
}

// FlowSaver is an interface for storing data-plane flows.
// The read/write semantics are the same as those for contracts, with one
// addition: ClaimFlowRW acquires the flow's lock even when no flow exists
// yet, returning nil so the caller can create it without racing another
// creator. The caller still releases the lock via PutFlow or ReleaseFlow.
type FlowSaver interface {
	GetFlowR(ctx context.Context, processID uuid.UUID) (*dps.Flow, error)
	GetFlowRW(ctx context.Context, processID uuid.UUID) (*dps.Flow, error)
	ClaimFlowRW(ctx context.Context, processID uuid.UUID) (*dps.Flow, error)
	PutFlow(ctx context.Context, flow *dps.Flow) error
	ReleaseFlow(ctx context.Context, flow *dps.Flow) error
}
