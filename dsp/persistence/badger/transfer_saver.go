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

package badger

import (
	"context"
	"fmt"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

// GetTransfers returns all transfer requests, read-only.
func (sp *StorageProvider) GetTransfers(ctx context.Context) ([]*transfer.Request, error) {
	values, err := getAll(sp.db, []byte("transfer-"))
	if err != nil {
		return nil, fmt.Errorf("could not list transfers: %w", err)
	}
	requests := make([]*transfer.Request, 0, len(values))
	for _, b := range values {
		request, err := transfer.FromBytes(b)
		if err != nil {
			return nil, err
		}
		request.SetReadOnly()
		requests = append(requests, request)
	}
	return requests, nil
}

// GetTransfersByState returns all transfer requests in the given state,
// read-only. Like GetContractsByState this filters a full prefix scan.
func (sp *StorageProvider) GetTransfersByState(
	ctx context.Context, state transfer.State,
) ([]*transfer.Request, error) {
	requests, err := sp.GetTransfers(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*transfer.Request, 0, len(requests))
	for _, request := range requests {
		if request.GetState() == state {
			matched = append(matched, request)
		}
	}
	return matched, nil
}

// GetTransferR gets a transfer request and sets the read-only property.
func (sp *StorageProvider) GetTransferR(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
) (*transfer.Request, error) {
	key := transfer.GenerateKey(pid, role)
	ctx, _ = logging.InjectLabels(ctx, "pid", pid, "role", role, "key", string(key))
	b, err := get(sp.db, key)
	if err != nil {
		return nil, fmt.Errorf("could not get transfer: %w", err)
	}
	request, err := transfer.FromBytes(b)
	if err != nil {
		return nil, err
	}

	request.SetReadOnly()
	return request, nil
}

// GetTransferRW gets a transfer request but does NOT set the read-only
// property, allowing changes to be saved. It acquires the transfer's lock.
func (sp *StorageProvider) GetTransferRW(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
) (*transfer.Request, error) {
	key := transfer.GenerateKey(pid, role)
	ctx, _ = logging.InjectLabels(ctx, "type", "transfer", "pid", pid, "role", role, "key", string(key))
	b, err := getLocked(ctx, sp, key)
	if err != nil {
		return nil, err
	}

	request, err := transfer.FromBytes(b)
	if err != nil {
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}

	return request, nil
}

// PutTransfer saves a transfer request to the database and releases its
// lock.
func (sp *StorageProvider) PutTransfer(ctx context.Context, request *transfer.Request) error {
	b, err := request.ToBytes()
	if err != nil {
		return err
	}
	return putUnlock(ctx, sp, request, b)
}

// ReleaseTransfer releases the lock of the transfer without saving, and
// marks it read-only.
func (sp *StorageProvider) ReleaseTransfer(ctx context.Context, request *transfer.Request) error {
	key := transfer.GenerateKey(request.GetLocalPID(), request.GetRole())

	request.SetReadOnly()
	return sp.ReleaseLock(ctx, newLockKey(key))
}
