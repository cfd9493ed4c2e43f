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
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

// GetContractR gets a negotiation and sets the read-only property.
// It does not check any locks, as the database transaction already freezes
// the view.
func (sp *StorageProvider) GetContractR(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
) (*contract.Negotiation, error) {
	key := contract.GenerateKey(pid, role)
	ctx, _ = logging.InjectLabels(ctx, "pid", pid, "role", role, "key", string(key))
	b, err := get(sp.db, key)
	if err != nil {
		return nil, fmt.Errorf("could not get contract: %w", err)
	}
	negotiation, err := contract.FromBytes(b)
	if err != nil {
		return nil, err
	}

	negotiation.SetReadOnly()
	return negotiation, nil
}

// GetContractRW gets a negotiation but does NOT set the read-only property,
// allowing changes to be saved. It acquires the negotiation's lock, and
// returns shared.ErrConcurrentModification when it can't within the wait
// budget.
func (sp *StorageProvider) GetContractRW(
	ctx context.Context,
	pid uuid.UUID,
	role constants.DataspaceRole,
) (*contract.Negotiation, error) {
	key := contract.GenerateKey(pid, role)
	ctx, _ = logging.InjectLabels(ctx, "type", "contract", "pid", pid, "role", role, "key", string(key))
	b, err := getLocked(ctx, sp, key)
	if err != nil {
		return nil, err
	}

	negotiation, err := contract.FromBytes(b)
	if err != nil {
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}

	return negotiation, nil
}

// PutContract saves a negotiation to the database.
// If the negotiation is set to read-only, it will panic as this is a bug in
// the code. It will release the lock after it has saved.
func (sp *StorageProvider) PutContract(ctx context.Context, negotiation *contract.Negotiation) error {
	b, err := negotiation.ToBytes()
	if err != nil {
		return err
	}
	return putUnlock(ctx, sp, negotiation, b)
}

// ReleaseContract releases the lock of the negotiation without saving, and
// marks it read-only.
func (sp *StorageProvider) ReleaseContract(
	ctx context.Context,
	negotiation *contract.Negotiation,
) error {
	key := contract.GenerateKey(negotiation.GetLocalPID(), negotiation.GetRole())

	negotiation.SetReadOnly()
	return sp.ReleaseLock(ctx, newLockKey(key))
}

// GetContracts returns all negotiations, read-only.
func (sp *StorageProvider) GetContracts(ctx context.Context) ([]*contract.Negotiation, error) {
	values, err := getAll(sp.db, []byte("negotiation-"))
	if err != nil {
		return nil, fmt.Errorf("could not list contracts: %w", err)
	}
	negotiations := make([]*contract.Negotiation, 0, len(values))
	for _, b := range values {
		negotiation, err := contract.FromBytes(b)
		if err != nil {
			return nil, err
		}
		negotiation.SetReadOnly()
		negotiations = append(negotiations, negotiation)
	}
	return negotiations, nil
}

// GetContractsByState returns all negotiations in the given state, read-only.
// Badger has no secondary indexes, so this filters a full prefix scan.
func (sp *StorageProvider) GetContractsByState(
	ctx context.Context, state contract.State,
) ([]*contract.Negotiation, error) {
	negotiations, err := sp.GetContracts(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*contract.Negotiation, 0, len(negotiations))
	for _, negotiation := range negotiations {
		if negotiation.GetState() == state {
			matched = append(matched, negotiation)
		}
	}
	return matched, nil
}
