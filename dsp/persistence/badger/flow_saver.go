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
	"errors"
	"fmt"

	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

// GetFlowR gets a flow and sets the read-only property.
func (sp *StorageProvider) GetFlowR(ctx context.Context, processID uuid.UUID) (*dps.Flow, error) {
	key := dps.GenerateFlowKey(processID)
	b, err := get(sp.db, key)
	if err != nil {
		return nil, fmt.Errorf("could not get flow: %w", err)
	}
	flow, err := dps.FlowFromBytes(b)
	if err != nil {
		return nil, err
	}

	flow.SetReadOnly()
	return flow, nil
}

// GetFlowRW gets a flow but does NOT set the read-only property, allowing
// changes to be saved. It acquires the flow's lock.
func (sp *StorageProvider) GetFlowRW(ctx context.Context, processID uuid.UUID) (*dps.Flow, error) {
	key := dps.GenerateFlowKey(processID)
	ctx, _ = logging.InjectLabels(ctx, "type", "flow", "process_id", processID, "key", string(key))
	b, err := getLocked(ctx, sp, key)
	if err != nil {
		return nil, err
	}

	flow, err := dps.FlowFromBytes(b)
	if err != nil {
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}

	return flow, nil
}

// ClaimFlowRW locks the flow slot for the process and returns the stored
// flow, or nil when none exists yet. The lock stays held either way, so a
// caller creating the flow does so exclusively. PutFlow or ReleaseFlow drop
// the lock again.
func (sp *StorageProvider) ClaimFlowRW(ctx context.Context, processID uuid.UUID) (*dps.Flow, error) {
	key := dps.GenerateFlowKey(processID)
	ctx, _ = logging.InjectLabels(ctx, "type", "flow", "process_id", processID, "key", string(key))
	if err := sp.AcquireLock(ctx, newLockKey(key)); err != nil {
		return nil, fmt.Errorf("%w: %s", shared.ErrConcurrentModification, key)
	}
	b, err := get(sp.db, key)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}
	flow, err := dps.FlowFromBytes(b)
	if err != nil {
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}
	return flow, nil
}

// PutFlow saves a flow to the database and releases its lock.
func (sp *StorageProvider) PutFlow(ctx context.Context, flow *dps.Flow) error {
	b, err := flow.ToBytes()
	if err != nil {
		return err
	}
	return putUnlock(ctx, sp, flow, b)
}

// ReleaseFlow releases the lock of the flow without saving, and marks it
// read-only.
func (sp *StorageProvider) ReleaseFlow(ctx context.Context, flow *dps.Flow) error {
	key := dps.GenerateFlowKey(flow.GetProcessID())

	flow.SetReadOnly()
	return sp.ReleaseLock(ctx, newLockKey(key))
}
