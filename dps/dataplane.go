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

package dps

import (
	"context"
	"sync"

	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

// DataPlane is what the controller signals data-plane operations to. The
// controller guarantees that calls for a single process are serialised, and
// that a teardown is the last call a process will ever see.
type DataPlane interface {
	// Provision sets up the plane for a transfer. For push transfers the
	// address is where to deliver, for pull transfers the address is nil and
	// the plane serves at its own endpoint, guarded by the token.
	Provision(ctx context.Context, processID uuid.UUID, address *shared.DataAddress, token string) error
	// Pause stops the flow but keeps its resources around.
	Pause(ctx context.Context, processID uuid.UUID) error
	// Resume restarts a paused flow with a fresh token.
	Resume(ctx context.Context, processID uuid.UUID, token string) error
	// Teardown releases all resources of the flow.
	Teardown(ctx context.Context, processID uuid.UUID) error
}

// LoopbackPlane is a DataPlane that only tracks state in memory. It backs
// tests and deployments where the data plane is handled out of band.
type LoopbackPlane struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]string
	paused map[uuid.UUID]bool
}

// NewLoopbackPlane returns an empty loopback plane.
func NewLoopbackPlane() *LoopbackPlane {
	return &LoopbackPlane{
		tokens: map[uuid.UUID]string{},
		paused: map[uuid.UUID]bool{},
	}
}

func (lp *LoopbackPlane) Provision(
	ctx context.Context, processID uuid.UUID, address *shared.DataAddress, token string,
) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.tokens[processID] = token
	lp.paused[processID] = false
	logging.Extract(ctx).Debug("provisioned loopback flow", "process_id", processID)
	return nil
}

func (lp *LoopbackPlane) Pause(ctx context.Context, processID uuid.UUID) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.paused[processID] = true
	logging.Extract(ctx).Debug("paused loopback flow", "process_id", processID)
	return nil
}

func (lp *LoopbackPlane) Resume(ctx context.Context, processID uuid.UUID, token string) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.tokens[processID] = token
	lp.paused[processID] = false
	logging.Extract(ctx).Debug("resumed loopback flow", "process_id", processID)
	return nil
}

func (lp *LoopbackPlane) Teardown(ctx context.Context, processID uuid.UUID) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	delete(lp.tokens, processID)
	delete(lp.paused, processID)
	logging.Extract(ctx).Debug("tore down loopback flow", "process_id", processID)
	return nil
}

// Active reports whether the process has a provisioned, unpaused flow.
func (lp *LoopbackPlane) Active(processID uuid.UUID) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	_, found := lp.tokens[processID]
	return found && !lp.paused[processID]
}

// Token returns the token the plane currently accepts for the process.
func (lp *LoopbackPlane) Token(processID uuid.UUID) string {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.tokens[processID]
}
