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
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/transfer"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/google/uuid"
)

var (
	ErrFatal     = errors.New("fatal error")
	ErrTransient = errors.New("transient error")
)

type ReconciliationType uint

const (
	ReconciliationUndefined ReconciliationType = iota
	ReconciliationContract
	ReconciliationTransferRequest
)

const (
	initialQueueSize     = 100
	reconciliationMillis = 10
	workers              = 1

	// Backoff settings.
	DefaultMaxAttempts  = 50
	DefaultMaxDuration  = 1 * time.Minute
	initialRetry        = 500 * time.Millisecond
	multiplier          = 1.5
	randomizationFactor = 0.5
)

type reconciliationOperation struct {
	Submitted       time.Time
	NextAttempt     time.Time
	Attempts        int
	Entry           ReconciliationEntry
	CurrentInterval time.Duration
}

type ReconciliationEntry struct {
	EntityID    uuid.UUID
	Type        ReconciliationType
	Role        constants.DataspaceRole
	TargetState string
	Method      string
	URL         *url.URL
	Body        []byte
	Context     context.Context
}

// Reconciler delivers the outgoing protocol messages, retrying with an
// exponential backoff defined in calculateNextAttempt. Simply said it takes
// the previous interval, adds 50% to that, and then randomises it a bit.
//
// When the retry budget runs out, the entity the message belonged to is
// terminated as the counterparty is deemed unreachable.
type Reconciler struct {
	ctx       context.Context
	c         chan reconciliationOperation
	r         shared.Requester
	store     persistence.StorageProvider
	dataplane *dps.Controller
	q         *deque.Deque[reconciliationOperation]
	cancelled map[uuid.UUID]struct{}

	maxAttempts int
	maxDuration time.Duration

	// Waitgroup to keep track of management/worker processes.
	WaitGroup sync.WaitGroup
	sync.Mutex
}

// ReconcilerOption tweaks reconciler settings.
type ReconcilerOption func(*Reconciler)

// WithRetryBudget sets the attempt and duration budget for a queued message,
// after either runs out the entity is terminated.
func WithRetryBudget(attempts int, duration time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
		if duration > 0 {
			r.maxDuration = duration
		}
	}
}

func NewReconciler(
	ctx context.Context,
	r shared.Requester,
	store persistence.StorageProvider,
	dataplane *dps.Controller,
	opts ...ReconcilerOption,
) *Reconciler {
	q := &deque.Deque[reconciliationOperation]{}
	q.Grow(initialQueueSize)

	rec := &Reconciler{
		ctx:         ctx,
		c:           make(chan reconciliationOperation),
		r:           r,
		store:       store,
		dataplane:   dataplane,
		q:           q,
		cancelled:   make(map[uuid.UUID]struct{}),
		maxAttempts: DefaultMaxAttempts,
		maxDuration: DefaultMaxDuration,
	}
	for _, opt := range opts {
		opt(rec)
	}
	return rec
}

func (r *Reconciler) Run() {
	r.WaitGroup.Add(1 + workers)
	go r.manager()
	for range workers {
		go r.worker()
	}
}

func (r *Reconciler) Add(entry ReconciliationEntry) {
	r.Lock()
	defer r.Unlock()
	delete(r.cancelled, entry.EntityID)
	r.q.PushBack(reconciliationOperation{
		Submitted:       time.Now(),
		NextAttempt:     time.Now(),
		Attempts:        0,
		Entry:           entry,
		CurrentInterval: initialRetry,
	})
}

// Cancel drops all queued operations for the entity. Meant for when an
// entity gets terminated while a message for it is still being retried.
func (r *Reconciler) Cancel(entityID uuid.UUID) {
	r.Lock()
	defer r.Unlock()
	r.cancelled[entityID] = struct{}{}
}

func (r *Reconciler) isCancelled(entityID uuid.UUID) bool {
	r.Lock()
	defer r.Unlock()
	_, found := r.cancelled[entityID]
	return found
}

func (r *Reconciler) manager() {
	// We use a ticker to trigger iterations, this is to not hammer the queue
	// in a tight loop.
	ticker := time.NewTicker(reconciliationMillis * time.Millisecond)
	logger := logging.Extract(r.ctx)
	for {
		select {
		case <-ticker.C:
			if r.q.Len() == 0 {
				continue
			}

			r.Lock()
			op := r.q.PopFront()
			if _, found := r.cancelled[op.Entry.EntityID]; found {
				r.Unlock()
				logger.Info("Dropping cancelled operation", "entity_id", op.Entry.EntityID)
				continue
			}
			r.Unlock()
			if time.Now().After(op.NextAttempt) {
				logger.Info("Reconciling...", "entity_id", op.Entry.EntityID)
				op.Attempts++
				r.c <- op
				continue
			}

			r.Lock()
			r.q.PushBack(op)
			r.Unlock()
		case <-r.ctx.Done():
			ticker.Stop()
			r.WaitGroup.Done()
			return
		}
	}
}

func (r *Reconciler) worker() {
	// rLogger is the non-entry specific logger for the reconciler.
	rLogger := logging.Extract(r.ctx)
	rLogger.Info("Starting reconciliation loop")
	for {
		select {
		case op := <-r.c:
			entry := op.Entry
			ctx := context.WithoutCancel(entry.Context)
			ctx, logger := logging.InjectLabels(ctx,
				"entityType", entry.Type,
				"entityRole", entry.Role,
				"entityID", entry.EntityID.String(),
				"method", entry.Method,
				"url", entry.URL.String(),
			)
			logger.Info("Attempting to reconcile entry")

			// As the dataspace standard doesn't care if we parse this, we won't.
			_, err := r.r.SendHTTPRequest(ctx, entry.Method, entry.URL, entry.Body)
			if err != nil {
				r.handleError(ctx, op, fmt.Errorf("could not send HTTP request: %w", err))
				continue
			}

			err = r.updateState(ctx, entry, entry.TargetState, "")
			if err != nil {
				r.handleError(ctx, op, fmt.Errorf("could not update state: %w", err))
				continue
			}
		case <-r.ctx.Done():
			rLogger.Info("Context done called, exiting.")
			r.WaitGroup.Done()
			return
		}
	}
}

func (r *Reconciler) handleError(ctx context.Context, op reconciliationOperation, err error) {
	logger := logging.Extract(ctx).With(
		"err", err, "submitted", op.Submitted, "attempts", op.Attempts, "orig_next_attempt", op.NextAttempt)
	if r.isCancelled(op.Entry.EntityID) {
		logger.Info("Entity cancelled, dropping operation")
		return
	}
	// If the error is fatal, just immediately terminate the operation.
	if errors.Is(err, ErrFatal) || op.Attempts >= r.maxAttempts {
		r.terminate(ctx, op.Entry)
		return
	}
	op.NextAttempt, op.CurrentInterval = calculateNextAttempt(op.CurrentInterval, op.Attempts)
	logger = logger.With("next_attempt", op.NextAttempt)
	if op.NextAttempt.Sub(op.Submitted) > r.maxDuration {
		r.terminate(ctx, op.Entry)
		return
	}
	logger.Error("Requeuing operation")
	r.Lock()
	r.q.PushBack(op)
	r.Unlock()
}

// terminate marks the entity terminated with the counterparty unreachable
// reason, the retry budget for it has run out.
func (r *Reconciler) terminate(ctx context.Context, entry ReconciliationEntry) {
	logger := logging.Extract(ctx)
	logger.Error("Retry budget exhausted, terminating entry")

	if entry.Type == ReconciliationTransferRequest && entry.Role == constants.DataspaceProvider {
		if err := r.dataplane.Terminate(
			ctx, entry.EntityID, dps.TriggerSystemError, shared.TerminationCounterpartyUnreachable,
		); err != nil {
			logger.Error("Could not tear down data plane flow", "err", err)
		}
	}

	// Try a couple of times to update the state to terminated, the entity
	// could be locked by an operation that is about to finish.
	var err error
	for range 10 {
		err = r.updateState(ctx, entry, "dspace:TERMINATED", shared.TerminationCounterpartyUnreachable)
		if err == nil {
			logger.Debug("Entry terminated")
			return
		}
		logger.Debug("Could not update state", "err", err)
	}
	logger.Error("Giving up terminating entry", "err", err)
}

func calculateNextAttempt(currentInterval time.Duration, attempts int) (time.Time, time.Duration) {
	// Base interval is currentInterval * multiplier unless it's the first retry.
	ci := float64(currentInterval)
	if attempts != 1 {
		ci *= multiplier
	}

	// Do some randomisation based on the randomization factor.
	delta := randomizationFactor * ci
	minInterval := ci - delta
	maxInterval := ci + delta
	//nolint:gosec // This is not a security use of rand.
	randomValue := time.Duration(minInterval + (rand.Float64() * (maxInterval - minInterval + 1)))

	nextRun := time.Now().Add(randomValue)
	return nextRun, time.Duration(ci)
}

func (r *Reconciler) updateState(
	ctx context.Context, entry ReconciliationEntry, state, reason string,
) error {
	logger := logging.Extract(ctx)
	switch entry.Type {
	case ReconciliationContract:
		return r.setContractState(ctx, state, reason, entry.Role, entry.EntityID)
	case ReconciliationTransferRequest:
		return r.setTransferState(ctx, state, reason, entry.Role, entry.EntityID)
	case ReconciliationUndefined:
		logger.Error("Undefined type")
		return fmt.Errorf("undefined type")
	default:
		logger.Error("Undefined type")
		return fmt.Errorf("undefined type")
	}
}

//nolint:dupl
func (r *Reconciler) setTransferState(
	ctx context.Context, state, reason string, role constants.DataspaceRole, id uuid.UUID,
) error {
	ts, err := transfer.ParseState(state)
	if err != nil {
		return fmt.Errorf("%w: invalid state: %w", ErrFatal, err)
	}
	tr, err := r.store.GetTransferRW(ctx, id, role)
	if err != nil {
		return fmt.Errorf("can't find transfer request: %w", err)
	}
	if tr.GetState() == ts {
		// Already there, a previous delivery of the same message won the race.
		return r.store.ReleaseTransfer(ctx, tr)
	}
	if err = tr.SetState(ts); err != nil {
		_ = r.store.ReleaseTransfer(ctx, tr)
		return fmt.Errorf("can't change state: %w", err)
	}
	if reason != "" {
		tr.SetTerminationReason(reason)
	}
	if err = r.store.PutTransfer(ctx, tr); err != nil {
		return fmt.Errorf("can't save transfer request: %w", err)
	}
	return nil
}

//nolint:dupl
func (r *Reconciler) setContractState(
	ctx context.Context, state, reason string, role constants.DataspaceRole, id uuid.UUID,
) error {
	cs, err := contract.ParseState(state)
	if err != nil {
		return fmt.Errorf("%w: invalid state: %w", ErrFatal, err)
	}
	con, err := r.store.GetContractRW(ctx, id, role)
	if err != nil {
		return fmt.Errorf("can't find contract: %w", err)
	}
	if con.GetState() == cs {
		return r.store.ReleaseContract(ctx, con)
	}
	if err = con.SetState(cs); err != nil {
		_ = r.store.ReleaseContract(ctx, con)
		return fmt.Errorf("can't change state: %w", err)
	}
	if reason != "" {
		con.SetTerminationReason(reason)
	}
	if err = r.store.PutContract(ctx, con); err != nil {
		return fmt.Errorf("can't save contract: %w", err)
	}
	return nil
}
