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

package shared

import "errors"

// Sentinel errors for the well-known failure classes of the signaling
// engine. Callers match on these with errors.Is, and the HTTP layer maps
// them to protocol error documents.
var (
	// ErrPolicyDenied means an offer or operation was rejected by policy
	// evaluation.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrInvalidStateTransition means a message or operation is not valid
	// for the current state of the process.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrConcurrentModification means the process was locked by another
	// operation and the lock could not be acquired in time.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrContractNotAgreed means a transfer was requested for a contract
	// negotiation that has not been finalized.
	ErrContractNotAgreed = errors.New("contract not agreed")

	// ErrDeliveryFailed means a message could not be delivered to the
	// counterparty, but delivery is still being retried.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrCounterpartyUnreachable means message delivery was retried until
	// the retry budget ran out.
	ErrCounterpartyUnreachable = errors.New("counterparty unreachable")

	// ErrNotFound means the requested process does not exist.
	ErrNotFound = errors.New("not found")
)

// Termination codes used in termination messages and stored on terminated
// processes.
const (
	TerminationPolicyDenied            = "PolicyDenied"
	TerminationOfferLimitExceeded      = "OfferLimitExceeded"
	TerminationCounterpartyUnreachable = "CounterpartyUnreachable"
	TerminationVerificationFailed      = "VerificationFailed"
	TerminationOperatorRequested       = "OperatorRequested"
)
