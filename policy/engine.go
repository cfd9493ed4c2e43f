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

// Package policy evaluates ODRL offers against the claims a counterparty
// presented. The provider consults it before entering a negotiation. A
// monitor that re-checks running transfers can suspend them through the
// control server when an evaluation fails.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/odrl"
)

// Engine decides whether an offer is acceptable for a set of claims. A nil
// return means the offer is allowed, a shared.ErrPolicyDenied return means
// it is not. Any other error means evaluation itself failed.
type Engine interface {
	Evaluate(ctx context.Context, claims dcp.Claims, offer odrl.Offer) error
}

// ODRLEngine evaluates the constraints in the offer's permissions against
// the claims. All permissions must pass for the offer to be allowed. Offers
// without permissions are allowed.
type ODRLEngine struct{}

// NewODRLEngine returns the standard constraint evaluator.
func NewODRLEngine() *ODRLEngine { return &ODRLEngine{} }

func (e *ODRLEngine) Evaluate(ctx context.Context, claims dcp.Claims, offer odrl.Offer) error {
	logger := logging.Extract(ctx)
	for _, permission := range offer.Permission {
		for _, constraint := range permission.Constraint {
			if err := evaluateConstraint(claims, constraint); err != nil {
				logger.Info("Constraint rejected offer",
					"leftOperand", constraint.LeftOperand,
					"operator", constraint.Operator,
					"rightOperand", constraint.RightOperand,
					"err", err,
				)
				return err
			}
		}
	}
	return nil
}

//nolint:cyclop // operator dispatch
func evaluateConstraint(claims dcp.Claims, constraint odrl.Constraint) error {
	value, found := claimValue(claims, constraint.LeftOperand)

	// Temporal constraints compare against the clock, not a claim.
	if constraint.LeftOperand == "odrl:dateTime" {
		return evaluateTemporal(constraint)
	}

	if !found {
		return fmt.Errorf("%w: no claim for %s", shared.ErrPolicyDenied, constraint.LeftOperand)
	}

	switch constraint.Operator {
	case "odrl:eq":
		if value != constraint.RightOperand {
			return denied(constraint)
		}
	case "odrl:neq":
		if value == constraint.RightOperand {
			return denied(constraint)
		}
	case "odrl:isAnyOf":
		if !containsValue(constraint.RightOperand, value) {
			return denied(constraint)
		}
	case "odrl:isNoneOf":
		if containsValue(constraint.RightOperand, value) {
			return denied(constraint)
		}
	default:
		return fmt.Errorf("unsupported operator: %s", constraint.Operator)
	}
	return nil
}

func evaluateTemporal(constraint odrl.Constraint) error {
	deadline, err := time.Parse(time.RFC3339, constraint.RightOperand)
	if err != nil {
		return fmt.Errorf("invalid dateTime operand: %w", err)
	}
	now := time.Now()
	switch constraint.Operator {
	case "odrl:lt", "odrl:term-lteq":
		if !now.Before(deadline) {
			return denied(constraint)
		}
	case "odrl:gt", "odrl:gteq":
		if now.Before(deadline) {
			return denied(constraint)
		}
	default:
		return fmt.Errorf("unsupported dateTime operator: %s", constraint.Operator)
	}
	return nil
}

// claimValue looks up the claim a left operand refers to, stripping the
// odrl: prefix. "odrl:purpose" matches the claim "purpose".
func claimValue(claims dcp.Claims, leftOperand string) (string, bool) {
	name := strings.TrimPrefix(leftOperand, "odrl:")
	value, found := claims[name]
	return value, found
}

// containsValue checks a comma-separated operand list for the value.
func containsValue(operand, value string) bool {
	for _, entry := range strings.Split(operand, ",") {
		if strings.TrimSpace(entry) == value {
			return true
		}
	}
	return false
}

func denied(constraint odrl.Constraint) error {
	return fmt.Errorf("%w: %s %s %s", shared.ErrPolicyDenied,
		constraint.LeftOperand, constraint.Operator, constraint.RightOperand)
}

// AllowAll is an engine that allows every offer. Meant for deployments that
// do their policy checks out of band.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, dcp.Claims, odrl.Offer) error { return nil }
