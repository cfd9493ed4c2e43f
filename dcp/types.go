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

// Package dcp implements the claims authority of the signaling engine. It
// issues verifiable credentials to participants, verifies presentations on
// inbound messages, and manages the access tokens that gate data-plane
// access per transfer process.
package dcp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors of the claims authority.
var (
	// ErrVerificationFailed means a presentation or credential could not be
	// verified. The reason is deliberately not detailed to callers.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrIssuanceDenied means the entitlement check rejected a credential
	// request.
	ErrIssuanceDenied = errors.New("issuance denied")

	// ErrRevoked means the presented credential or token has been revoked.
	ErrRevoked = errors.New("revoked")

	// ErrUnknownIssuer means the credential was issued by an issuer this
	// authority does not trust.
	ErrUnknownIssuer = errors.New("unknown issuer")
)

// Claims is a set of attested attributes about a participant.
type Claims map[string]string

// Merge returns a new claim set containing the claims of both sets, with the
// other set winning on conflicts.
func (c Claims) Merge(other Claims) Claims {
	merged := make(Claims, len(c)+len(other))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Direction is the transfer direction a token is bound to.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionPull
	DirectionPush
)

func (d Direction) String() string {
	switch d {
	case DirectionPull:
		return "pull"
	case DirectionPush:
		return "push"
	default:
		return "unknown"
	}
}

// Credential is a signed attestation of claims about a subject, issued by
// this or another trusted authority.
type Credential struct {
	ID        uuid.UUID `json:"id"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	Claims    Claims    `json:"claims"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Signature []byte    `json:"signature"`
	Revoked   bool      `json:"-"`
}

// Expired reports whether the credential has passed its expiry.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Presentation is what a participant presents on an inbound message: either
// one or more credentials, or a bare access token value for data-plane
// requests.
type Presentation struct {
	Holder      string       `json:"holder"`
	Credentials []Credential `json:"credentials,omitempty"`
	Token       string       `json:"token,omitempty"`
}

// Token is an opaque access token bound to a single transfer process and
// direction.
type Token struct {
	ID        uuid.UUID `json:"id"`
	Value     string    `json:"value"`
	ProcessID uuid.UUID `json:"processId"`
	Direction Direction `json:"direction"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// Live reports whether the token is neither revoked nor expired.
func (t *Token) Live(now time.Time) bool {
	if t.Revoked {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// EDR is an endpoint data reference: the endpoint plus token a consumer
// needs to pull data.
type EDR struct {
	Endpoint  string    `json:"endpoint"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenStore persists tokens. Lookups by value and by process/direction are
// needed for verification and single-live-token enforcement respectively.
type TokenStore interface {
	PutToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, id uuid.UUID) (*Token, error)
	GetTokenByValue(ctx context.Context, value string) (*Token, error)
	GetProcessToken(ctx context.Context, processID uuid.UUID, direction Direction) (*Token, error)
}

// CredentialStore persists issued credentials so revocation checks can be
// answered after issuance.
type CredentialStore interface {
	PutCredential(ctx context.Context, credential *Credential) error
	GetCredential(ctx context.Context, id uuid.UUID) (*Credential, error)
}

// EntitlementCheck decides if a subject is entitled to the requested claims.
// It is consulted once, at issuance.
type EntitlementCheck func(ctx context.Context, subject string, requested Claims) bool
