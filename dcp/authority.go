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

package dcp

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/logging"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
)

const (
	signatureAlgorithm = "ed25519"

	defaultCredentialTTL = 24 * time.Hour
	defaultTokenTTL      = time.Hour

	tokenBytes = 32
)

// Authority is the claims authority interface. All state changes are durably
// recorded before the result is returned.
type Authority interface {
	// ID returns the identity this authority signs as.
	ID() string
	// IssueCredential issues a credential for the subject after consulting
	// the entitlement check. Returns ErrIssuanceDenied if the check fails.
	IssueCredential(ctx context.Context, subject string, requested Claims) (*Credential, error)
	// VerifyPresentation verifies a presentation and returns the merged
	// claims it attests. Returns ErrVerificationFailed if any part of the
	// presentation doesn't check out.
	VerifyPresentation(ctx context.Context, presentation Presentation) (Claims, error)
	// CheckRevocation reports whether the given credential is revoked.
	CheckRevocation(ctx context.Context, credentialID uuid.UUID) (bool, error)
	// RevokeCredential marks the credential revoked.
	RevokeCredential(ctx context.Context, credentialID uuid.UUID) error
	// IssueToken mints an access token bound to the process and direction.
	// Any live token for the same process and direction is revoked first.
	IssueToken(ctx context.Context, processID uuid.UUID, direction Direction) (*Token, error)
	// RevokeToken revokes the token. Revoking an already-revoked or unknown
	// token is a no-op.
	RevokeToken(ctx context.Context, tokenID uuid.UUID) error
	// SignAgreement signs the canonical form of the agreement and sets the
	// signature slot for the given role.
	SignAgreement(ctx context.Context, agreement *odrl.Agreement, role constants.DataspaceRole) error
	// VerifyAgreementSignature verifies the signature slot for the given
	// role against the signer's known public key.
	VerifyAgreementSignature(ctx context.Context, agreement *odrl.Agreement, role constants.DataspaceRole) error
}

// LocalAuthority is an in-process Authority backed by an ed25519 keypair and
// the persistence layer.
type LocalAuthority struct {
	id          string
	key         ed25519.PrivateKey
	tokens      TokenStore
	credentials CredentialStore
	entitlement EntitlementCheck

	credentialTTL time.Duration
	tokenTTL      time.Duration

	trusted map[string]ed25519.PublicKey
}

// Option configures a LocalAuthority.
type Option func(*LocalAuthority)

// WithCredentialTTL overrides the default credential lifetime.
func WithCredentialTTL(d time.Duration) Option {
	return func(a *LocalAuthority) { a.credentialTTL = d }
}

// WithTokenTTL overrides the default token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(a *LocalAuthority) { a.tokenTTL = d }
}

// WithEntitlementCheck sets the issuance entitlement check. Without one, all
// requests are granted.
func WithEntitlementCheck(check EntitlementCheck) Option {
	return func(a *LocalAuthority) { a.entitlement = check }
}

// New creates a LocalAuthority. If key is nil a fresh keypair is generated.
// The authority always trusts its own key.
func New(
	id string,
	key ed25519.PrivateKey,
	tokens TokenStore,
	credentials CredentialStore,
	opts ...Option,
) (*LocalAuthority, error) {
	if key == nil {
		var err error
		_, key, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("couldn't generate keypair: %w", err)
		}
	}
	a := &LocalAuthority{
		id:            id,
		key:           key,
		tokens:        tokens,
		credentials:   credentials,
		credentialTTL: defaultCredentialTTL,
		tokenTTL:      defaultTokenTTL,
		trusted:       map[string]ed25519.PublicKey{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.trusted[id] = key.Public().(ed25519.PublicKey) //nolint:forcetypeassert
	return a, nil
}

func (a *LocalAuthority) ID() string { return a.id }

// AddTrustedIssuer registers the public key of another issuer whose
// credentials this authority will accept.
func (a *LocalAuthority) AddTrustedIssuer(id string, key ed25519.PublicKey) {
	a.trusted[id] = key
}

func (a *LocalAuthority) IssueCredential(
	ctx context.Context, subject string, requested Claims,
) (*Credential, error) {
	ctx, logger := logging.InjectLabels(ctx, "subject", subject)
	if a.entitlement != nil && !a.entitlement(ctx, subject, requested) {
		logger.Info("Entitlement check rejected credential request")
		return nil, ErrIssuanceDenied
	}

	now := time.Now()
	credential := &Credential{
		ID:        uuid.New(),
		Issuer:    a.id,
		Subject:   subject,
		Claims:    requested,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.credentialTTL),
	}
	payload, err := credentialPayload(credential)
	if err != nil {
		return nil, err
	}
	credential.Signature = ed25519.Sign(a.key, payload)

	if err := a.credentials.PutCredential(ctx, credential); err != nil {
		return nil, fmt.Errorf("couldn't store credential: %w", err)
	}
	logger.Info("Issued credential", "credential_id", credential.ID)
	return credential, nil
}

func (a *LocalAuthority) VerifyPresentation(
	ctx context.Context, presentation Presentation,
) (Claims, error) {
	if presentation.Token != "" {
		return a.verifyToken(ctx, presentation.Token)
	}
	if len(presentation.Credentials) == 0 {
		return nil, fmt.Errorf("%w: empty presentation", ErrVerificationFailed)
	}

	claims := Claims{}
	now := time.Now()
	for i := range presentation.Credentials {
		credential := &presentation.Credentials[i]
		if err := a.verifyCredential(ctx, credential, now); err != nil {
			return nil, err
		}
		claims = claims.Merge(credential.Claims)
	}
	return claims, nil
}

func (a *LocalAuthority) verifyCredential(
	ctx context.Context, credential *Credential, now time.Time,
) error {
	key, found := a.trusted[credential.Issuer]
	if !found {
		return fmt.Errorf("%w: %w: %s", ErrVerificationFailed, ErrUnknownIssuer, credential.Issuer)
	}
	payload, err := credentialPayload(credential)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, payload, credential.Signature) {
		return fmt.Errorf("%w: bad signature", ErrVerificationFailed)
	}
	if credential.Expired(now) {
		return fmt.Errorf("%w: credential expired", ErrVerificationFailed)
	}
	revoked, err := a.CheckRevocation(ctx, credential.ID)
	if err != nil {
		return err
	}
	if revoked {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, ErrRevoked)
	}
	return nil
}

func (a *LocalAuthority) verifyToken(ctx context.Context, value string) (Claims, error) {
	token, err := a.tokens.GetTokenByValue(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown token", ErrVerificationFailed)
	}
	if token.Revoked {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, ErrRevoked)
	}
	if !token.Live(time.Now()) {
		return nil, fmt.Errorf("%w: token expired", ErrVerificationFailed)
	}
	return Claims{
		"processId": token.ProcessID.String(),
		"direction": token.Direction.String(),
	}, nil
}

func (a *LocalAuthority) CheckRevocation(ctx context.Context, credentialID uuid.UUID) (bool, error) {
	credential, err := a.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		return false, fmt.Errorf("unknown credential %s: %w", credentialID, err)
	}
	return credential.Revoked, nil
}

func (a *LocalAuthority) RevokeCredential(ctx context.Context, credentialID uuid.UUID) error {
	credential, err := a.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("unknown credential %s: %w", credentialID, err)
	}
	if credential.Revoked {
		return nil
	}
	credential.Revoked = true
	return a.credentials.PutCredential(ctx, credential)
}

func (a *LocalAuthority) IssueToken(
	ctx context.Context, processID uuid.UUID, direction Direction,
) (*Token, error) {
	ctx, logger := logging.InjectLabels(ctx,
		"process_id", processID, "direction", direction.String())

	// Only one live token per process and direction.
	if existing, err := a.tokens.GetProcessToken(ctx, processID, direction); err == nil {
		if existing.Live(time.Now()) {
			existing.Revoked = true
			if err := a.tokens.PutToken(ctx, existing); err != nil {
				return nil, fmt.Errorf("couldn't revoke superseded token: %w", err)
			}
			logger.Info("Revoked superseded token", "token_id", existing.ID)
		}
	}

	value, err := randomTokenValue()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	token := &Token{
		ID:        uuid.New(),
		Value:     value,
		ProcessID: processID,
		Direction: direction,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.tokenTTL),
	}
	if err := a.tokens.PutToken(ctx, token); err != nil {
		return nil, fmt.Errorf("couldn't store token: %w", err)
	}
	logger.Info("Issued token", "token_id", token.ID)
	return token, nil
}

func (a *LocalAuthority) RevokeToken(ctx context.Context, tokenID uuid.UUID) error {
	token, err := a.tokens.GetToken(ctx, tokenID)
	if err != nil {
		// Unknown tokens grant nothing, so revoking them is a no-op.
		return nil
	}
	if token.Revoked {
		return nil
	}
	token.Revoked = true
	if err := a.tokens.PutToken(ctx, token); err != nil {
		return fmt.Errorf("couldn't store revocation: %w", err)
	}
	logging.Extract(ctx).Info("Revoked token", "token_id", tokenID)
	return nil
}

func (a *LocalAuthority) SignAgreement(
	ctx context.Context, agreement *odrl.Agreement, role constants.DataspaceRole,
) error {
	payload, err := agreementPayload(agreement)
	if err != nil {
		return err
	}
	signature := &odrl.Signature{
		Algorithm: signatureAlgorithm,
		Signer:    a.id,
		Value:     ed25519.Sign(a.key, payload),
		Timestamp: time.Now(),
	}
	switch role {
	case constants.DataspaceProvider:
		agreement.ProviderSignature = signature
	case constants.DataspaceConsumer:
		agreement.ConsumerSignature = signature
	}
	return nil
}

func (a *LocalAuthority) VerifyAgreementSignature(
	ctx context.Context, agreement *odrl.Agreement, role constants.DataspaceRole,
) error {
	var signature *odrl.Signature
	switch role {
	case constants.DataspaceProvider:
		signature = agreement.ProviderSignature
	case constants.DataspaceConsumer:
		signature = agreement.ConsumerSignature
	}
	if signature == nil {
		return fmt.Errorf("%w: agreement not signed by %s", ErrVerificationFailed, role)
	}
	key, found := a.trusted[signature.Signer]
	if !found {
		return fmt.Errorf("%w: %w: %s", ErrVerificationFailed, ErrUnknownIssuer, signature.Signer)
	}
	payload, err := agreementPayload(agreement)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, payload, signature.Value) {
		return fmt.Errorf("%w: bad agreement signature", ErrVerificationFailed)
	}
	return nil
}

// credentialPayload is the canonical byte form of a credential that gets
// signed, which is the credential without its signature.
func credentialPayload(c *Credential) ([]byte, error) {
	shadow := *c
	shadow.Signature = nil
	payload, err := json.Marshal(shadow)
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal credential: %w", err)
	}
	return payload, nil
}

// agreementPayload is the canonical byte form of an agreement that gets
// signed, which is the agreement without any signatures.
func agreementPayload(a *odrl.Agreement) ([]byte, error) {
	shadow := *a
	shadow.ProviderSignature = nil
	shadow.ConsumerSignature = nil
	payload, err := json.Marshal(shadow)
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal agreement: %w", err)
	}
	return payload, nil
}

func randomTokenValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.New("couldn't generate token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
