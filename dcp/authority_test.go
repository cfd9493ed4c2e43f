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

package dcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthority(
	t *testing.T, id string, opts ...dcp.Option,
) (context.Context, *dcp.LocalAuthority) {
	t.Helper()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	store, err := badger.New(ctx, true, "")
	require.Nil(t, err)
	authority, err := dcp.New(id, nil, store, store, opts...)
	require.Nil(t, err)
	return ctx, authority
}

func TestIssueAndVerifyCredential(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t, "test-authority")

	credential, err := authority.IssueCredential(ctx, "did:example:consumer", dcp.Claims{
		"purpose": "research",
		"region":  "eu",
	})
	require.Nil(t, err)
	assert.Equal(t, "test-authority", credential.Issuer)
	assert.NotEmpty(t, credential.Signature)

	claims, err := authority.VerifyPresentation(ctx, dcp.Presentation{
		Holder:      "did:example:consumer",
		Credentials: []dcp.Credential{*credential},
	})
	require.Nil(t, err)
	assert.Equal(t, "research", claims["purpose"])
	assert.Equal(t, "eu", claims["region"])
}

func TestVerifyTamperedCredential(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t, "test-authority")

	credential, err := authority.IssueCredential(ctx, "did:example:consumer", dcp.Claims{
		"purpose": "research",
	})
	require.Nil(t, err)

	tampered := *credential
	tampered.Claims = dcp.Claims{"purpose": "marketing"}
	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{
		Credentials: []dcp.Credential{tampered},
	})
	assert.ErrorIs(t, err, dcp.ErrVerificationFailed)
}

func TestVerifyUnknownIssuer(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t, "test-authority")
	_, other := newAuthority(t, "other-authority")

	credential, err := other.IssueCredential(ctx, "did:example:consumer", dcp.Claims{
		"purpose": "research",
	})
	require.Nil(t, err)

	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{
		Credentials: []dcp.Credential{*credential},
	})
	assert.ErrorIs(t, err, dcp.ErrUnknownIssuer)
}

func TestRevokeCredential(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t, "test-authority")

	credential, err := authority.IssueCredential(ctx, "did:example:consumer", dcp.Claims{
		"purpose": "research",
	})
	require.Nil(t, err)

	revoked, err := authority.CheckRevocation(ctx, credential.ID)
	require.Nil(t, err)
	assert.False(t, revoked)

	require.Nil(t, authority.RevokeCredential(ctx, credential.ID))
	// Revoking twice is a no-op.
	require.Nil(t, authority.RevokeCredential(ctx, credential.ID))

	revoked, err = authority.CheckRevocation(ctx, credential.ID)
	require.Nil(t, err)
	assert.True(t, revoked)

	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{
		Credentials: []dcp.Credential{*credential},
	})
	assert.ErrorIs(t, err, dcp.ErrRevoked)
}

func TestEntitlementCheck(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t, "test-authority", dcp.WithEntitlementCheck(
		func(ctx context.Context, subject string, requested dcp.Claims) bool {
			return requested["purpose"] == "research"
		}))

	_, err := authority.IssueCredential(ctx, "did:example:consumer", dcp.Claims{
		"purpose": "research",
	})
	assert.Nil(t, err)

	_, err = authority.IssueCredential(ctx, "did:example:consumer", dcp.Claims{
		"purpose": "marketing",
	})
	assert.ErrorIs(t, err, dcp.ErrIssuanceDenied)
}

func TestTokenLifecycle(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t, "test-authority")
	processID := uuid.New()

	token, err := authority.IssueToken(ctx, processID, dcp.DirectionPull)
	require.Nil(t, err)
	assert.NotEmpty(t, token.Value)

	claims, err := authority.VerifyPresentation(ctx, dcp.Presentation{Token: token.Value})
	require.Nil(t, err)
	assert.Equal(t, processID.String(), claims["processId"])

	// A second token for the same process and direction supersedes the
	// first one.
	fresh, err := authority.IssueToken(ctx, processID, dcp.DirectionPull)
	require.Nil(t, err)
	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{Token: token.Value})
	assert.ErrorIs(t, err, dcp.ErrRevoked)
	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{Token: fresh.Value})
	assert.Nil(t, err)

	require.Nil(t, authority.RevokeToken(ctx, fresh.ID))
	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{Token: fresh.Value})
	assert.ErrorIs(t, err, dcp.ErrRevoked)

	// Revoking an unknown token grants nothing, so it is a no-op.
	assert.Nil(t, authority.RevokeToken(ctx, uuid.New()))
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t, "test-authority", dcp.WithTokenTTL(-time.Second))

	token, err := authority.IssueToken(ctx, uuid.New(), dcp.DirectionPull)
	require.Nil(t, err)
	_, err = authority.VerifyPresentation(ctx, dcp.Presentation{Token: token.Value})
	assert.ErrorIs(t, err, dcp.ErrVerificationFailed)
}

func TestAgreementSignatures(t *testing.T) {
	t.Parallel()
	ctx, provider := newAuthority(t, "provider-authority")
	_, consumer := newAuthority(t, "consumer-authority")

	agreement := &odrl.Agreement{
		PolicyClass: odrl.PolicyClass{ID: uuid.New().URN()},
		Type:        "odrl:Agreement",
		ID:          uuid.New().URN(),
		Target:      uuid.New().URN(),
		Timestamp:   time.Now(),
	}

	require.Nil(t, provider.SignAgreement(ctx, agreement, constants.DataspaceProvider))
	assert.False(t, agreement.FullySigned())
	require.Nil(t, consumer.SignAgreement(ctx, agreement, constants.DataspaceConsumer))
	assert.True(t, agreement.FullySigned())

	assert.Nil(t, provider.VerifyAgreementSignature(ctx, agreement, constants.DataspaceProvider))
	// The provider does not trust the consumer's authority until its key is
	// registered.
	assert.ErrorIs(t,
		provider.VerifyAgreementSignature(ctx, agreement, constants.DataspaceConsumer),
		dcp.ErrUnknownIssuer)
}
