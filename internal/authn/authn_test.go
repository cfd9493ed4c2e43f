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

package authn_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/go-dataspace/run-sig/internal/authn"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthority(t *testing.T) (context.Context, *dcp.LocalAuthority) {
	t.Helper()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	store, err := badger.New(ctx, true, "")
	require.Nil(t, err)
	authority, err := dcp.New("test-authority", nil, store, store)
	require.Nil(t, err)
	return ctx, authority
}

// claimsRecorder stores the claims the middleware injected.
type claimsRecorder struct {
	called bool
	claims dcp.Claims
}

func (cr *claimsRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	cr.called = true
	cr.claims = authn.ClaimsFromContext(req.Context())
	w.WriteHeader(http.StatusOK)
}

func doRequest(
	t *testing.T, authority dcp.Authority, header string,
) (*claimsRecorder, *httptest.ResponseRecorder) {
	t.Helper()
	recorder := &claimsRecorder{}
	handler := authn.Middleware(authority)(recorder)
	req := httptest.NewRequest(http.MethodPost, "/dsp/negotiations/request", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return recorder, resp
}

func TestNoAuthorizationHeader(t *testing.T) {
	t.Parallel()
	_, authority := newAuthority(t)
	recorder, resp := doRequest(t, authority, "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, recorder.called)
	assert.Empty(t, recorder.claims)
}

func TestMalformedAuthorizationHeader(t *testing.T) {
	t.Parallel()
	_, authority := newAuthority(t)
	recorder, resp := doRequest(t, authority, "not valid base64 ???")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.False(t, recorder.called)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t)
	processID := uuid.New()
	token, err := authority.IssueToken(ctx, processID, dcp.DirectionPull)
	require.Nil(t, err)

	recorder, resp := doRequest(t, authority, "Bearer "+token.Value)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.True(t, recorder.called)
	assert.Equal(t, processID.String(), recorder.claims["processId"])
}

func TestRevokedBearerToken(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t)
	token, err := authority.IssueToken(ctx, uuid.New(), dcp.DirectionPull)
	require.Nil(t, err)
	require.Nil(t, authority.RevokeToken(ctx, token.ID))

	recorder, resp := doRequest(t, authority, "Bearer "+token.Value)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.False(t, recorder.called)
}

func TestPresentationHeader(t *testing.T) {
	t.Parallel()
	ctx, authority := newAuthority(t)
	credential, err := authority.IssueCredential(ctx, "did:example:consumer", dcp.Claims{
		"purpose": "research",
	})
	require.Nil(t, err)

	presentation := dcp.Presentation{
		Holder:      "did:example:consumer",
		Credentials: []dcp.Credential{*credential},
	}
	raw, err := json.Marshal(presentation)
	require.Nil(t, err)

	recorder, resp := doRequest(
		t, authority, base64.RawURLEncoding.EncodeToString(raw))
	assert.Equal(t, http.StatusOK, resp.Code)
	require.True(t, recorder.called)
	assert.Equal(t, "research", recorder.claims["purpose"])
}
