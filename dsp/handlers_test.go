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

package dsp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/dps"
	"github.com/go-dataspace/run-sig/dsp"
	"github.com/go-dataspace/run-sig/dsp/constants"
	"github.com/go-dataspace/run-sig/dsp/contract"
	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	internalconstants "github.com/go-dataspace/run-sig/internal/constants"
	"github.com/go-dataspace/run-sig/odrl"
	"github.com/go-dataspace/run-sig/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinkRequester accepts every outbound request, the handlers under test only
// queue messages on the reconciler so nothing is actually sent.
type sinkRequester struct {
	sync.Mutex
	count int
}

func (sr *sinkRequester) SendHTTPRequest(
	ctx context.Context, method string, u *url.URL, reqBody []byte,
) ([]byte, error) {
	sr.Lock()
	defer sr.Unlock()
	sr.count++
	return []byte("{}"), nil
}

type handlerFixture struct {
	ctx     context.Context
	store   persistence.StorageProvider
	handler http.Handler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	ctx, done := context.WithCancel(context.Background())
	t.Cleanup(done)
	store, err := badger.New(ctx, true, "")
	require.Nil(t, err)
	authority, err := dcp.New("test-authority", nil, store, store)
	require.Nil(t, err)
	dataplane := dps.NewController(
		store, authority, dps.NewLoopbackPlane(), shared.MustParseURL("https://self.dsp/data"))
	deps := statemachine.Deps{
		Authority:  authority,
		Policy:     policy.NewODRLEngine(),
		DataPlane:  dataplane,
		Reconciler: statemachine.NewReconciler(ctx, &sinkRequester{}, store, dataplane),
		Store:      store,
	}
	return &handlerFixture{
		ctx:     ctx,
		store:   store,
		handler: dsp.GetDSPRoutes(deps, shared.MustParseURL("https://self.dsp/dsp/2024-1")),
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.Nil(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func messageOffer() odrl.MessageOffer {
	return odrl.MessageOffer{
		PolicyClass: odrl.PolicyClass{ID: uuid.New().URN()},
		Type:        "odrl:Offer",
		Target:      uuid.New().URN(),
	}
}

func TestDspaceVersionEndpoint(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/dspace-version", nil)
	resp := httptest.NewRecorder()
	dsp.GetWellKnownRoutes().ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var version shared.VersionResponse
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &version))
	require.Len(t, version.ProtocolVersions, 1)
	assert.Equal(t, internalconstants.DSPVersion, version.ProtocolVersions[0].Version)
	assert.Equal(t, internalconstants.APIPath, version.ProtocolVersions[0].Path)
}

func TestContractRequestEndpoint(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	consumerPID := uuid.New()

	resp := postJSON(t, f.handler, "/negotiations/request", shared.ContractRequestMessage{
		Context:         shared.GetDSPContext(),
		Type:            "dspace:ContractRequestMessage",
		ConsumerPID:     consumerPID.URN(),
		Offer:           messageOffer(),
		CallbackAddress: "https://counterparty.dsp/dsp/2024-1",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var negotiation shared.ContractNegotiation
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &negotiation))
	assert.Equal(t, "dspace:ContractNegotiation", negotiation.Type)
	assert.Equal(t, contract.States.REQUESTED.String(), negotiation.State)
	assert.Equal(t, consumerPID.URN(), negotiation.ConsumerPID)

	providerPID, err := shared.URNtoRawID(negotiation.ProviderPID)
	require.Nil(t, err)
	stored, err := f.store.GetContractR(
		f.ctx, uuid.MustParse(providerPID), constants.DataspaceProvider)
	require.Nil(t, err)
	assert.Equal(t, contract.States.REQUESTED, stored.GetState())
}

func TestContractRequestEndpointRejectsInvalidBody(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)

	req := httptest.NewRequest(
		http.MethodPost, "/negotiations/request", bytes.NewReader([]byte("not json")))
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var dspErr shared.DSPError
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &dspErr))
	assert.Equal(t, "dspace:ContractNegotiationError", dspErr.Type)
}

func TestContractStateEndpoint(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	negotiation := contract.New(
		f.ctx,
		uuid.New(),
		uuid.New(),
		contract.States.OFFERED,
		odrl.Offer{MessageOffer: messageOffer()},
		shared.MustParseURL("https://counterparty.dsp/dsp/2024-1"),
		shared.MustParseURL("https://self.dsp/dsp/2024-1"),
		constants.DataspaceProvider,
	)
	require.Nil(t, f.store.PutContract(f.ctx, negotiation))

	req := httptest.NewRequest(
		http.MethodGet, "/negotiations/"+negotiation.GetProviderPID().String(), nil)
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var response shared.ContractNegotiation
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &response))
	assert.Equal(t, contract.States.OFFERED.String(), response.State)
}

func TestContractStateEndpointUnknownPID(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/negotiations/"+uuid.New().String(), nil)
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestContractTerminationEndpointRoleFallback(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture(t)
	// Only a consumer-side negotiation exists, the handler has to fall back
	// after the provider role misses.
	negotiation := contract.New(
		f.ctx,
		uuid.New(),
		uuid.New(),
		contract.States.REQUESTED,
		odrl.Offer{MessageOffer: messageOffer()},
		shared.MustParseURL("https://counterparty.dsp/dsp/2024-1"),
		shared.MustParseURL("https://self.dsp/dsp/2024-1"),
		constants.DataspaceConsumer,
	)
	require.Nil(t, f.store.PutContract(f.ctx, negotiation))

	resp := postJSON(t, f.handler,
		"/callback/negotiations/"+negotiation.GetConsumerPID().String()+"/termination",
		shared.ContractNegotiationTerminationMessage{
			Context:     shared.GetDSPContext(),
			Type:        "dspace:ContractNegotiationTerminationMessage",
			ProviderPID: negotiation.GetProviderPID().URN(),
			ConsumerPID: negotiation.GetConsumerPID().URN(),
			Code:        "borked",
		})
	require.Equal(t, http.StatusOK, resp.Code)

	stored, err := f.store.GetContractR(
		f.ctx, negotiation.GetConsumerPID(), constants.DataspaceConsumer)
	require.Nil(t, err)
	assert.Equal(t, contract.States.TERMINATED, stored.GetState())
}
