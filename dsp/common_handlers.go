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

package dsp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/internal/constants"
)

type dspHandlers struct {
	deps    statemachine.Deps
	store   persistence.StorageProvider
	selfURL *url.URL
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorString(e string) string {
	er := errorResponse{Error: e}
	s, err := json.Marshal(er)
	if err != nil {
		panic(fmt.Sprintf("Couldn't marshal error message: %s", err.Error()))
	}
	return string(s)
}

func returnContent(w http.ResponseWriter, status int, content string) {
	w.WriteHeader(status)
	fmt.Fprint(w, content)
}

func returnError(w http.ResponseWriter, status int, e string) {
	errResp := errorString(e)
	returnContent(w, status, errResp)
}

func routeNotImplemented(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	method := req.Method
	returnError(w, http.StatusNotImplemented, fmt.Sprintf("%s %s has not been implemented", method, path))
}

func dspaceVersionHandler(w http.ResponseWriter, req *http.Request) error {
	vResp := shared.VersionResponse{
		Context: shared.GetDSPContext(),
		ProtocolVersions: []shared.ProtocolVersion{
			{
				Version: constants.DSPVersion,
				Path:    constants.APIPath,
			},
		},
	}
	data, err := shared.ValidateAndMarshal(req.Context(), vResp)
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, string(data))
	return nil
}
