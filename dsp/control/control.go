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

// Package control is the local operator API of the signaling engine. Where
// the dsp package handles messages coming in from counterparties, this
// package initiates and progresses processes on behalf of the local
// participant.
package control

import (
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/dsp/statemachine"
	"github.com/go-dataspace/run-sig/internal/constants"
)

// Server exposes the operator operations. It is not a network server itself,
// the cmd layer decides how to expose it.
type Server struct {
	requester shared.Requester
	store     persistence.StorageProvider
	deps      statemachine.Deps
	selfURL   *url.URL
}

func New(
	requester shared.Requester,
	deps statemachine.Deps,
	selfURL *url.URL,
) *Server {
	return &Server{
		requester: requester,
		store:     deps.Store,
		deps:      deps,
		selfURL:   selfURL,
	}
}

// getCounterpartyURL resolves the dataspace endpoint root of a counterparty
// by checking its well-known version document for a version we speak.
func (s *Server) getCounterpartyURL(ctx context.Context, u string) (*url.URL, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %s: %w", u, err)
	}
	pu.Path = path.Join(pu.Path, ".well-known", "dspace-version")
	resp, err := s.requester.SendHTTPRequest(ctx, "GET", pu, nil)
	if err != nil {
		return nil, fmt.Errorf("could not fetch dataspace version url %s: %w", pu.String(), err)
	}

	wellKnown, err := shared.UnmarshalAndValidate(ctx, resp, shared.VersionResponse{})
	if err != nil {
		return nil, fmt.Errorf("invalid version response: %w", err)
	}

	for _, v := range wellKnown.ProtocolVersions {
		if v.Version == constants.DSPVersion {
			du := shared.MustParseURL(u)
			du.Path = path.Join(du.Path, v.Path)
			return du, nil
		}
	}
	return nil, fmt.Errorf(
		"counterparty does not support dataspace protocol version %s", constants.DSPVersion)
}

// callbackURL returns the self URL with the consumer callback prefix.
func (s *Server) callbackURL() *url.URL {
	cb := shared.MustParseURL(s.selfURL.String())
	cb.Path = path.Join(cb.Path, "callback")
	return cb
}

func reasonList(reasons []string) []map[string]any {
	out := make([]map[string]any, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, map[string]any{
			"@value":    r,
			"@language": "en",
		})
	}
	return out
}
