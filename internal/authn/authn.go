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

// Package authn verifies the presentations counterparties attach to their
// requests, and makes the resulting claims available on the request context.
package authn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/go-dataspace/run-sig/logging"
)

type contextKeyType struct{}

var contextKey = contextKeyType{}

// InjectClaims returns a context with the claims attached.
func InjectClaims(ctx context.Context, claims dcp.Claims) context.Context {
	return context.WithValue(ctx, contextKey, claims)
}

// ClaimsFromContext returns the claims attached to the context, or an empty
// set if the request was not authenticated.
func ClaimsFromContext(ctx context.Context) dcp.Claims {
	claims, ok := ctx.Value(contextKey).(dcp.Claims)
	if !ok {
		return dcp.Claims{}
	}
	return claims
}

// Middleware verifies the Authorization header against the authority and
// injects the verified claims into the request context. Requests without an
// Authorization header pass through with empty claims, policy evaluation
// further down decides if that is acceptable.
func Middleware(authority dcp.Authority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			logger := logging.Extract(ctx)
			header := req.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, req)
				return
			}

			presentation, err := parseAuthorization(header)
			if err != nil {
				logger.Info("Rejecting malformed authorization header", "err", err)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			claims, err := authority.VerifyPresentation(ctx, presentation)
			if err != nil {
				logger.Info("Presentation verification failed", "err", err)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req.WithContext(InjectClaims(ctx, claims)))
		})
	}
}

// parseAuthorization decodes an authorization header. Bearer values are
// treated as opaque access tokens, anything else as a base64 encoded
// presentation document.
func parseAuthorization(header string) (dcp.Presentation, error) {
	if value, found := strings.CutPrefix(header, "Bearer "); found {
		return dcp.Presentation{Token: value}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return dcp.Presentation{}, err
	}
	var presentation dcp.Presentation
	if err := json.Unmarshal(raw, &presentation); err != nil {
		return dcp.Presentation{}, err
	}
	return presentation, nil
}
