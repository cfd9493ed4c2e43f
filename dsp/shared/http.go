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

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-dataspace/run-sig/logging"
)

const defaultRequestTimeout = 30 * time.Second

// Requester is an interface for doing raw dataspace requests.
type Requester interface {
	SendHTTPRequest(ctx context.Context, method string, url *url.URL, reqBody []byte) ([]byte, error)
}

// CredentialSource supplies the Authorization header value this participant
// presents to counterparties. Implementations typically serialise a verifiable
// presentation.
type CredentialSource interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

// HTTPRequester is the default Requester implementation, sending the requests
// over plain HTTP with a bounded timeout.
type HTTPRequester struct {
	Client      *http.Client
	Credentials CredentialSource
}

func (hr *HTTPRequester) setDefaultClient() {
	hr.Client = &http.Client{
		Timeout: defaultRequestTimeout,
	}
}

func (hr *HTTPRequester) SendHTTPRequest(
	ctx context.Context, method string, url *url.URL, reqBody []byte,
) ([]byte, error) {
	if hr.Client == nil {
		hr.setDefaultClient()
	}
	ctx, logger := logging.InjectLabels(ctx, "method", method, "target_url", url.String())

	logger.Debug("Doing HTTP request")
	var payload io.Reader
	if reqBody != nil {
		payload = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url.String(), payload)
	if err != nil {
		logger.Error("Failed to create request", "err", err)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	if hr.Credentials != nil {
		header, err := hr.Credentials.AuthorizationHeader(ctx)
		if err != nil {
			logger.Error("Failed to get authorization header", "err", err)
			return nil, fmt.Errorf("failed to get authorization header: %w", err)
		}
		if header != "" {
			req.Header.Set("Authorization", header)
		}
	}

	resp, err := hr.Client.Do(req)
	if err != nil {
		logger.Error("Failed to send request", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	// In the future we might want to return the reader to handle big bodies.
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("Failed to read body", "err", err)
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Error("Received non-200 status code",
			"status_code", resp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("%w: status code %d", ErrDeliveryFailed, resp.StatusCode)
	}

	return respBody, nil
}

// MustParseURL parses the given URL, panicking if it is invalid. Only meant
// for static URLs known at startup.
func MustParseURL(u string) *url.URL {
	pu, err := url.Parse(u)
	if err != nil {
		panic(err.Error())
	}
	return pu
}
