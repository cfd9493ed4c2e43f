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

// Package constants contains constants that are used all over the codebase.
package constants

const (
	// DSPContext is the JSON-LD context used in all dataspace messages.
	DSPContext = "https://w3id.org/dspace/2024/1/context.json"

	// DSPVersion is the dataspace protocol version this service speaks.
	DSPVersion = "2024-1"

	// APIPath is the path prefix all dataspace endpoints are served under.
	APIPath = "/dsp/2024-1"
)
