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

package badger

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/google/uuid"
)

// Tokens are stored under their ID, with two index keys pointing at the ID:
// one by token value for verification lookups, and one by process/direction
// for single-live-token enforcement.

func tokenKey(id uuid.UUID) []byte {
	return []byte("token-" + id.String())
}

func tokenValueKey(value string) []byte {
	return []byte("tokenval-" + value)
}

func processTokenKey(processID uuid.UUID, direction dcp.Direction) []byte {
	return []byte("processtoken-" + processID.String() + "-" + strconv.Itoa(int(direction)))
}

// PutToken stores a token and its index entries.
func (sp *StorageProvider) PutToken(ctx context.Context, token *dcp.Token) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(token); err != nil {
		return fmt.Errorf("could not encode token: %w", err)
	}
	if err := put(sp.db, tokenKey(token.ID), buf.Bytes()); err != nil {
		return err
	}
	if err := put(sp.db, tokenValueKey(token.Value), []byte(token.ID.String())); err != nil {
		return err
	}
	// Only a live token may own the process index, a revoked one would
	// shadow its replacement.
	if !token.Revoked {
		return put(sp.db, processTokenKey(token.ProcessID, token.Direction),
			[]byte(token.ID.String()))
	}
	return nil
}

// GetToken retrieves a token by ID.
func (sp *StorageProvider) GetToken(ctx context.Context, id uuid.UUID) (*dcp.Token, error) {
	b, err := get(sp.db, tokenKey(id))
	if err != nil {
		return nil, fmt.Errorf("could not get token: %w", err)
	}
	var token dcp.Token
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&token); err != nil {
		return nil, fmt.Errorf("could not decode token: %w", err)
	}
	return &token, nil
}

// GetTokenByValue retrieves a token by its opaque value.
func (sp *StorageProvider) GetTokenByValue(ctx context.Context, value string) (*dcp.Token, error) {
	b, err := get(sp.db, tokenValueKey(value))
	if err != nil {
		return nil, fmt.Errorf("could not get token by value: %w", err)
	}
	id, err := uuid.ParseBytes(b)
	if err != nil {
		return nil, fmt.Errorf("corrupt token index: %w", err)
	}
	return sp.GetToken(ctx, id)
}

// GetProcessToken retrieves the token currently bound to the process and
// direction.
func (sp *StorageProvider) GetProcessToken(
	ctx context.Context, processID uuid.UUID, direction dcp.Direction,
) (*dcp.Token, error) {
	b, err := get(sp.db, processTokenKey(processID, direction))
	if err != nil {
		return nil, fmt.Errorf("could not get process token: %w", err)
	}
	id, err := uuid.ParseBytes(b)
	if err != nil {
		return nil, fmt.Errorf("corrupt token index: %w", err)
	}
	return sp.GetToken(ctx, id)
}
