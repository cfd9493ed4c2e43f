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

	"github.com/go-dataspace/run-sig/dcp"
	"github.com/google/uuid"
)

func credentialKey(id uuid.UUID) []byte {
	return []byte("credential-" + id.String())
}

// PutCredential stores a credential. Credentials only change on revocation,
// and revocation is a monotonic flip, so no locking is involved.
func (sp *StorageProvider) PutCredential(ctx context.Context, credential *dcp.Credential) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(credential); err != nil {
		return fmt.Errorf("could not encode credential: %w", err)
	}
	return put(sp.db, credentialKey(credential.ID), buf.Bytes())
}

// GetCredential retrieves a credential by ID.
func (sp *StorageProvider) GetCredential(ctx context.Context, id uuid.UUID) (*dcp.Credential, error) {
	b, err := get(sp.db, credentialKey(id))
	if err != nil {
		return nil, fmt.Errorf("could not get credential: %w", err)
	}
	var credential dcp.Credential
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&credential); err != nil {
		return nil, fmt.Errorf("could not decode credential: %w", err)
	}
	return &credential, nil
}
