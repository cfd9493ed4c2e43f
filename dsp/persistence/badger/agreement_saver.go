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

	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/google/uuid"
)

func agreementKey(id uuid.UUID) []byte {
	return []byte("agreement-" + id.String())
}

// GetAgreement returns the agreement record for the given agreement ID.
func (sp *StorageProvider) GetAgreement(
	ctx context.Context, id uuid.UUID,
) (*persistence.AgreementRecord, error) {
	b, err := get(sp.db, agreementKey(id))
	if err != nil {
		return nil, fmt.Errorf("could not get agreement: %w", err)
	}
	var record persistence.AgreementRecord
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("could not decode agreement record: %w", err)
	}
	return &record, nil
}

// PutAgreement stores an agreement record. Agreements are immutable once
// both parties have signed, so no locking is involved.
func (sp *StorageProvider) PutAgreement(
	ctx context.Context, record *persistence.AgreementRecord,
) error {
	if record.Agreement == nil {
		return fmt.Errorf("agreement record without agreement")
	}
	rawID, err := shared.URNtoRawID(record.Agreement.ID)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("agreement ID is not a UUID: %w", err)
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(record); err != nil {
		return fmt.Errorf("could not encode agreement record: %w", err)
	}
	return put(sp.db, agreementKey(id), buf.Bytes())
}
