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

package server

import (
	"context"
	"fmt"

	"github.com/go-dataspace/run-sig/dsp/persistence"
	"github.com/go-dataspace/run-sig/dsp/persistence/badger"
	"github.com/spf13/viper"
)

// getStorageProvider returns the configured storage provider. The memory
// backend is badger's in-memory mode, so both backends behave identically
// save for durability.
func getStorageProvider(ctx context.Context) (persistence.StorageProvider, error) {
	backend := viper.GetString(StorageBackend)
	lockWait := badger.WithLockWaitTime(viper.GetDuration(LockWaitTime))
	switch backend {
	case "memory":
		return badger.New(ctx, true, "", lockWait)
	case "badger":
		return badger.New(ctx, false, viper.GetString(StoragePath), lockWait)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
