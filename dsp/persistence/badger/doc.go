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

// Package badger is a persistence backend for the signaling engine based on
// the badger key/value store. It supports both in-memory and on-disk
// databases.
//
// Per-process write locks are badger entries with a TTL, so a crashed
// process can never hold a lock forever. Lock waits are bounded, when the
// budget runs out the caller gets a concurrent modification error instead
// of blocking indefinitely.
package badger
