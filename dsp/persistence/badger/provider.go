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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-dataspace/run-sig/dsp/shared"
	"github.com/go-dataspace/run-sig/logging"
)

const (
	gcInterval = 5 * time.Minute
)

// StorageProvider is a badger backed storage provider.
type StorageProvider struct {
	ctx          context.Context
	db           *badger.DB
	lockWaitTime time.Duration
}

// Option tweaks storage provider settings.
type Option func(*StorageProvider)

// WithLockWaitTime sets how long RW fetches wait for a process lock.
func WithLockWaitTime(d time.Duration) Option {
	return func(sp *StorageProvider) {
		if d > 0 {
			sp.lockWaitTime = d
		}
	}
}

type storageKeyGenerator interface {
	StorageKey() []byte
}

type writeController interface {
	SetReadOnly()
	ReadOnly() bool
	Modified() bool
	storageKeyGenerator
}

// New returns a new badger storage provider, using an inMemory setup if the
// boolean is set, or it will create/reuse the badger database located in
// dbPath.
func New(ctx context.Context, inMemory bool, dbPath string, opts ...Option) (*StorageProvider, error) {
	var opt badger.Options
	var dbType string
	if inMemory {
		opt = badger.DefaultOptions("").WithInMemory(inMemory)
		dbType = "memory"
	} else {
		opt = badger.DefaultOptions(dbPath)
		dbType = "disk"
	}
	opt = opt.WithLogger(nil)
	ctx, _ = logging.InjectLabels(ctx,
		"module", "badger",
		"db_type", dbType,
		"db_path", dbPath,
	)
	db, err := badger.Open(opt)
	if err != nil {
		return nil, err
	}
	sp := &StorageProvider{
		ctx:          ctx,
		db:           db,
		lockWaitTime: DefaultLockWaitTime,
	}
	for _, opt := range opts {
		opt(sp)
	}
	go sp.maintenance()
	return sp, nil
}

// maintenance is a goroutine that runs the badger garbage collection every
// gcInterval.
func (sp *StorageProvider) maintenance() {
	logger := logging.Extract(sp.ctx)
	logger.Info("Starting database maintenance loop")
	ticker := time.NewTicker(gcInterval)
	for {
		select {
		case <-ticker.C:
			logger.Info("Garbage collection starting")
			err := sp.db.RunValueLogGC(0.7)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Error("GC not completed cleanly", "err", err)
			}
		case <-sp.ctx.Done():
			ticker.Stop()
			sp.db.Close()
			return
		}
	}
}

// get gets the raw bytes from the database.
func get(db *badger.DB, key []byte) ([]byte, error) {
	var value []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", shared.ErrNotFound, key)
		}
		return nil, err
	}
	return value, nil
}

// getLocked wraps get in a lock acquisition. On a lock timeout it returns
// shared.ErrConcurrentModification, on a missing key it releases the lock
// and returns shared.ErrNotFound.
func getLocked(ctx context.Context, sp *StorageProvider, key []byte) ([]byte, error) {
	logger := logging.Extract(ctx)
	logger.Debug("Acquiring lock")
	if err := sp.AcquireLock(ctx, newLockKey(key)); err != nil {
		logger.Error("Could not acquire lock", "err", err)
		return nil, fmt.Errorf("%w: %s", shared.ErrConcurrentModification, key)
	}
	logger.Debug("Lock acquired, fetching")
	value, err := get(sp.db, key)
	if err != nil {
		logger.Debug("Couldn't fetch from db, unlocking", "err", err)
		if lockErr := sp.ReleaseLock(ctx, newLockKey(key)); lockErr != nil {
			logger.Error("Failed to unlock, will have to depend on TTL", "err", lockErr)
		}
		return nil, err
	}
	return value, nil
}

func put(db *badger.DB, key, value []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// putUnlock saves an encodable entity and releases its lock. Writing a
// read-only entity panics as that is always a bug.
func putUnlock(ctx context.Context, sp *StorageProvider, thing writeController, value []byte) error {
	tType := fmt.Sprintf("%T", thing)
	logger := logging.Extract(ctx).With("type", tType)
	if thing.ReadOnly() {
		logger.Error("Trying to write a read only entry")
		panic("Trying to write a read only entry")
	}
	key := thing.StorageKey()
	if err := put(sp.db, key, value); err != nil {
		logger.Error("Could not save entry, not releasing lock", "err", err)
		return err
	}

	return sp.ReleaseLock(ctx, newLockKey(key))
}

// getAll iterates over all keys with the given prefix and returns the raw
// values.
func getAll(db *badger.DB, prefix []byte) ([][]byte, error) {
	values := make([][]byte, 0)
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}
