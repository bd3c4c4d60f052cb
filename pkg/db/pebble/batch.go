package pebble

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/kvbridge/pkg/db"
)

type Batch struct {
	store  *KVStore
	owner  *pebble.DB
	batch  *pebble.Batch
	done   atomic.Bool
	closed atomic.Bool
}

// NewBatch returns an empty batch. A batch created on a closed store fails
// every operation with ErrClosed.
func (s *KVStore) NewBatch() db.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := &Batch{store: s}
	if s.closed {
		b.done.Store(true)
		return b
	}
	b.owner = s.db
	b.batch = s.db.NewBatch()
	return b
}

func (b *Batch) check() error {
	if b.batch == nil {
		return ErrClosed
	}
	if b.done.Load() {
		return ErrBatchDone
	}
	return nil
}

func (b *Batch) Put(key, value []byte) error {
	return b.PutWithTTL(key, value, 0)
}

func (b *Batch) PutWithTTL(key, value []byte, ttl time.Duration) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.batch.Set(key, encodeValue(value, expiryFor(b.store.now(), ttl)), nil)
}

func (b *Batch) Delete(key []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.batch.Delete(key, nil)
}

// Commit applies the batch atomically and syncs the write-ahead log.
func (b *Batch) Commit() error {
	if err := b.check(); err != nil {
		return err
	}

	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	if b.store.closed {
		return ErrClosed
	}
	if b.store.db != b.owner {
		return ErrStaleBatch
	}

	if err := b.store.db.Apply(b.batch, pebble.Sync); err != nil {
		return err
	}
	b.done.Store(true)
	return nil
}

func (b *Batch) Close() error {
	if b.batch == nil || !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.done.Store(true)
	return b.batch.Close()
}
