package pebble

import (
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/kvbridge/pkg/db"
)

// Flush writes the current memtable to an sstable. It is a no-op when the
// memtable is empty.
func (s *KVStore) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.Flush()
}

// Compact deletes expired keys and then compacts the whole key space.
func (s *KVStore) Compact() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	swept, err := s.sweepExpired()
	if err != nil {
		return err
	}

	first, last, err := s.keySpan()
	if err != nil || first == nil {
		return err
	}
	if err := s.db.Compact(first, db.Successor(last), true); err != nil {
		return err
	}
	s.log.Debug().Int("expired", swept).Msg("compaction finished")
	return nil
}

// sweepExpired tombstones every key whose TTL has elapsed. Caller holds s.mu.
func (s *KVStore) sweepExpired() (int, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, err
	}
	defer iter.Close() //nolint:errcheck // read-only iterator

	now := s.now()
	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck // released after apply

	count := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		raw, err := iter.ValueAndErr()
		if err != nil {
			return 0, err
		}
		_, expiry, err := decodeValue(raw)
		if err != nil {
			return 0, err
		}
		if expired(expiry, now) {
			if err := batch.Delete(iter.Key(), nil); err != nil {
				return 0, err
			}
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return count, s.db.Apply(batch, pebble.Sync)
}

// keySpan returns copies of the smallest and largest keys, nil when empty.
// Caller holds s.mu.
func (s *KVStore) keySpan() (first, last []byte, err error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close() //nolint:errcheck // read-only iterator

	if !iter.First() {
		return nil, nil, nil
	}
	first = append([]byte(nil), iter.Key()...)
	iter.Last()
	last = append([]byte(nil), iter.Key()...)
	return first, last, nil
}

func (s *KVStore) compactor(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Compact(); err != nil {
				s.log.Error().Err(err).Msg("scheduled compaction")
			}
		}
	}
}
