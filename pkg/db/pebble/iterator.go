package pebble

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/kvbridge/pkg/db"
)

// Iterator walks a point-in-time view of the store. Entries whose TTL had
// elapsed when the iterator was created are skipped.
type Iterator struct {
	store  *KVStore
	iter   *pebble.Iterator
	now    time.Time
	value  []byte
	err    error
	closed bool
}

func (s *KVStore) NewIterator(start, end []byte) (db.Iterator, error) {
	return s.newIterator(start, end)
}

func (s *KVStore) newIterator(start, end []byte) (*Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf(ErrInIteratorCreation, err)
	}

	it := &Iterator{store: s, iter: iter, now: s.now()}
	s.itersMu.Lock()
	s.iters[it] = struct{}{}
	s.itersMu.Unlock()
	return it, nil
}

func (it *Iterator) First() bool {
	if it.closed {
		return false
	}
	return it.settle(it.iter.First(), it.iter.Next)
}

func (it *Iterator) Last() bool {
	if it.closed {
		return false
	}
	return it.settle(it.iter.Last(), it.iter.Prev)
}

// Next moves to the next live key. An unpositioned iterator is positioned at
// the first key.
func (it *Iterator) Next() bool {
	if it.closed {
		return false
	}
	if !it.iter.Valid() {
		return it.First()
	}
	return it.settle(it.iter.Next(), it.iter.Next)
}

func (it *Iterator) Prev() bool {
	if it.closed {
		return false
	}
	if !it.iter.Valid() {
		return it.Last()
	}
	return it.settle(it.iter.Prev(), it.iter.Prev)
}

func (it *Iterator) seekGE(key []byte) bool {
	if it.closed {
		return false
	}
	return it.settle(it.iter.SeekGE(key), it.iter.Next)
}

// settle skips expired entries in the direction given by step and decodes
// the value of the entry it stops on.
func (it *Iterator) settle(valid bool, step func() bool) bool {
	it.value, it.err = nil, nil
	for valid {
		raw, err := it.iter.ValueAndErr()
		if err != nil {
			it.err = fmt.Errorf(ErrIteratorValue, err)
			return true
		}
		value, expiry, err := decodeValue(raw)
		if err != nil {
			it.err = err
			return true
		}
		if !expired(expiry, it.now) {
			it.value = value
			return true
		}
		valid = step()
	}
	return false
}

func (it *Iterator) Key() []byte {
	if it.closed || !it.iter.Valid() {
		return nil
	}
	key := it.iter.Key()
	result := make([]byte, len(key))
	copy(result, key)
	return result
}

func (it *Iterator) Value() ([]byte, error) {
	if it.closed || !it.iter.Valid() {
		return nil, ErrIteratorInvalid
	}
	if it.err != nil {
		return nil, it.err
	}

	result := make([]byte, len(it.value))
	copy(result, it.value)
	return result, nil
}

func (it *Iterator) Valid() bool {
	return !it.closed && it.iter.Valid()
}

// Close releases the view. Closing twice is a no-op.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.value = nil

	it.store.itersMu.Lock()
	delete(it.store.iters, it)
	it.store.itersMu.Unlock()
	return it.iter.Close()
}
