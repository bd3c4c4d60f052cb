package client

import (
	"unsafe"

	"github.com/eigerco/kvbridge/internal/marshal"
)

// Iterator walks a point-in-time view of a database.
type Iterator struct {
	db *DB
	h  uint64
}

func (d *DB) NewIterator() (*Iterator, error) {
	var h uint64
	if err := check("new_iterator", d.lib.newIterator(d.h, uintptr(unsafe.Pointer(&h)))); err != nil {
		return nil, err
	}
	return &Iterator{db: d, h: h}, nil
}

// Next returns the next pair in ascending order, or an error wrapping ErrEnd.
func (it *Iterator) Next() (key, value []byte, err error) {
	return it.step("iter_next", it.db.lib.iterNext)
}

// Prev returns the previous pair, or an error wrapping ErrEnd.
func (it *Iterator) Prev() (key, value []byte, err error) {
	return it.step("iter_prev", it.db.lib.iterPrev)
}

func (it *Iterator) step(name string, fn func(uint64, uintptr) int32) (key, value []byte, err error) {
	var pair marshal.Pair
	if err := check(name, fn(it.h, uintptr(unsafe.Pointer(&pair)))); err != nil {
		return nil, nil, err
	}
	// The pair is only valid until the next call on the iterator.
	return marshal.Bytes(pair.Key, pair.KeyLen), marshal.Bytes(pair.Value, pair.ValueLen), nil
}

func (it *Iterator) Reset() error {
	return check("iter_reset", it.db.lib.iterReset(it.h))
}

func (it *Iterator) Close() error {
	return check("iter_close", it.db.lib.iterClose(it.h))
}
