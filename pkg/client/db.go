package client

import (
	"errors"
	"runtime"
	"time"
	"unsafe"

	"github.com/eigerco/kvbridge/internal/marshal"
	"github.com/eigerco/kvbridge/pkg/db"
)

// DB is an open database handle.
type DB struct {
	lib *Library
	h   uint64
}

func (d *DB) Close() error {
	return check("close", d.lib.close(d.h))
}

// Put stores value under key. A ttl of zero never expires; anything else is
// rounded up to whole seconds.
func (d *DB) Put(key, value []byte, ttl time.Duration) error {
	st := d.lib.put(d.h, slicePtr(key), uintptr(len(key)), slicePtr(value), uintptr(len(value)), ttlSeconds(ttl))
	runtime.KeepAlive(key)
	runtime.KeepAlive(value)
	return check("put", st)
}

// Get returns the value stored under key or an error wrapping ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	var buf marshal.Buffer
	st := d.lib.get(d.h, slicePtr(key), uintptr(len(key)), uintptr(unsafe.Pointer(&buf)))
	runtime.KeepAlive(key)
	if err := check("get", st); err != nil {
		return nil, err
	}
	return d.lib.takeBuffer(&buf)
}

func (d *DB) Delete(key []byte) error {
	st := d.lib.del(d.h, slicePtr(key), uintptr(len(key)))
	runtime.KeepAlive(key)
	return check("delete", st)
}

func (d *DB) compare(cmp db.Comparison, key []byte) ([]db.KeyValue, error) {
	var batch marshal.Batch
	st := d.lib.compare[cmp](d.h, slicePtr(key), uintptr(len(key)), uintptr(unsafe.Pointer(&batch)))
	runtime.KeepAlive(key)
	if err := check(cmp.String(), st); err != nil {
		return nil, err
	}
	return d.lib.takeBatch(&batch)
}

func (d *DB) GreaterThan(key []byte) ([]db.KeyValue, error) {
	return d.compare(db.GreaterThan, key)
}

func (d *DB) GreaterThanEq(key []byte) ([]db.KeyValue, error) {
	return d.compare(db.GreaterThanEq, key)
}

func (d *DB) LessThan(key []byte) ([]db.KeyValue, error) {
	return d.compare(db.LessThan, key)
}

func (d *DB) LessThanEq(key []byte) ([]db.KeyValue, error) {
	return d.compare(db.LessThanEq, key)
}

func (d *DB) NotEqual(key []byte) ([]db.KeyValue, error) {
	return d.compare(db.NotEqual, key)
}

// Range returns the pairs with start <= key < end.
func (d *DB) Range(start, end []byte) ([]db.KeyValue, error) {
	return d.bounded("range", d.lib.inRange, start, end)
}

// NotInRange returns the pairs with key < start or key >= end.
func (d *DB) NotInRange(start, end []byte) ([]db.KeyValue, error) {
	return d.bounded("not_in_range", d.lib.notInRange, start, end)
}

func (d *DB) bounded(name string, fn func(uint64, uintptr, uintptr, uintptr, uintptr, uintptr) int32, start, end []byte) ([]db.KeyValue, error) {
	var batch marshal.Batch
	st := fn(d.h, slicePtr(start), uintptr(len(start)), slicePtr(end), uintptr(len(end)), uintptr(unsafe.Pointer(&batch)))
	runtime.KeepAlive(start)
	runtime.KeepAlive(end)
	if err := check(name, st); err != nil {
		return nil, err
	}
	return d.lib.takeBatch(&batch)
}

func (d *DB) EscalateFlush() error {
	return check("escalate_flush", d.lib.escalateFlush(d.h))
}

func (d *DB) EscalateCompaction() error {
	return check("escalate_compaction", d.lib.escalateCompaction(d.h))
}

func (d *DB) RecoverFromWAL() error {
	return check("recover_from_wal", d.lib.recoverFromWAL(d.h))
}

// Update runs fn in a transaction. The transaction commits when fn returns
// nil and rolls back otherwise, including when fn panics.
func (d *DB) Update(fn func(*Txn) error) error {
	txn, err := d.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback()
			panic(p)
		}
	}()

	if err := fn(txn); err != nil {
		return errors.Join(err, txn.Rollback())
	}
	if err := txn.Commit(); err != nil {
		return errors.Join(err, txn.Rollback())
	}
	return nil
}

// Scan runs fn with a fresh iterator and closes it afterwards.
func (d *DB) Scan(fn func(*Iterator) error) error {
	it, err := d.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close() //nolint:errcheck // a failed close leaves nothing to release
	return fn(it)
}
