// Package client drives a kvbridge shared library from Go through purego,
// the way any managed runtime would: flat calls, raw pointers, status codes.
package client

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/internal/marshal"
	"github.com/eigerco/kvbridge/pkg/db"
)

var (
	ErrInvalidHandle       = bridge.ErrInvalidHandle
	ErrInvalidState        = bridge.ErrInvalidState
	ErrNotFound            = bridge.ErrNotFound
	ErrIO                  = bridge.ErrIO
	ErrTransactionConflict = bridge.ErrTransactionConflict
	ErrInvalidArgument     = bridge.ErrInvalidArgument
	ErrEnd                 = bridge.ErrEnd
)

// Library is a loaded kvbridge shared library.
// Note: pointer parameters use uintptr because purego on ARM64 doesn't support slices.
type Library struct {
	open  func(dir, dirLen uintptr, flushThreshold, compactionInterval, logging, compress int32, outDB uintptr) int32
	close func(db uint64) int32
	put   func(db uint64, key, keyLen, value, valueLen uintptr, ttlSeconds int64) int32
	get   func(db uint64, key, keyLen, out uintptr) int32
	del   func(db uint64, key, keyLen uintptr) int32

	begin        func(db uint64, outTxn uintptr) int32
	addOperation func(db, txn uint64, op int32, key, keyLen, value, valueLen uintptr) int32
	commit       func(db, txn uint64) int32
	rollback     func(db, txn uint64) int32
	remove       func(db, txn uint64) int32

	compare    map[db.Comparison]func(db uint64, key, keyLen, out uintptr) int32
	inRange    func(db uint64, start, startLen, end, endLen, out uintptr) int32
	notInRange func(db uint64, start, startLen, end, endLen, out uintptr) int32

	newIterator func(db uint64, outIt uintptr) int32
	iterNext    func(it uint64, out uintptr) int32
	iterPrev    func(it uint64, out uintptr) int32
	iterReset   func(it uint64) int32
	iterClose   func(it uint64) int32

	escalateFlush      func(db uint64) int32
	escalateCompaction func(db uint64) int32
	recoverFromWAL     func(db uint64) int32

	releaseBuffer func(token uint64) int32
	releaseBatch  func(token uint64) int32
}

// Load opens the shared library at path and binds every export.
func Load(path string) (*Library, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	l := &Library{}
	purego.RegisterLibFunc(&l.open, lib, "kv_open")
	purego.RegisterLibFunc(&l.close, lib, "kv_close")
	purego.RegisterLibFunc(&l.put, lib, "kv_put")
	purego.RegisterLibFunc(&l.get, lib, "kv_get")
	purego.RegisterLibFunc(&l.del, lib, "kv_delete")

	purego.RegisterLibFunc(&l.begin, lib, "kv_begin")
	purego.RegisterLibFunc(&l.addOperation, lib, "kv_add_operation")
	purego.RegisterLibFunc(&l.commit, lib, "kv_commit")
	purego.RegisterLibFunc(&l.rollback, lib, "kv_rollback")
	purego.RegisterLibFunc(&l.remove, lib, "kv_remove")

	l.compare = make(map[db.Comparison]func(uint64, uintptr, uintptr, uintptr) int32)
	for cmp, name := range map[db.Comparison]string{
		db.GreaterThan:   "kv_greater_than",
		db.LessThan:      "kv_less_than",
		db.GreaterThanEq: "kv_greater_than_eq",
		db.LessThanEq:    "kv_less_than_eq",
		db.NotEqual:      "kv_not_equal",
	} {
		var fn func(uint64, uintptr, uintptr, uintptr) int32
		purego.RegisterLibFunc(&fn, lib, name)
		l.compare[cmp] = fn
	}
	purego.RegisterLibFunc(&l.inRange, lib, "kv_range")
	purego.RegisterLibFunc(&l.notInRange, lib, "kv_not_in_range")

	purego.RegisterLibFunc(&l.newIterator, lib, "kv_new_iterator")
	purego.RegisterLibFunc(&l.iterNext, lib, "kv_iter_next")
	purego.RegisterLibFunc(&l.iterPrev, lib, "kv_iter_prev")
	purego.RegisterLibFunc(&l.iterReset, lib, "kv_iter_reset")
	purego.RegisterLibFunc(&l.iterClose, lib, "kv_iter_close")

	purego.RegisterLibFunc(&l.escalateFlush, lib, "kv_escalate_flush")
	purego.RegisterLibFunc(&l.escalateCompaction, lib, "kv_escalate_compaction")
	purego.RegisterLibFunc(&l.recoverFromWAL, lib, "kv_recover_from_wal")

	purego.RegisterLibFunc(&l.releaseBuffer, lib, "kv_release_buffer")
	purego.RegisterLibFunc(&l.releaseBatch, lib, "kv_release_batch")
	return l, nil
}

// Options are passed to kv_open.
type Options struct {
	FlushThreshold     int
	CompactionInterval int
	Logging            bool
	Compress           bool
}

func boolArg(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// slicePtr returns a pointer to the first element of s, 0 for an empty slice.
func slicePtr(s []byte) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func check(call string, st int32) error {
	if err := bridge.Status(st).Err(); err != nil {
		return fmt.Errorf("%s: %w", call, err)
	}
	return nil
}

// ttlSeconds rounds a positive ttl up to whole seconds.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

// Open opens the database rooted at dir.
func (l *Library) Open(dir string, opts Options) (*DB, error) {
	path := []byte(dir)
	var h uint64
	st := l.open(slicePtr(path), uintptr(len(path)),
		int32(opts.FlushThreshold), int32(opts.CompactionInterval),
		boolArg(opts.Logging), boolArg(opts.Compress),
		uintptr(unsafe.Pointer(&h)))
	runtime.KeepAlive(path)
	if err := check("open", st); err != nil {
		return nil, err
	}
	return &DB{lib: l, h: h}, nil
}

// takeBuffer copies buf into Go memory and releases it.
func (l *Library) takeBuffer(buf *marshal.Buffer) ([]byte, error) {
	value := marshal.Bytes(buf.Data, buf.Len)
	return value, check("release_buffer", l.releaseBuffer(buf.Token))
}

// takeBatch copies every pair of batch into Go memory and releases it.
func (l *Library) takeBatch(batch *marshal.Batch) ([]db.KeyValue, error) {
	records := batch.Records()
	pairs := make([]db.KeyValue, 0, len(records))
	for _, r := range records {
		pairs = append(pairs, db.KeyValue{
			Key:   marshal.Bytes(r.Key, r.KeyLen),
			Value: marshal.Bytes(r.Value, r.ValueLen),
		})
	}
	return pairs, check("release_batch", l.releaseBatch(batch.Token))
}
