// Command kvbridge builds the C shared library:
//
//	go build -buildmode=c-shared -o libkvbridge.so ./cmd/kvbridge
//
// Logging is off unless KVBRIDGE_LOG_LEVEL is set (KVBRIDGE_LOG_JSON=1
// selects JSON output).
package main

/*
#define KVBRIDGE_TYPES_ONLY
#include <stdlib.h>
#include "kvbridge.h"
*/
import "C"

import (
	"os"
	"sync"
	"unsafe"

	"github.com/eigerco/kvbridge/internal/boundary"
	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/internal/marshal"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/log"
)

// Go and C must agree on the layout of every struct crossing the boundary.
var (
	_ [unsafe.Sizeof(C.kv_buffer{}) - unsafe.Sizeof(marshal.Buffer{})]struct{}
	_ [unsafe.Sizeof(marshal.Buffer{}) - unsafe.Sizeof(C.kv_buffer{})]struct{}
	_ [unsafe.Sizeof(C.kv_pair{}) - unsafe.Sizeof(marshal.Pair{})]struct{}
	_ [unsafe.Sizeof(marshal.Pair{}) - unsafe.Sizeof(C.kv_pair{})]struct{}
	_ [unsafe.Sizeof(C.kv_batch{}) - unsafe.Sizeof(marshal.Batch{})]struct{}
	_ [unsafe.Sizeof(marshal.Batch{}) - unsafe.Sizeof(C.kv_batch{})]struct{}
)

type cAllocator struct{}

func (cAllocator) Alloc(n uintptr) unsafe.Pointer {
	return C.malloc(C.size_t(n))
}

func (cAllocator) Free(p unsafe.Pointer) {
	C.free(p)
}

var surface = sync.OnceValue(func() *boundary.Surface {
	initLogging()
	return boundary.New(cAllocator{})
})

func initLogging() {
	level := os.Getenv("KVBRIDGE_LOG_LEVEL")
	if level == "" {
		return
	}
	lvl, err := log.ParseLogLevel(level)
	if err != nil {
		return
	}
	opts := log.Options{LogLevel: lvl, Type: log.ConsoleLogger}
	if os.Getenv("KVBRIDGE_LOG_JSON") == "1" {
		opts.Type = log.JSONLogger
	}
	log.Init(opts)
}

func ptr(p *C.uint8_t) unsafe.Pointer {
	return unsafe.Pointer(p)
}

func status(s bridge.Status) C.int {
	return C.int(s)
}

//export kv_open
func kv_open(dir *C.uint8_t, dirLen C.size_t, flushThreshold, compactionInterval, logging, compress C.int, outDB *C.uint64_t) C.int {
	return status(surface().Open(ptr(dir), uintptr(dirLen),
		int32(flushThreshold), int32(compactionInterval), int32(logging), int32(compress),
		(*uint64)(unsafe.Pointer(outDB))))
}

//export kv_close
func kv_close(dbh C.uint64_t) C.int {
	return status(surface().Close(uint64(dbh)))
}

//export kv_put
func kv_put(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t, value *C.uint8_t, valueLen C.size_t, ttlSeconds C.int64_t) C.int {
	return status(surface().Put(uint64(dbh), ptr(key), uintptr(keyLen), ptr(value), uintptr(valueLen), int64(ttlSeconds)))
}

//export kv_get
func kv_get(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t, out *C.kv_buffer) C.int {
	return status(surface().Get(uint64(dbh), ptr(key), uintptr(keyLen), (*marshal.Buffer)(unsafe.Pointer(out))))
}

//export kv_delete
func kv_delete(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t) C.int {
	return status(surface().Delete(uint64(dbh), ptr(key), uintptr(keyLen)))
}

//export kv_begin
func kv_begin(dbh C.uint64_t, outTxn *C.uint64_t) C.int {
	return status(surface().Begin(uint64(dbh), (*uint64)(unsafe.Pointer(outTxn))))
}

//export kv_add_operation
func kv_add_operation(dbh, txn C.uint64_t, op C.int, key *C.uint8_t, keyLen C.size_t, value *C.uint8_t, valueLen C.size_t) C.int {
	return status(surface().AddOperation(uint64(dbh), uint64(txn), int32(op), ptr(key), uintptr(keyLen), ptr(value), uintptr(valueLen)))
}

//export kv_commit
func kv_commit(dbh, txn C.uint64_t) C.int {
	return status(surface().Commit(uint64(dbh), uint64(txn)))
}

//export kv_rollback
func kv_rollback(dbh, txn C.uint64_t) C.int {
	return status(surface().Rollback(uint64(dbh), uint64(txn)))
}

//export kv_remove
func kv_remove(dbh, txn C.uint64_t) C.int {
	return status(surface().Remove(uint64(dbh), uint64(txn)))
}

func compare(dbh C.uint64_t, cmp db.Comparison, key *C.uint8_t, keyLen C.size_t, out *C.kv_batch) C.int {
	return status(surface().Compare(uint64(dbh), cmp, ptr(key), uintptr(keyLen), (*marshal.Batch)(unsafe.Pointer(out))))
}

//export kv_greater_than
func kv_greater_than(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t, out *C.kv_batch) C.int {
	return compare(dbh, db.GreaterThan, key, keyLen, out)
}

//export kv_less_than
func kv_less_than(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t, out *C.kv_batch) C.int {
	return compare(dbh, db.LessThan, key, keyLen, out)
}

//export kv_greater_than_eq
func kv_greater_than_eq(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t, out *C.kv_batch) C.int {
	return compare(dbh, db.GreaterThanEq, key, keyLen, out)
}

//export kv_less_than_eq
func kv_less_than_eq(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t, out *C.kv_batch) C.int {
	return compare(dbh, db.LessThanEq, key, keyLen, out)
}

//export kv_not_equal
func kv_not_equal(dbh C.uint64_t, key *C.uint8_t, keyLen C.size_t, out *C.kv_batch) C.int {
	return compare(dbh, db.NotEqual, key, keyLen, out)
}

//export kv_range
func kv_range(dbh C.uint64_t, start *C.uint8_t, startLen C.size_t, end *C.uint8_t, endLen C.size_t, out *C.kv_batch) C.int {
	return status(surface().Range(uint64(dbh), true, ptr(start), uintptr(startLen), ptr(end), uintptr(endLen), (*marshal.Batch)(unsafe.Pointer(out))))
}

//export kv_not_in_range
func kv_not_in_range(dbh C.uint64_t, start *C.uint8_t, startLen C.size_t, end *C.uint8_t, endLen C.size_t, out *C.kv_batch) C.int {
	return status(surface().Range(uint64(dbh), false, ptr(start), uintptr(startLen), ptr(end), uintptr(endLen), (*marshal.Batch)(unsafe.Pointer(out))))
}

//export kv_new_iterator
func kv_new_iterator(dbh C.uint64_t, outIt *C.uint64_t) C.int {
	return status(surface().NewIterator(uint64(dbh), (*uint64)(unsafe.Pointer(outIt))))
}

//export kv_iter_next
func kv_iter_next(it C.uint64_t, out *C.kv_pair) C.int {
	return status(surface().IterNext(uint64(it), (*marshal.Pair)(unsafe.Pointer(out))))
}

//export kv_iter_prev
func kv_iter_prev(it C.uint64_t, out *C.kv_pair) C.int {
	return status(surface().IterPrev(uint64(it), (*marshal.Pair)(unsafe.Pointer(out))))
}

//export kv_iter_reset
func kv_iter_reset(it C.uint64_t) C.int {
	return status(surface().IterReset(uint64(it)))
}

//export kv_iter_close
func kv_iter_close(it C.uint64_t) C.int {
	return status(surface().IterClose(uint64(it)))
}

//export kv_escalate_flush
func kv_escalate_flush(dbh C.uint64_t) C.int {
	return status(surface().EscalateFlush(uint64(dbh)))
}

//export kv_escalate_compaction
func kv_escalate_compaction(dbh C.uint64_t) C.int {
	return status(surface().EscalateCompaction(uint64(dbh)))
}

//export kv_recover_from_wal
func kv_recover_from_wal(dbh C.uint64_t) C.int {
	return status(surface().RecoverFromWAL(uint64(dbh)))
}

//export kv_release_buffer
func kv_release_buffer(token C.uint64_t) C.int {
	return status(surface().ReleaseBuffer(uint64(token)))
}

//export kv_release_batch
func kv_release_batch(token C.uint64_t) C.int {
	return status(surface().ReleaseBatch(uint64(token)))
}

func main() {}
