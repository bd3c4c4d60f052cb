// Package boundary is the flat, C-shaped call surface: every function takes
// scalars and raw pointers and returns a status code. cmd/kvbridge exports it
// through cgo.
package boundary

import (
	"fmt"
	"runtime/debug"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/internal/marshal"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/log"
)

type Surface struct {
	bridge *bridge.Bridge
	arena  *marshal.Arena
	log    zerolog.Logger
}

// New returns a surface whose outputs are allocated with alloc.
func New(alloc marshal.Allocator, opts ...bridge.Option) *Surface {
	arena := marshal.NewArena(alloc)
	opts = append(opts, bridge.WithIteratorCloseHook(arena.ReleaseOwner))
	return &Surface{
		bridge: bridge.New(opts...),
		arena:  arena,
		log:    log.Bridge,
	}
}

// Bridge returns the bridge the surface dispatches to.
func (s *Surface) Bridge() *bridge.Bridge {
	return s.bridge
}

// Outstanding reports outputs not yet released by the caller.
func (s *Surface) Outstanding() int {
	return s.arena.Outstanding()
}

// guard converts a panic in the calling export into StatusIOError.
func (s *Surface) guard(name string, status *bridge.Status) {
	if r := recover(); r != nil {
		s.log.Error().
			Str("call", name).
			Str("panic", fmt.Sprint(r)).
			Bytes("stack", debug.Stack()).
			Msg("recovered panic at boundary")
		*status = bridge.StatusIOError
	}
}

func (s *Surface) status(name string, err error) bridge.Status {
	st := bridge.StatusOf(err)
	if st == bridge.StatusIOError {
		s.log.Warn().Str("call", name).Err(err).Msg("engine failure")
	}
	return st
}

var errNilOut = fmt.Errorf("%w: nil output pointer", bridge.ErrInvalidArgument)

func flag(v int32) bool {
	return v != 0
}

func (s *Surface) Open(dir unsafe.Pointer, dirLen uintptr, flushThreshold, compactionInterval, logging, compress int32, out *uint64) (st bridge.Status) {
	defer s.guard("open", &st)
	if out == nil {
		return s.status("open", errNilOut)
	}
	path, err := marshal.View(dir, dirLen)
	if err != nil {
		return s.status("open", err)
	}
	h, err := s.bridge.Open(string(path), bridge.Options{
		FlushThreshold:     int(flushThreshold),
		CompactionInterval: int(compactionInterval),
		Logging:            flag(logging),
		Compress:           flag(compress),
	})
	if err != nil {
		return s.status("open", err)
	}
	*out = uint64(h)
	return bridge.StatusOK
}

func (s *Surface) Close(dbh uint64) (st bridge.Status) {
	defer s.guard("close", &st)
	return s.status("close", s.bridge.Close(handle.Handle(dbh)))
}

func (s *Surface) Put(dbh uint64, key unsafe.Pointer, keyLen uintptr, value unsafe.Pointer, valueLen uintptr, ttlSeconds int64) (st bridge.Status) {
	defer s.guard("put", &st)
	k, err := marshal.View(key, keyLen)
	if err != nil {
		return s.status("put", err)
	}
	v, err := marshal.View(value, valueLen)
	if err != nil {
		return s.status("put", err)
	}
	return s.status("put", s.bridge.Put(handle.Handle(dbh), k, v, bridge.TTL(ttlSeconds)))
}

// Get writes the value into out. On NotFound out is left untouched.
func (s *Surface) Get(dbh uint64, key unsafe.Pointer, keyLen uintptr, out *marshal.Buffer) (st bridge.Status) {
	defer s.guard("get", &st)
	if out == nil {
		return s.status("get", errNilOut)
	}
	k, err := marshal.View(key, keyLen)
	if err != nil {
		return s.status("get", err)
	}
	value, err := s.bridge.Get(handle.Handle(dbh), k)
	if err != nil {
		return s.status("get", err)
	}
	buf, err := s.arena.ExportBuffer(value)
	if err != nil {
		return s.status("get", err)
	}
	*out = buf
	return bridge.StatusOK
}

func (s *Surface) Delete(dbh uint64, key unsafe.Pointer, keyLen uintptr) (st bridge.Status) {
	defer s.guard("delete", &st)
	k, err := marshal.View(key, keyLen)
	if err != nil {
		return s.status("delete", err)
	}
	return s.status("delete", s.bridge.Delete(handle.Handle(dbh), k))
}

func (s *Surface) Begin(dbh uint64, out *uint64) (st bridge.Status) {
	defer s.guard("begin", &st)
	if out == nil {
		return s.status("begin", errNilOut)
	}
	txn, err := s.bridge.Begin(handle.Handle(dbh))
	if err != nil {
		return s.status("begin", err)
	}
	*out = uint64(txn)
	return bridge.StatusOK
}

func (s *Surface) AddOperation(dbh, txn uint64, op int32, key unsafe.Pointer, keyLen uintptr, value unsafe.Pointer, valueLen uintptr) (st bridge.Status) {
	defer s.guard("add_operation", &st)
	k, err := marshal.View(key, keyLen)
	if err != nil {
		return s.status("add_operation", err)
	}
	v, err := marshal.View(value, valueLen)
	if err != nil {
		return s.status("add_operation", err)
	}
	// The bridge copies k and v before returning.
	err = s.bridge.AddOperation(handle.Handle(dbh), handle.Handle(txn), db.OpCode(op), k, v)
	return s.status("add_operation", err)
}

func (s *Surface) Commit(dbh, txn uint64) (st bridge.Status) {
	defer s.guard("commit", &st)
	return s.status("commit", s.bridge.Commit(handle.Handle(dbh), handle.Handle(txn)))
}

func (s *Surface) Rollback(dbh, txn uint64) (st bridge.Status) {
	defer s.guard("rollback", &st)
	return s.status("rollback", s.bridge.Rollback(handle.Handle(dbh), handle.Handle(txn)))
}

func (s *Surface) Remove(dbh, txn uint64) (st bridge.Status) {
	defer s.guard("remove", &st)
	return s.status("remove", s.bridge.Remove(handle.Handle(dbh), handle.Handle(txn)))
}

// Compare answers the single-key queries: greater_than, less_than,
// greater_than_eq, less_than_eq and not_equal.
func (s *Surface) Compare(dbh uint64, cmp db.Comparison, key unsafe.Pointer, keyLen uintptr, out *marshal.Batch) bridge.Status {
	if cmp == db.InRange || cmp == db.NotInRange {
		return s.status(cmp.String(), fmt.Errorf("%w: %s takes two bounds", bridge.ErrInvalidArgument, cmp))
	}
	return s.query(dbh, cmp, key, keyLen, nil, 0, out)
}

// Range answers range (inRange true) and not_in_range over [start, end).
func (s *Surface) Range(dbh uint64, inRange bool, start unsafe.Pointer, startLen uintptr, end unsafe.Pointer, endLen uintptr, out *marshal.Batch) bridge.Status {
	cmp := db.NotInRange
	if inRange {
		cmp = db.InRange
	}
	return s.query(dbh, cmp, start, startLen, end, endLen, out)
}

func (s *Surface) query(dbh uint64, cmp db.Comparison, key unsafe.Pointer, keyLen uintptr, end unsafe.Pointer, endLen uintptr, out *marshal.Batch) (st bridge.Status) {
	name := cmp.String()
	defer s.guard(name, &st)
	if out == nil {
		return s.status(name, errNilOut)
	}
	p := db.Predicate{Cmp: cmp}
	var err error
	if p.Key, err = marshal.View(key, keyLen); err != nil {
		return s.status(name, err)
	}
	if cmp == db.InRange || cmp == db.NotInRange {
		if p.End, err = marshal.View(end, endLen); err != nil {
			return s.status(name, err)
		}
	}

	pairs, err := s.bridge.Query(handle.Handle(dbh), p)
	if err != nil {
		return s.status(name, err)
	}
	batch, err := s.arena.ExportBatch(pairs)
	if err != nil {
		return s.status(name, err)
	}
	*out = batch
	return bridge.StatusOK
}

func (s *Surface) NewIterator(dbh uint64, out *uint64) (st bridge.Status) {
	defer s.guard("new_iterator", &st)
	if out == nil {
		return s.status("new_iterator", errNilOut)
	}
	it, err := s.bridge.NewIterator(handle.Handle(dbh))
	if err != nil {
		return s.status("new_iterator", err)
	}
	*out = uint64(it)
	return bridge.StatusOK
}

// IterNext writes the next pair into out. The pair's memory belongs to the
// iterator and stays valid until the next call on it or its close.
func (s *Surface) IterNext(it uint64, out *marshal.Pair) (st bridge.Status) {
	defer s.guard("iter_next", &st)
	return s.step("iter_next", it, s.bridge.NextFunc, out)
}

func (s *Surface) IterPrev(it uint64, out *marshal.Pair) (st bridge.Status) {
	defer s.guard("iter_prev", &st)
	return s.step("iter_prev", it, s.bridge.PrevFunc, out)
}

func (s *Surface) step(name string, it uint64, move func(handle.Handle, bridge.StepFunc) error, out *marshal.Pair) bridge.Status {
	if out == nil {
		return s.status(name, errNilOut)
	}
	h := handle.Handle(it)
	// Export while the iterator is held busy; a concurrent close fails.
	err := move(h, func(kv db.KeyValue, err error) error {
		if err != nil {
			s.arena.ReleaseOwner(h)
			return err
		}
		pair, err := s.arena.ExportOwned(h, kv)
		if err != nil {
			return err
		}
		*out = pair
		return nil
	})
	return s.status(name, err)
}

func (s *Surface) IterReset(it uint64) (st bridge.Status) {
	defer s.guard("iter_reset", &st)
	return s.status("iter_reset", s.bridge.Reset(handle.Handle(it)))
}

func (s *Surface) IterClose(it uint64) (st bridge.Status) {
	defer s.guard("iter_close", &st)
	return s.status("iter_close", s.bridge.CloseIterator(handle.Handle(it)))
}

func (s *Surface) EscalateFlush(dbh uint64) (st bridge.Status) {
	defer s.guard("escalate_flush", &st)
	return s.status("escalate_flush", s.bridge.EscalateFlush(handle.Handle(dbh)))
}

func (s *Surface) EscalateCompaction(dbh uint64) (st bridge.Status) {
	defer s.guard("escalate_compaction", &st)
	return s.status("escalate_compaction", s.bridge.EscalateCompaction(handle.Handle(dbh)))
}

func (s *Surface) RecoverFromWAL(dbh uint64) (st bridge.Status) {
	defer s.guard("recover_from_wal", &st)
	return s.status("recover_from_wal", s.bridge.RecoverFromWAL(handle.Handle(dbh)))
}

func (s *Surface) ReleaseBuffer(token uint64) (st bridge.Status) {
	defer s.guard("release_buffer", &st)
	return s.status("release_buffer", s.arena.ReleaseBuffer(token))
}

func (s *Surface) ReleaseBatch(token uint64) (st bridge.Status) {
	defer s.guard("release_batch", &st)
	return s.status("release_batch", s.arena.ReleaseBatch(token))
}
