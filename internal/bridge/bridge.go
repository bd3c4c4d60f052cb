// Package bridge implements the call surface of the boundary protocol over
// Go values: databases, transactions and iterators addressed by handles.
package bridge

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/eigerco/kvbridge/pkg/log"
)

// Options are the tunables of open.
type Options struct {
	FlushThreshold     int
	CompactionInterval int
	Logging            bool
	Compress           bool
}

type Bridge struct {
	fs  vfs.FS
	now func() time.Time
	log zerolog.Logger

	dbs   *handle.Registry[*database]
	txns  *handle.Registry[*transaction]
	iters *handle.Registry[*cursor]

	dirsMu sync.Mutex
	dirs   map[string]struct{}

	onIteratorClose func(handle.Handle)
}

type Option func(*Bridge)

// WithFS opens every database on fs instead of the OS filesystem.
func WithFS(fs vfs.FS) Option {
	return func(b *Bridge) { b.fs = fs }
}

// WithClock sets the clock used for TTL evaluation.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithIteratorCloseHook registers fn to run once for every iterator handle
// that is closed, explicitly or by its database closing or recovering.
func WithIteratorCloseHook(fn func(handle.Handle)) Option {
	return func(b *Bridge) { b.onIteratorClose = fn }
}

func New(opts ...Option) *Bridge {
	b := &Bridge{
		log:   log.Bridge,
		dbs:   handle.NewRegistry[*database](handle.KindDatabase),
		txns:  handle.NewRegistry[*transaction](handle.KindTransaction),
		iters: handle.NewRegistry[*cursor](handle.KindIterator),
		dirs:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type database struct {
	dir   string
	store db.KVStore

	// mu is held shared by every call using the store and exclusively by
	// close and recovery.
	mu     sync.RWMutex
	closed bool
	// epoch advances on every recovery. Transactions begun in an older
	// epoch cannot commit.
	epoch atomic.Uint64

	childMu sync.Mutex
	txns    map[handle.Handle]struct{}
	iters   map[handle.Handle]struct{}
}

func (d *database) adopt(set map[handle.Handle]struct{}, h handle.Handle) {
	d.childMu.Lock()
	set[h] = struct{}{}
	d.childMu.Unlock()
}

func (d *database) disown(set map[handle.Handle]struct{}, h handle.Handle) {
	d.childMu.Lock()
	delete(set, h)
	d.childMu.Unlock()
}

func (d *database) children(set map[handle.Handle]struct{}) []handle.Handle {
	d.childMu.Lock()
	defer d.childMu.Unlock()
	hs := make([]handle.Handle, 0, len(set))
	for h := range set {
		hs = append(hs, h)
	}
	return hs
}

// Open opens the database rooted at dir. A directory already open under a
// live handle fails with ErrInvalidState.
func (b *Bridge) Open(dir string, opts Options) (handle.Handle, error) {
	if dir == "" {
		return 0, fmt.Errorf("%w: empty directory", ErrInvalidArgument)
	}
	key, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	b.dirsMu.Lock()
	defer b.dirsMu.Unlock()
	if _, ok := b.dirs[key]; ok {
		return 0, fmt.Errorf("%w: %s is already open", ErrInvalidState, dir)
	}

	store, err := pebble.Open(dir, pebble.Config{
		FlushThreshold:     opts.FlushThreshold,
		CompactionInterval: opts.CompactionInterval,
		Logging:            opts.Logging,
		Compress:           opts.Compress,
		FS:                 b.fs,
		Now:                b.now,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrIO, dir, err)
	}

	h := b.dbs.Insert(&database{
		dir:   key,
		store: store,
		txns:  make(map[handle.Handle]struct{}),
		iters: make(map[handle.Handle]struct{}),
	})
	b.dirs[key] = struct{}{}
	b.log.Debug().Stringer("db", h).Str("dir", dir).Msg("database opened")
	return h, nil
}

// Close invalidates every transaction and iterator under h, then closes the
// engine. The handle is released even when the engine reports an error.
func (b *Bridge) Close(h handle.Handle) error {
	d, err := b.dbs.Release(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}

	d.mu.Lock()
	d.closed = true
	b.closeCursors(d)
	for _, th := range d.children(d.txns) {
		_, _ = b.txns.Release(th)
		d.disown(d.txns, th)
	}
	err = d.store.Close()
	d.mu.Unlock()

	b.dirsMu.Lock()
	delete(b.dirs, d.dir)
	b.dirsMu.Unlock()

	b.log.Debug().Stringer("db", h).Msg("database closed")
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}

// withDB runs fn with h's store held shared.
func (b *Bridge) withDB(h handle.Handle, fn func(d *database) error) error {
	d, err := b.dbs.Resolve(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: database %v is closed", ErrInvalidHandle, h)
	}
	return fn(d)
}

func engineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}

// TTL converts a caller supplied lifetime in seconds. Zero or less never
// expires and values past the range of time.Duration saturate.
func TTL(seconds int64) time.Duration {
	switch {
	case seconds <= 0:
		return 0
	case seconds > math.MaxInt64/int64(time.Second):
		return math.MaxInt64
	}
	return time.Duration(seconds) * time.Second
}

// Put stores value under key. A ttl of zero or less never expires.
func (b *Bridge) Put(h handle.Handle, key, value []byte, ttl time.Duration) error {
	return b.withDB(h, func(d *database) error {
		return engineErr("put", d.store.PutWithTTL(key, value, ttl))
	})
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (b *Bridge) Get(h handle.Handle, key []byte) ([]byte, error) {
	var value []byte
	err := b.withDB(h, func(d *database) error {
		v, err := d.store.Get(key)
		switch {
		case errors.Is(err, pebble.ErrNotFound):
			return ErrNotFound
		case err != nil:
			return engineErr("get", err)
		}
		value = v
		return nil
	})
	return value, err
}

func (b *Bridge) Delete(h handle.Handle, key []byte) error {
	return b.withDB(h, func(d *database) error {
		return engineErr("delete", d.store.Delete(key))
	})
}

// Query returns every live pair matching p in ascending key order.
func (b *Bridge) Query(h handle.Handle, p db.Predicate) ([]db.KeyValue, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, p.Cmp, err)
	}

	var pairs []db.KeyValue
	err := b.withDB(h, func(d *database) error {
		var err error
		pairs, err = d.store.Scan(p)
		return engineErr(p.Cmp.String(), err)
	})
	return pairs, err
}

// EscalateFlush flushes the memtable now instead of at its threshold.
func (b *Bridge) EscalateFlush(h handle.Handle) error {
	return b.withDB(h, func(d *database) error {
		return engineErr("flush", d.store.Flush())
	})
}

// EscalateCompaction sweeps expired keys and compacts the key space now.
func (b *Bridge) EscalateCompaction(h handle.Handle) error {
	return b.withDB(h, func(d *database) error {
		return engineErr("compaction", d.store.Compact())
	})
}

// RecoverFromWAL reopens the engine so that its write-ahead log is replayed.
// Iterators under h are closed and transactions begun before the call can no
// longer commit. h stays valid.
func (b *Bridge) RecoverFromWAL(h handle.Handle) error {
	d, err := b.dbs.Resolve(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: database %v is closed", ErrInvalidHandle, h)
	}

	b.closeCursors(d)
	d.epoch.Add(1)
	if err := d.store.Recover(); err != nil {
		return engineErr("recover from wal", err)
	}
	b.log.Debug().Stringer("db", h).Msg("recovered from wal")
	return nil
}

// closeCursors releases every iterator handle under d. Caller holds d.mu
// exclusively.
func (b *Bridge) closeCursors(d *database) {
	for _, ih := range d.children(d.iters) {
		c, err := b.iters.Release(ih)
		d.disown(d.iters, ih)
		if err != nil {
			continue
		}
		c.release()
		if b.onIteratorClose != nil {
			b.onIteratorClose(ih)
		}
	}
}

// Stats reports the number of live handles per kind.
type Stats struct {
	Databases    int
	Transactions int
	Iterators    int
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Databases:    b.dbs.Len(),
		Transactions: b.txns.Len(),
		Iterators:    b.iters.Len(),
	}
}

// CloseAll closes every open database. Used on shutdown.
func (b *Bridge) CloseAll() {
	var open []handle.Handle
	b.dbs.Range(func(h handle.Handle, _ *database) bool {
		open = append(open, h)
		return true
	})
	for _, h := range open {
		if err := b.Close(h); err != nil {
			b.log.Warn().Err(err).Stringer("db", h).Msg("close on shutdown")
		}
	}
}
