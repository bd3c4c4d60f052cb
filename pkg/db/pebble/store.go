package pebble

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/log"
)

const (
	DefaultFlushThreshold = 4 << 20
	minFlushThreshold     = 64 << 10
	maxFlushThreshold     = 1 << 30
)

// Config carries the tunables accepted by open.
type Config struct {
	// FlushThreshold is the memtable size in bytes at which it is flushed to
	// an sstable. Zero or negative selects DefaultFlushThreshold.
	FlushThreshold int
	// CompactionInterval is the period in seconds of the background
	// compaction cycle. Zero or negative disables it.
	CompactionInterval int
	Logging            bool
	Compress           bool

	// FS overrides the filesystem, nil means the OS filesystem.
	FS vfs.FS
	// Now overrides the clock used for TTL evaluation.
	Now func() time.Time
}

func (c Config) memTableSize() uint64 {
	switch {
	case c.FlushThreshold <= 0:
		return DefaultFlushThreshold
	case c.FlushThreshold < minFlushThreshold:
		return minFlushThreshold
	case c.FlushThreshold > maxFlushThreshold:
		return maxFlushThreshold
	}
	return uint64(c.FlushThreshold)
}

// KVStore is a pebble-backed db.KVStore with per-key TTL.
type KVStore struct {
	dir  string
	cfg  Config
	now  func() time.Time
	opts *pebble.Options
	log  zerolog.Logger

	mu     sync.RWMutex
	db     *pebble.DB
	closed bool

	itersMu sync.Mutex
	iters   map[*Iterator]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Open opens or creates the store rooted at dir. Pebble replays any
// write-ahead log left in dir.
func Open(dir string, cfg Config) (*KVStore, error) {
	s := &KVStore{
		dir:   dir,
		cfg:   cfg,
		now:   cfg.Now,
		iters: make(map[*Iterator]struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = zerolog.Nop()
	if cfg.Logging {
		s.log = log.Engine.With().Str("dir", dir).Logger()
	}
	s.opts = s.options()

	pdb, err := pebble.Open(dir, s.opts)
	if err != nil {
		return nil, err
	}
	s.db = pdb

	if cfg.CompactionInterval > 0 {
		go s.compactor(time.Duration(cfg.CompactionInterval) * time.Second)
	} else {
		close(s.done)
	}

	s.log.Info().
		Uint64("memtable_size", s.opts.MemTableSize).
		Int("compaction_interval", cfg.CompactionInterval).
		Bool("compress", cfg.Compress).
		Msg("store opened")
	return s, nil
}

func (s *KVStore) options() *pebble.Options {
	compression := pebble.NoCompression
	if s.cfg.Compress {
		compression = pebble.SnappyCompression
	}

	opts := &pebble.Options{
		MemTableSize: s.cfg.memTableSize(),
		Logger:       logger{l: s.log},
		FS:           s.cfg.FS,
		Levels:       make([]pebble.LevelOptions, 7),
	}
	for i := range opts.Levels {
		opts.Levels[i].Compression = compression
	}
	return opts
}

// Dir returns the directory the store is rooted at.
func (s *KVStore) Dir() string {
	return s.dir
}

func (s *KVStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	raw, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close() //nolint:errcheck // closing a get result never fails

	value, expiry, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	if expired(expiry, s.now()) {
		return nil, ErrNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (s *KVStore) Put(key, value []byte) error {
	return s.PutWithTTL(key, value, 0)
}

func (s *KVStore) PutWithTTL(key, value []byte, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.Set(key, encodeValue(value, expiryFor(s.now(), ttl)), pebble.Sync)
}

func (s *KVStore) Delete(key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.Delete(key, pebble.Sync)
}

// Recover closes the underlying database and reopens it from its directory
// so that the write-ahead log is replayed. Iterators still open are closed.
func (s *KVStore) Recover() error {
	return s.reopen(nil)
}

// reopen runs beforeOpen, if set, between closing and reopening the database.
func (s *KVStore) reopen(beforeOpen func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closeIterators()
	if err := s.db.Close(); err != nil {
		s.log.Error().Err(err).Msg("close before recovery")
	}
	if beforeOpen != nil {
		beforeOpen()
	}

	pdb, err := pebble.Open(s.dir, s.opts)
	if err != nil {
		// The store is unusable without a database.
		s.closed = true
		return fmt.Errorf("recover from wal: %w", err)
	}
	s.db = pdb
	s.log.Info().Msg("recovered from wal")
	return nil
}

func (s *KVStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.closeIterators()
	s.log.Info().Msg("store closed")
	return s.db.Close()
}

func (s *KVStore) closeIterators() {
	s.itersMu.Lock()
	iters := make([]*Iterator, 0, len(s.iters))
	for it := range s.iters {
		iters = append(iters, it)
	}
	s.itersMu.Unlock()

	for _, it := range iters {
		if err := it.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close leaked iterator")
		}
	}
}

var _ db.KVStore = (*KVStore)(nil)
