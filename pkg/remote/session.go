package remote

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/internal/handle"
)

// session tracks the handles opened over one connection. A connection may
// only use handles it owns, and whatever it still owns when it goes away is
// released on its behalf.
type session struct {
	bridge *bridge.Bridge
	log    zerolog.Logger

	mu    sync.Mutex
	dbs   map[handle.Handle]struct{}
	txns  map[handle.Handle]sessionTxn
	iters map[handle.Handle]handle.Handle // iterator -> database
}

// sessionTxn is a transaction owned by a session. Finished transactions stay
// owned so that later calls report their terminal state.
type sessionTxn struct {
	db       handle.Handle
	finished bool
}

func newSession(b *bridge.Bridge, log zerolog.Logger) *session {
	return &session{
		bridge: b,
		log:    log,
		dbs:    make(map[handle.Handle]struct{}),
		txns:   make(map[handle.Handle]sessionTxn),
		iters:  make(map[handle.Handle]handle.Handle),
	}
}

func (s *session) ownsDB(h handle.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dbs[h]
	return ok
}

func (s *session) ownsTxn(dbh, th handle.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[th]
	return ok && t.db == dbh
}

func (s *session) ownsIter(ih handle.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.iters[ih]
	return ok
}

func (s *session) addDB(h handle.Handle) {
	s.mu.Lock()
	s.dbs[h] = struct{}{}
	s.mu.Unlock()
}

// addTxn records a new transaction and forgets finished ones whose handles
// no longer report their terminal state.
func (s *session) addTxn(dbh, th handle.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, t := range s.txns {
		if t.finished && !s.bridge.Finished(h) {
			delete(s.txns, h)
		}
	}
	s.txns[th] = sessionTxn{db: dbh}
}

func (s *session) addIter(dbh, ih handle.Handle) {
	s.mu.Lock()
	s.iters[ih] = dbh
	s.mu.Unlock()
}

func (s *session) finishTxn(th handle.Handle) {
	s.mu.Lock()
	if t, ok := s.txns[th]; ok {
		t.finished = true
		s.txns[th] = t
	}
	s.mu.Unlock()
}

func (s *session) dropIter(ih handle.Handle) {
	s.mu.Lock()
	delete(s.iters, ih)
	s.mu.Unlock()
}

// dropDB forgets a closed database together with the children the bridge
// retired along with it.
func (s *session) dropDB(h handle.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dbs, h)
	for th, t := range s.txns {
		if t.db == h {
			delete(s.txns, th)
		}
	}
	for ih, parent := range s.iters {
		if parent == h {
			delete(s.iters, ih)
		}
	}
}

// release closes iterators, then removes transactions, then closes
// databases still owned by the session.
func (s *session) release() {
	s.mu.Lock()
	iters, txns, dbs := s.iters, s.txns, s.dbs
	s.iters = make(map[handle.Handle]handle.Handle)
	s.txns = make(map[handle.Handle]sessionTxn)
	s.dbs = make(map[handle.Handle]struct{})
	s.mu.Unlock()

	for ih := range iters {
		if err := s.bridge.CloseIterator(ih); err != nil {
			s.log.Debug().Err(err).Stringer("iterator", ih).Msg("release iterator")
		}
	}
	active := 0
	for th, t := range txns {
		if t.finished {
			continue
		}
		active++
		if err := s.bridge.Remove(t.db, th); err != nil {
			s.log.Debug().Err(err).Stringer("txn", th).Msg("release transaction")
		}
	}
	for dbh := range dbs {
		if err := s.bridge.Close(dbh); err != nil {
			s.log.Warn().Err(err).Stringer("db", dbh).Msg("release database")
		}
	}
	if n := len(iters) + active + len(dbs); n > 0 {
		s.log.Info().Int("handles", n).Msg("released session handles")
	}
}
