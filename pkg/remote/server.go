// Package remote serves the boundary protocol over QUIC. Each request travels
// on its own bidirectional stream as one checksummed frame and is answered
// with one frame carrying a status byte and the results.
package remote

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/network/cert"
	"github.com/eigerco/kvbridge/pkg/network/transport"
)

var errNotOwned = fmt.Errorf("%w: handle not opened on this connection", bridge.ErrInvalidHandle)

// Server exposes a bridge to remote clients.
type Server struct {
	bridge    *bridge.Bridge
	transport *transport.Transport
	log       zerolog.Logger

	wg sync.WaitGroup
}

// NewServer prepares a server for b listening on listenAddr. A nil tlsCert
// generates a fresh identity.
func NewServer(b *bridge.Bridge, tlsCert *tls.Certificate, listenAddr string) (*Server, error) {
	if tlsCert == nil {
		var err error
		if tlsCert, err = cert.NewIdentity(cert.DefaultValidity); err != nil {
			return nil, err
		}
	}
	s := &Server{bridge: b, log: log.Network.With().Str("role", "server").Logger()}
	tr, err := transport.NewTransport(transport.Config{
		TLSCert:       tlsCert,
		ListenAddr:    listenAddr,
		CertValidator: cert.NewValidator(),
		Handler:       s,
	})
	if err != nil {
		return nil, err
	}
	s.transport = tr
	return s, nil
}

func (s *Server) Start() error {
	return s.transport.Start()
}

func (s *Server) Addr() (net.Addr, error) {
	return s.transport.Addr()
}

// Stop closes every connection and waits until their handles are released.
func (s *Server) Stop() error {
	err := s.transport.Stop()
	s.wg.Wait()
	return err
}

// OnConnection starts serving conn. Its handles are released once it closes.
func (s *Server) OnConnection(conn *transport.Conn) error {
	sess := newSession(s.bridge, s.log)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn(conn, sess)
	}()
	return nil
}

func (s *Server) GetProtocols() []string {
	return []string{transport.NewProtocolID().String()}
}

func (s *Server) ValidateConnection(state tls.ConnectionState) error {
	return transport.ValidateALPNProtocol(state.NegotiatedProtocol)
}

func (s *Server) serveConn(conn *transport.Conn, sess *session) {
	err := conn.ServeStreams(func(stream quic.Stream) {
		if err := s.serveStream(sess, stream); err != nil {
			s.log.Warn().Err(err).Msg("serve stream")
		}
	})
	s.log.Debug().Err(err).Msg("connection finished")
	sess.release()
}

// serveStream answers the single request carried by rw.
func (s *Server) serveStream(sess *session, rw io.ReadWriter) error {
	req, err := ReadFrame(rw)
	if err != nil {
		return err
	}
	return WriteFrame(rw, s.dispatch(sess, req))
}

// dispatch executes one request and encodes its response. A panic is
// answered with StatusIOError.
func (s *Server) dispatch(sess *session, req []byte) (resp []byte) {
	op := opcode(0)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Stringer("op", op).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in request")
			resp = s.failure(op, fmt.Errorf("%w: panic: %v", bridge.ErrIO, r))
		}
	}()

	d := &decoder{buf: req}
	op = opcode(d.byte())
	out, err := s.call(sess, op, d)
	if err != nil {
		return s.failure(op, err)
	}
	return out.buf
}

func (s *Server) failure(op opcode, err error) []byte {
	st := bridge.StatusOf(err)
	if st == bridge.StatusIOError {
		s.log.Warn().Stringer("op", op).Err(err).Msg("engine failure")
	}
	return newResponse(st).bytes([]byte(err.Error())).buf
}

func malformed(d *decoder) error {
	if err := d.finish(); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrInvalidArgument, err)
	}
	return nil
}

func ok() *encoder {
	return newResponse(bridge.StatusOK)
}

func (s *Server) call(sess *session, op opcode, d *decoder) (*encoder, error) {
	switch op {
	case opOpen:
		dir := d.bytes()
		flush, compaction := d.int(), d.int()
		flags := d.byte()
		if err := malformed(d); err != nil {
			return nil, err
		}
		h, err := s.bridge.Open(string(dir), bridge.Options{
			FlushThreshold:     int(flush),
			CompactionInterval: int(compaction),
			Logging:            flags&flagLogging != 0,
			Compress:           flags&flagCompress != 0,
		})
		if err != nil {
			return nil, err
		}
		sess.addDB(h)
		return ok().natural(uint64(h)), nil

	case opClose:
		h, err := s.ownedDB(sess, d)
		if err != nil {
			return nil, err
		}
		if err := s.bridge.Close(h); err != nil {
			return nil, err
		}
		sess.dropDB(h)
		return ok(), nil

	case opPut:
		h := handle.Handle(d.natural())
		key, value, ttl := d.bytes(), d.bytes(), d.int()
		if err := s.checkDB(sess, h, d); err != nil {
			return nil, err
		}
		return ok(), s.bridge.Put(h, key, value, bridge.TTL(ttl))

	case opGet:
		h := handle.Handle(d.natural())
		key := d.bytes()
		if err := s.checkDB(sess, h, d); err != nil {
			return nil, err
		}
		value, err := s.bridge.Get(h, key)
		if err != nil {
			return nil, err
		}
		return ok().bytes(value), nil

	case opDelete:
		h := handle.Handle(d.natural())
		key := d.bytes()
		if err := s.checkDB(sess, h, d); err != nil {
			return nil, err
		}
		return ok(), s.bridge.Delete(h, key)

	case opBegin:
		h, err := s.ownedDB(sess, d)
		if err != nil {
			return nil, err
		}
		th, err := s.bridge.Begin(h)
		if err != nil {
			return nil, err
		}
		sess.addTxn(h, th)
		return ok().natural(uint64(th)), nil

	case opAddOperation:
		h, th := handle.Handle(d.natural()), handle.Handle(d.natural())
		code := db.OpCode(d.int())
		key, value := d.bytes(), d.bytes()
		if err := s.checkTxn(sess, h, th, d); err != nil {
			return nil, err
		}
		return ok(), s.bridge.AddOperation(h, th, code, key, value)

	case opCommit, opRollback, opRemove:
		h, th := handle.Handle(d.natural()), handle.Handle(d.natural())
		if err := s.checkTxn(sess, h, th, d); err != nil {
			return nil, err
		}
		var err error
		switch op {
		case opCommit:
			err = s.bridge.Commit(h, th)
		case opRollback:
			err = s.bridge.Rollback(h, th)
		default:
			err = s.bridge.Remove(h, th)
		}
		// A failed commit leaves the transaction active.
		if err == nil {
			sess.finishTxn(th)
		}
		return ok(), err

	case opQuery:
		h := handle.Handle(d.natural())
		p := db.Predicate{Cmp: db.Comparison(d.byte()), Key: d.bytes(), End: d.bytes()}
		if err := s.checkDB(sess, h, d); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", bridge.ErrInvalidArgument, err)
		}
		kvs, err := s.bridge.Query(h, p)
		if err != nil {
			return nil, err
		}
		return ok().pairs(kvs), nil

	case opNewIterator:
		h, err := s.ownedDB(sess, d)
		if err != nil {
			return nil, err
		}
		ih, err := s.bridge.NewIterator(h)
		if err != nil {
			return nil, err
		}
		sess.addIter(h, ih)
		return ok().natural(uint64(ih)), nil

	case opIterNext, opIterPrev:
		ih, err := s.ownedIter(sess, d)
		if err != nil {
			return nil, err
		}
		move := s.bridge.Next
		if op == opIterPrev {
			move = s.bridge.Prev
		}
		kv, err := move(ih)
		if err != nil {
			return nil, err
		}
		return ok().bytes(kv.Key).bytes(kv.Value), nil

	case opIterReset:
		ih, err := s.ownedIter(sess, d)
		if err != nil {
			return nil, err
		}
		return ok(), s.bridge.Reset(ih)

	case opIterClose:
		ih, err := s.ownedIter(sess, d)
		if err != nil {
			return nil, err
		}
		if err := s.bridge.CloseIterator(ih); err != nil {
			return nil, err
		}
		sess.dropIter(ih)
		return ok(), nil

	case opEscalateFlush:
		h, err := s.ownedDB(sess, d)
		if err != nil {
			return nil, err
		}
		return ok(), s.bridge.EscalateFlush(h)

	case opEscalateCompaction:
		h, err := s.ownedDB(sess, d)
		if err != nil {
			return nil, err
		}
		return ok(), s.bridge.EscalateCompaction(h)

	case opRecoverFromWAL:
		h, err := s.ownedDB(sess, d)
		if err != nil {
			return nil, err
		}
		return ok(), s.bridge.RecoverFromWAL(h)
	}
	return nil, fmt.Errorf("%w: unknown opcode %d", bridge.ErrInvalidArgument, uint8(op))
}

// ownedDB decodes a request whose only field is a database handle.
func (s *Server) ownedDB(sess *session, d *decoder) (handle.Handle, error) {
	h := handle.Handle(d.natural())
	return h, s.checkDB(sess, h, d)
}

func (s *Server) ownedIter(sess *session, d *decoder) (handle.Handle, error) {
	ih := handle.Handle(d.natural())
	if err := malformed(d); err != nil {
		return 0, err
	}
	if !sess.ownsIter(ih) {
		return 0, errNotOwned
	}
	return ih, nil
}

func (s *Server) checkDB(sess *session, h handle.Handle, d *decoder) error {
	if err := malformed(d); err != nil {
		return err
	}
	if !sess.ownsDB(h) {
		return errNotOwned
	}
	return nil
}

func (s *Server) checkTxn(sess *session, h, th handle.Handle, d *decoder) error {
	if err := s.checkDB(sess, h, d); err != nil {
		return err
	}
	if !sess.ownsTxn(h, th) {
		return errNotOwned
	}
	return nil
}
