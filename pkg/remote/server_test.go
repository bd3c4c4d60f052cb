package remote

import (
	"bytes"
	"io"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/pkg/db"
)

func newTestServer(t *testing.T) (*Server, *bridge.Bridge) {
	t.Helper()
	b := bridge.New(bridge.WithFS(vfs.NewMem()))
	t.Cleanup(b.CloseAll)
	return &Server{bridge: b, log: zerolog.Nop()}, b
}

func newTestSession(s *Server) *session {
	return newSession(s.bridge, zerolog.Nop())
}

// roundTrip pushes req through serveStream the way a QUIC stream would.
func roundTrip(t *testing.T, s *Server, sess *session, req *encoder) (bridge.Status, *decoder) {
	t.Helper()
	var in, out bytes.Buffer
	require.NoError(t, WriteFrame(&in, req.buf))
	rw := struct {
		io.Reader
		io.Writer
	}{&in, &out}
	require.NoError(t, s.serveStream(sess, rw))

	payload, err := ReadFrame(&out)
	require.NoError(t, err)
	d := &decoder{buf: payload}
	return bridge.Status(d.byte()), d
}

func mustOK(t *testing.T, s *Server, sess *session, req *encoder) *decoder {
	t.Helper()
	st, d := roundTrip(t, s, sess, req)
	if st != bridge.StatusOK {
		require.Failf(t, "request failed", "%s: %s", st, d.bytes())
	}
	return d
}

func expectStatus(t *testing.T, s *Server, sess *session, req *encoder, expected bridge.Status) {
	t.Helper()
	st, d := roundTrip(t, s, sess, req)
	require.Equal(t, expected, st)
	assert.NotEmpty(t, d.bytes())
	assert.NoError(t, d.finish())
}

func openRemote(t *testing.T, s *Server, sess *session, dir string) uint64 {
	t.Helper()
	d := mustOK(t, s, sess, newRequest(opOpen).bytes([]byte(dir)).int(0).int(0).byte(0))
	h := d.natural()
	require.NoError(t, d.finish())
	return h
}

func TestDispatchScenario(t *testing.T) {
	s, _ := newTestServer(t)
	sess := newTestSession(s)
	h := openRemote(t, s, sess, "scenario")

	mustOK(t, s, sess, newRequest(opPut).natural(h).bytes([]byte("a")).bytes([]byte("1")).int(0))
	mustOK(t, s, sess, newRequest(opPut).natural(h).bytes([]byte("b")).bytes([]byte("2")).int(0))

	d := mustOK(t, s, sess, newRequest(opGet).natural(h).bytes([]byte("a")))
	assert.Equal(t, []byte("1"), d.bytes())
	require.NoError(t, d.finish())

	mustOK(t, s, sess, newRequest(opDelete).natural(h).bytes([]byte("a")))
	expectStatus(t, s, sess, newRequest(opGet).natural(h).bytes([]byte("a")), bridge.StatusNotFound)

	d = mustOK(t, s, sess, newRequest(opQuery).natural(h).byte(byte(db.InRange)).bytes([]byte("a")).bytes([]byte("c")))
	assert.Equal(t, []db.KeyValue{{Key: []byte("b"), Value: []byte("2")}}, d.pairs())
	require.NoError(t, d.finish())

	d = mustOK(t, s, sess, newRequest(opQuery).natural(h).byte(byte(db.GreaterThan)).bytes([]byte("z")).bytes(nil))
	assert.Empty(t, d.pairs())
	require.NoError(t, d.finish())

	mustOK(t, s, sess, newRequest(opClose).natural(h))
	expectStatus(t, s, sess, newRequest(opClose).natural(h), bridge.StatusInvalidHandle)
}

func TestDispatchOwnership(t *testing.T) {
	s, _ := newTestServer(t)
	owner, other := newTestSession(s), newTestSession(s)
	h := openRemote(t, s, owner, "owned")

	d := mustOK(t, s, owner, newRequest(opBegin).natural(h))
	txn := d.natural()
	d = mustOK(t, s, owner, newRequest(opNewIterator).natural(h))
	it := d.natural()

	tests := []struct {
		name string
		req  *encoder
	}{
		{"put", newRequest(opPut).natural(h).bytes([]byte("k")).bytes([]byte("v")).int(0)},
		{"close", newRequest(opClose).natural(h)},
		{"commit", newRequest(opCommit).natural(h).natural(txn)},
		{"iter_next", newRequest(opIterNext).natural(it)},
		{"iter_close", newRequest(opIterClose).natural(it)},
		{"recover_from_wal", newRequest(opRecoverFromWAL).natural(h)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, s, other, tc.req, bridge.StatusInvalidHandle)
		})
	}

	// The directory is taken by the first session.
	expectStatus(t, s, other, newRequest(opOpen).bytes([]byte("owned")).int(0).int(0).byte(0), bridge.StatusInvalidState)

	// A transaction must be paired with its own database.
	h2 := openRemote(t, s, owner, "second")
	expectStatus(t, s, owner, newRequest(opCommit).natural(h2).natural(txn), bridge.StatusInvalidHandle)
}

func TestDispatchInvalidArguments(t *testing.T) {
	s, _ := newTestServer(t)
	sess := newTestSession(s)
	h := openRemote(t, s, sess, "args")

	tests := []struct {
		name string
		req  *encoder
	}{
		{"empty_request", &encoder{}},
		{"unknown_opcode", &encoder{buf: []byte{200}}},
		{"trailing_bytes", newRequest(opClose).natural(h).byte(0)},
		{"truncated", newRequest(opPut).natural(h).bytes([]byte("k"))},
		{"unknown_comparison", newRequest(opQuery).natural(h).byte(42).bytes([]byte("a")).bytes(nil)},
		{"reversed_range", newRequest(opQuery).natural(h).byte(byte(db.InRange)).bytes([]byte("z")).bytes([]byte("a"))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectStatus(t, s, sess, tc.req, bridge.StatusInvalidArgument)
		})
	}

	d := mustOK(t, s, sess, newRequest(opBegin).natural(h))
	txn := d.natural()
	expectStatus(t, s, sess,
		newRequest(opAddOperation).natural(h).natural(txn).int(9).bytes([]byte("k")).bytes(nil),
		bridge.StatusInvalidArgument)
}

func TestDispatchTransactionAndIterator(t *testing.T) {
	s, _ := newTestServer(t)
	sess := newTestSession(s)
	h := openRemote(t, s, sess, "txn")

	d := mustOK(t, s, sess, newRequest(opBegin).natural(h))
	txn := d.natural()
	mustOK(t, s, sess, newRequest(opAddOperation).natural(h).natural(txn).int(int64(db.OpPut)).bytes([]byte("a")).bytes([]byte("1")))
	mustOK(t, s, sess, newRequest(opAddOperation).natural(h).natural(txn).int(int64(db.OpPut)).bytes([]byte("b")).bytes([]byte("2")))
	expectStatus(t, s, sess, newRequest(opGet).natural(h).bytes([]byte("a")), bridge.StatusNotFound)
	mustOK(t, s, sess, newRequest(opCommit).natural(h).natural(txn))
	finished := []struct {
		name string
		req  *encoder
	}{
		{"commit", newRequest(opCommit).natural(h).natural(txn)},
		{"rollback", newRequest(opRollback).natural(h).natural(txn)},
		{"remove", newRequest(opRemove).natural(h).natural(txn)},
		{"add_operation", newRequest(opAddOperation).natural(h).natural(txn).int(int64(db.OpDelete)).bytes([]byte("a")).bytes(nil)},
	}
	for _, tc := range finished {
		t.Run("after_commit_"+tc.name, func(t *testing.T) {
			expectStatus(t, s, sess, tc.req, bridge.StatusInvalidState)
		})
	}

	d = mustOK(t, s, sess, newRequest(opNewIterator).natural(h))
	it := d.natural()

	step := func(op opcode) string {
		d := mustOK(t, s, sess, newRequest(op).natural(it))
		key := d.bytes()
		d.bytes()
		require.NoError(t, d.finish())
		return string(key)
	}
	assert.Equal(t, "a", step(opIterNext))
	assert.Equal(t, "b", step(opIterNext))
	expectStatus(t, s, sess, newRequest(opIterNext).natural(it), bridge.StatusEnd)
	assert.Equal(t, "b", step(opIterPrev))
	mustOK(t, s, sess, newRequest(opIterReset).natural(it))
	assert.Equal(t, "b", step(opIterPrev))

	mustOK(t, s, sess, newRequest(opEscalateFlush).natural(h))
	mustOK(t, s, sess, newRequest(opEscalateCompaction).natural(h))
	mustOK(t, s, sess, newRequest(opIterClose).natural(it))
	expectStatus(t, s, sess, newRequest(opIterNext).natural(it), bridge.StatusInvalidHandle)
}

func TestSessionRelease(t *testing.T) {
	s, b := newTestServer(t)
	sess := newTestSession(s)
	h := openRemote(t, s, sess, "release")
	d := mustOK(t, s, sess, newRequest(opBegin).natural(h))
	mustOK(t, s, sess, newRequest(opCommit).natural(h).natural(d.natural()))
	mustOK(t, s, sess, newRequest(opBegin).natural(h))
	mustOK(t, s, sess, newRequest(opNewIterator).natural(h))
	openRemote(t, s, sess, "release-2")
	require.Equal(t, bridge.Stats{Databases: 2, Transactions: 1, Iterators: 1}, b.Stats())

	sess.release()
	assert.Equal(t, bridge.Stats{}, b.Stats())

	// The directory can be opened again once released.
	_, err := b.Open("release", bridge.Options{})
	assert.NoError(t, err)
}

func TestSessionDropDB(t *testing.T) {
	s, _ := newTestServer(t)
	sess := newTestSession(s)
	h := openRemote(t, s, sess, "drop")
	d := mustOK(t, s, sess, newRequest(opBegin).natural(h))
	txn := handle.Handle(d.natural())
	d = mustOK(t, s, sess, newRequest(opNewIterator).natural(h))
	it := handle.Handle(d.natural())

	mustOK(t, s, sess, newRequest(opClose).natural(h))
	assert.False(t, sess.ownsDB(handle.Handle(h)))
	assert.False(t, sess.ownsTxn(handle.Handle(h), txn))
	assert.False(t, sess.ownsIter(it))
}

func TestDispatchRecoversPanic(t *testing.T) {
	s := &Server{log: zerolog.Nop()}
	sess := newSession(nil, zerolog.Nop())
	expectStatus(t, s, sess, newRequest(opOpen).bytes([]byte("dir")).int(0).int(0).byte(0), bridge.StatusIOError)
}

func TestSessionForgetsReusedTransactions(t *testing.T) {
	s, b := newTestServer(t)
	sess := newTestSession(s)
	h := openRemote(t, s, sess, "reuse")

	d := mustOK(t, s, sess, newRequest(opBegin).natural(h))
	first := d.natural()
	mustOK(t, s, sess, newRequest(opRollback).natural(h).natural(first))
	expectStatus(t, s, sess, newRequest(opCommit).natural(h).natural(first), bridge.StatusInvalidState)
	assert.True(t, b.Finished(handle.Handle(first)))

	// The next transaction takes over the freed slot.
	d = mustOK(t, s, sess, newRequest(opBegin).natural(h))
	second := d.natural()
	assert.Equal(t, handle.Handle(first).Slot(), handle.Handle(second).Slot())
	assert.False(t, b.Finished(handle.Handle(first)))

	sess.mu.Lock()
	assert.Len(t, sess.txns, 1)
	sess.mu.Unlock()
	expectStatus(t, s, sess, newRequest(opCommit).natural(h).natural(first), bridge.StatusInvalidHandle)

	mustOK(t, s, sess, newRequest(opCommit).natural(h).natural(second))
	sess.release()
	assert.Equal(t, bridge.Stats{}, b.Stats())
}
