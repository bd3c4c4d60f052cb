package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/network/cert"
	"github.com/eigerco/kvbridge/pkg/network/transport"
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

// Client is a connection to a Server.
type Client struct {
	transport *transport.Transport
	conn      *transport.Conn
}

type dialer struct{}

func (dialer) OnConnection(*transport.Conn) error { return nil }

func (dialer) GetProtocols() []string {
	return []string{transport.NewProtocolID().String()}
}

func (dialer) ValidateConnection(state tls.ConnectionState) error {
	return transport.ValidateALPNProtocol(state.NegotiatedProtocol)
}

// Dial connects to the server at addr with a freshly generated identity.
func Dial(ctx context.Context, addr string) (*Client, error) {
	tlsCert, err := cert.NewIdentity(cert.DefaultValidity)
	if err != nil {
		return nil, err
	}
	tr, err := transport.NewTransport(transport.Config{
		TLSCert:       tlsCert,
		CertValidator: cert.NewValidator(),
		Handler:       dialer{},
	})
	if err != nil {
		return nil, err
	}
	conn, err := tr.Connect(ctx, addr)
	if err != nil {
		return nil, errors.Join(err, tr.Stop())
	}
	return &Client{transport: tr, conn: conn}, nil
}

// Close drops the connection. The server releases every handle still open
// on it.
func (c *Client) Close() error {
	return c.transport.Stop()
}

// call sends req on a fresh stream and returns a decoder over the fields of
// a successful response.
func (c *Client) call(ctx context.Context, req *encoder) (*decoder, error) {
	op := opcode(req.buf[0])
	stream, err := c.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer stream.CancelRead(0)

	if err := WriteFrame(stream, req.buf); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	payload, err := ReadFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	d := &decoder{buf: payload}
	st := bridge.Status(d.byte())
	if st == bridge.StatusOK {
		return d, nil
	}
	msg := d.bytes()
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return nil, fmt.Errorf("%s: %s: %w", op, msg, st.Err())
}

// exec performs a call whose response carries no fields.
func (c *Client) exec(ctx context.Context, req *encoder) error {
	d, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	return d.finish()
}

// Options are passed to open.
type Options struct {
	FlushThreshold     int
	CompactionInterval int
	Logging            bool
	Compress           bool
}

func (o Options) flags() byte {
	var f byte
	if o.Logging {
		f |= flagLogging
	}
	if o.Compress {
		f |= flagCompress
	}
	return f
}

// Open opens the database rooted at dir on the server.
func (c *Client) Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	d, err := c.call(ctx, newRequest(opOpen).
		bytes([]byte(dir)).
		int(int64(opts.FlushThreshold)).
		int(int64(opts.CompactionInterval)).
		byte(opts.flags()))
	if err != nil {
		return nil, err
	}
	h := d.natural()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &DB{c: c, h: h}, nil
}

// DB is a database opened over a Client.
type DB struct {
	c *Client
	h uint64
}

func (d *DB) Close(ctx context.Context) error {
	return d.c.exec(ctx, newRequest(opClose).natural(d.h))
}

// Put stores value under key. A ttl of zero never expires; anything else is
// rounded up to whole seconds.
func (d *DB) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	return d.c.exec(ctx, newRequest(opPut).natural(d.h).bytes(key).bytes(value).int(ttlSeconds(ttl)))
}

// Get returns the value stored under key or an error wrapping ErrNotFound.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	r, err := d.c.call(ctx, newRequest(opGet).natural(d.h).bytes(key))
	if err != nil {
		return nil, err
	}
	value := r.bytes()
	return value, r.finish()
}

func (d *DB) Delete(ctx context.Context, key []byte) error {
	return d.c.exec(ctx, newRequest(opDelete).natural(d.h).bytes(key))
}

func (d *DB) query(ctx context.Context, cmp db.Comparison, key, end []byte) ([]db.KeyValue, error) {
	r, err := d.c.call(ctx, newRequest(opQuery).natural(d.h).byte(byte(cmp)).bytes(key).bytes(end))
	if err != nil {
		return nil, err
	}
	kvs := r.pairs()
	return kvs, r.finish()
}

func (d *DB) GreaterThan(ctx context.Context, key []byte) ([]db.KeyValue, error) {
	return d.query(ctx, db.GreaterThan, key, nil)
}

func (d *DB) GreaterThanEq(ctx context.Context, key []byte) ([]db.KeyValue, error) {
	return d.query(ctx, db.GreaterThanEq, key, nil)
}

func (d *DB) LessThan(ctx context.Context, key []byte) ([]db.KeyValue, error) {
	return d.query(ctx, db.LessThan, key, nil)
}

func (d *DB) LessThanEq(ctx context.Context, key []byte) ([]db.KeyValue, error) {
	return d.query(ctx, db.LessThanEq, key, nil)
}

func (d *DB) NotEqual(ctx context.Context, key []byte) ([]db.KeyValue, error) {
	return d.query(ctx, db.NotEqual, key, nil)
}

// Range returns the pairs with start <= key < end.
func (d *DB) Range(ctx context.Context, start, end []byte) ([]db.KeyValue, error) {
	return d.query(ctx, db.InRange, start, end)
}

// NotInRange returns the pairs with key < start or key >= end.
func (d *DB) NotInRange(ctx context.Context, start, end []byte) ([]db.KeyValue, error) {
	return d.query(ctx, db.NotInRange, start, end)
}

func (d *DB) EscalateFlush(ctx context.Context) error {
	return d.c.exec(ctx, newRequest(opEscalateFlush).natural(d.h))
}

func (d *DB) EscalateCompaction(ctx context.Context) error {
	return d.c.exec(ctx, newRequest(opEscalateCompaction).natural(d.h))
}

func (d *DB) RecoverFromWAL(ctx context.Context) error {
	return d.c.exec(ctx, newRequest(opRecoverFromWAL).natural(d.h))
}

func (d *DB) Begin(ctx context.Context) (*Txn, error) {
	r, err := d.c.call(ctx, newRequest(opBegin).natural(d.h))
	if err != nil {
		return nil, err
	}
	h := r.natural()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return &Txn{db: d, h: h}, nil
}

// Update runs fn in a transaction. The transaction commits when fn returns
// nil and rolls back otherwise, including when fn panics.
func (d *DB) Update(ctx context.Context, fn func(*Txn) error) error {
	txn, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(txn); err != nil {
		return errors.Join(err, txn.Rollback(ctx))
	}
	if err := txn.Commit(ctx); err != nil {
		return errors.Join(err, txn.Rollback(ctx))
	}
	return nil
}

func (d *DB) NewIterator(ctx context.Context) (*Iterator, error) {
	r, err := d.c.call(ctx, newRequest(opNewIterator).natural(d.h))
	if err != nil {
		return nil, err
	}
	h := r.natural()
	if err := r.finish(); err != nil {
		return nil, err
	}
	return &Iterator{db: d, h: h}, nil
}

// Scan runs fn with a fresh iterator and closes it afterwards.
func (d *DB) Scan(ctx context.Context, fn func(*Iterator) error) error {
	it, err := d.NewIterator(ctx)
	if err != nil {
		return err
	}
	defer it.Close(ctx) //nolint:errcheck // the server releases it with the connection otherwise
	return fn(it)
}

// Txn buffers operations on the server until Commit.
type Txn struct {
	db *DB
	h  uint64
}

func (t *Txn) add(ctx context.Context, op db.OpCode, key, value []byte) error {
	return t.db.c.exec(ctx, newRequest(opAddOperation).
		natural(t.db.h).natural(t.h).int(int64(op)).bytes(key).bytes(value))
}

func (t *Txn) Put(ctx context.Context, key, value []byte) error {
	return t.add(ctx, db.OpPut, key, value)
}

func (t *Txn) Delete(ctx context.Context, key []byte) error {
	return t.add(ctx, db.OpDelete, key, nil)
}

func (t *Txn) Commit(ctx context.Context) error {
	return t.db.c.exec(ctx, newRequest(opCommit).natural(t.db.h).natural(t.h))
}

func (t *Txn) Rollback(ctx context.Context) error {
	return t.db.c.exec(ctx, newRequest(opRollback).natural(t.db.h).natural(t.h))
}

// Remove abandons the transaction without applying it.
func (t *Txn) Remove(ctx context.Context) error {
	return t.db.c.exec(ctx, newRequest(opRemove).natural(t.db.h).natural(t.h))
}

// Iterator walks a point-in-time view of a remote database.
type Iterator struct {
	db *DB
	h  uint64
}

// Next returns the next pair in ascending order, or an error wrapping ErrEnd.
func (it *Iterator) Next(ctx context.Context) (key, value []byte, err error) {
	return it.step(ctx, opIterNext)
}

// Prev returns the previous pair, or an error wrapping ErrEnd.
func (it *Iterator) Prev(ctx context.Context) (key, value []byte, err error) {
	return it.step(ctx, opIterPrev)
}

func (it *Iterator) step(ctx context.Context, op opcode) ([]byte, []byte, error) {
	r, err := it.db.c.call(ctx, newRequest(op).natural(it.h))
	if err != nil {
		return nil, nil, err
	}
	key, value := r.bytes(), r.bytes()
	if err := r.finish(); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

func (it *Iterator) Reset(ctx context.Context) error {
	return it.db.c.exec(ctx, newRequest(opIterReset).natural(it.h))
}

func (it *Iterator) Close(ctx context.Context) error {
	return it.db.c.exec(ctx, newRequest(opIterClose).natural(it.h))
}

// ttlSeconds rounds a positive ttl up to whole seconds.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}
