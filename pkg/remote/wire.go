package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/pkg/db"
)

// MaxFrameSize bounds the payload of a single frame.
const MaxFrameSize = 64 << 20

var (
	ErrFrameTooLarge = errors.New("remote: frame exceeds maximum size")
	ErrChecksum      = errors.New("remote: frame checksum mismatch")
	ErrMalformed     = errors.New("remote: malformed message")
)

// opcode identifies a request. Every call of the C surface that does not
// release memory has one; the seven queries share opQuery.
type opcode uint8

const (
	opOpen opcode = iota + 1
	opClose
	opPut
	opGet
	opDelete
	opBegin
	opAddOperation
	opCommit
	opRollback
	opRemove
	opQuery
	opNewIterator
	opIterNext
	opIterPrev
	opIterReset
	opIterClose
	opEscalateFlush
	opEscalateCompaction
	opRecoverFromWAL
)

func (o opcode) String() string {
	switch o {
	case opOpen:
		return "open"
	case opClose:
		return "close"
	case opPut:
		return "put"
	case opGet:
		return "get"
	case opDelete:
		return "delete"
	case opBegin:
		return "begin"
	case opAddOperation:
		return "add_operation"
	case opCommit:
		return "commit"
	case opRollback:
		return "rollback"
	case opRemove:
		return "remove"
	case opQuery:
		return "query"
	case opNewIterator:
		return "new_iterator"
	case opIterNext:
		return "iter_next"
	case opIterPrev:
		return "iter_prev"
	case opIterReset:
		return "iter_reset"
	case opIterClose:
		return "iter_close"
	case opEscalateFlush:
		return "escalate_flush"
	case opEscalateCompaction:
		return "escalate_compaction"
	case opRecoverFromWAL:
		return "recover_from_wal"
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

const (
	flagLogging  = 1 << 0
	flagCompress = 1 << 1
)

// WriteFrame writes payload as natural length, payload, blake2b-256 checksum.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	sum := blake2b.Sum256(payload)
	frame := appendNatural(make([]byte, 0, 9+len(payload)+len(sum)), uint64(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, sum[:]...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame and verifies its checksum.
func ReadFrame(r io.Reader) ([]byte, error) {
	size, err := readNatural(r)
	if err != nil {
		return nil, fmt.Errorf("read frame size: %w", err)
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, size+blake2b.Size256)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	payload, sum := buf[:size], buf[size:]
	expected := blake2b.Sum256(payload)
	if !bytes.Equal(sum, expected[:]) {
		return nil, ErrChecksum
	}
	return payload, nil
}

type encoder struct {
	buf []byte
}

func newRequest(op opcode) *encoder {
	return &encoder{buf: []byte{byte(op)}}
}

func newResponse(st bridge.Status) *encoder {
	return &encoder{buf: []byte{byte(st)}}
}

func (e *encoder) byte(b byte) *encoder {
	e.buf = append(e.buf, b)
	return e
}

func (e *encoder) natural(x uint64) *encoder {
	e.buf = appendNatural(e.buf, x)
	return e
}

// int encodes a signed value through its two's complement bit pattern.
func (e *encoder) int(x int64) *encoder {
	return e.natural(uint64(x))
}

func (e *encoder) bytes(p []byte) *encoder {
	e.buf = appendNatural(e.buf, uint64(len(p)))
	e.buf = append(e.buf, p...)
	return e
}

func (e *encoder) pairs(kvs []db.KeyValue) *encoder {
	e.natural(uint64(len(kvs)))
	for _, kv := range kvs {
		e.bytes(kv.Key).bytes(kv.Value)
	}
	return e
}

// decoder reads fields in order. The first failure sticks and every later
// read returns a zero value.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrMalformed
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || len(d.buf) == 0 {
		d.fail()
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) natural() uint64 {
	if d.err != nil {
		return 0
	}
	x, n, err := decodeNatural(d.buf)
	if err != nil {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return x
}

func (d *decoder) int() int64 {
	return int64(d.natural())
}

// bytes returns a copy so the result outlives the frame.
func (d *decoder) bytes() []byte {
	n := d.natural()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.fail()
		return nil
	}
	p := make([]byte, n)
	copy(p, d.buf[:n])
	d.buf = d.buf[n:]
	return p
}

func (d *decoder) pairs() []db.KeyValue {
	n := d.natural()
	// Each pair takes at least two bytes.
	if d.err != nil || n > uint64(len(d.buf)/2) {
		d.fail()
		return nil
	}
	kvs := make([]db.KeyValue, 0, n)
	for i := uint64(0); i < n; i++ {
		kvs = append(kvs, db.KeyValue{Key: d.bytes(), Value: d.bytes()})
	}
	return kvs
}

// finish reports the first decode failure or unread trailing bytes.
func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.err = ErrMalformed
	}
	return d.err
}
