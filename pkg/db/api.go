package db

import "time"

// KVStore represents a key-value storage engine providing point operations,
// atomic batches, ordered iteration and maintenance triggers.
type KVStore interface {
	Writer
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	NewBatch() Batch
	// NewIterator returns an iterator over [start, end) pinned to the state of
	// the store at the time of the call. Nil bounds are open.
	NewIterator(start, end []byte) (Iterator, error)
	// Scan returns every live pair matching the predicate in ascending key order.
	Scan(p Predicate) ([]KeyValue, error)
	Flush() error
	Compact() error
	// Recover reopens the store from its directory, replaying the write-ahead log.
	Recover() error
	Close() error
}

type Writer interface {
	Put(key []byte, value []byte) error
	PutWithTTL(key []byte, value []byte, ttl time.Duration) error
}

// Batch represents an atomic batch of operations.
// All operations in a batch are performed atomically.
type Batch interface {
	Writer
	Delete(key []byte) error
	Commit() error
	Close() error
}

// Iterator provides bidirectional access over a range of key-value pairs.
// Iterators must be closed after use.
type Iterator interface {
	First() bool
	Last() bool
	Next() bool
	Prev() bool
	Key() []byte
	Value() ([]byte, error)
	Valid() bool
	Close() error
}

// KeyValue is a single entry returned by a scan or an iterator.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// OpCode identifies a buffered mutation.
type OpCode int32

const (
	OpPut OpCode = iota
	OpDelete
)

func (o OpCode) Valid() bool {
	return o == OpPut || o == OpDelete
}

func (o OpCode) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// Operation is one mutation applied by a batch.
type Operation struct {
	Op    OpCode
	Key   []byte
	Value []byte
}

// Apply writes the operations into b in order.
func Apply(b Batch, ops []Operation) error {
	for _, op := range ops {
		var err error
		switch op.Op {
		case OpPut:
			err = b.Put(op.Key, op.Value)
		case OpDelete:
			err = b.Delete(op.Key)
		default:
			return ErrUnknownOp
		}
		if err != nil {
			return err
		}
	}
	return nil
}
