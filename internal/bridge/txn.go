package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/pkg/db"
)

type txnState uint8

const (
	txnActive txnState = iota
	txnCommitted
	txnRolledBack
	txnRemoved
)

func (s txnState) String() string {
	switch s {
	case txnActive:
		return "active"
	case txnCommitted:
		return "committed"
	case txnRolledBack:
		return "rolled back"
	case txnRemoved:
		return "removed"
	}
	return "unknown"
}

// transaction buffers operations privately until commit.
type transaction struct {
	db    handle.Handle
	epoch uint64
	ops   []db.Operation
	state txnState
	busy  atomic.Bool
}

// Begin starts an empty transaction on h.
func (b *Bridge) Begin(h handle.Handle) (handle.Handle, error) {
	var th handle.Handle
	err := b.withDB(h, func(d *database) error {
		th = b.txns.Insert(&transaction{db: h, epoch: d.epoch.Load()})
		d.adopt(d.txns, th)
		return nil
	})
	return th, err
}

// Finished reports whether th was committed, rolled back or removed and its
// handle has not been reused since.
func (b *Bridge) Finished(th handle.Handle) bool {
	_, err := b.txns.Resolve(th)
	return errors.Is(err, ErrInvalidState)
}

// acquireTxn resolves th under h and marks it busy. The caller must call
// t.busy.Store(false) when done.
func (b *Bridge) acquireTxn(h, th handle.Handle) (*transaction, error) {
	t, err := b.txns.Resolve(th)
	if errors.Is(err, ErrInvalidState) {
		// Retired by commit, rollback or remove.
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	if t.db != h {
		return nil, fmt.Errorf("%w: transaction %v does not belong to %v", ErrInvalidHandle, th, h)
	}
	if !t.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: transaction %v is in use", ErrInvalidState, th)
	}
	if t.state != txnActive {
		t.busy.Store(false)
		return nil, fmt.Errorf("%w: transaction %v is %s", ErrInvalidState, th, t.state)
	}
	return t, nil
}

// finish moves t to a terminal state and retires its handle.
func (b *Bridge) finish(d *database, th handle.Handle, t *transaction, state txnState) {
	t.state = state
	t.ops = nil
	_, _ = b.txns.Retire(th, fmt.Errorf("%w: transaction %v is %s", ErrInvalidState, th, state))
	d.disown(d.txns, th)
}

// AddOperation appends a copy of the operation to th.
func (b *Bridge) AddOperation(h, th handle.Handle, op db.OpCode, key, value []byte) error {
	return b.withDB(h, func(d *database) error {
		t, err := b.acquireTxn(h, th)
		if err != nil {
			return err
		}
		defer t.busy.Store(false)

		if !op.Valid() {
			return fmt.Errorf("%w: opcode %d", ErrInvalidArgument, op)
		}
		operation := db.Operation{Op: op, Key: append([]byte{}, key...)}
		if op == db.OpPut {
			operation.Value = append([]byte{}, value...)
		}
		t.ops = append(t.ops, operation)
		return nil
	})
}

// Commit applies every buffered operation of th as one synced batch. On
// failure nothing is applied and th stays active.
func (b *Bridge) Commit(h, th handle.Handle) error {
	return b.withDB(h, func(d *database) error {
		t, err := b.acquireTxn(h, th)
		if err != nil {
			return err
		}
		defer t.busy.Store(false)

		if t.epoch != d.epoch.Load() {
			return fmt.Errorf("%w: database %v recovered since transaction %v began",
				ErrTransactionConflict, h, th)
		}

		if len(t.ops) > 0 {
			batch := d.store.NewBatch()
			defer batch.Close() //nolint:errcheck // closing after commit only releases memory
			if err := db.Apply(batch, t.ops); err != nil {
				return engineErr("commit", err)
			}
			if err := batch.Commit(); err != nil {
				return engineErr("commit", err)
			}
		}

		b.log.Debug().Stringer("txn", th).Int("ops", len(t.ops)).Msg("transaction committed")
		b.finish(d, th, t, txnCommitted)
		return nil
	})
}

// Rollback discards th's buffered operations.
func (b *Bridge) Rollback(h, th handle.Handle) error {
	return b.discard(h, th, txnRolledBack)
}

// Remove abandons th without applying anything.
func (b *Bridge) Remove(h, th handle.Handle) error {
	return b.discard(h, th, txnRemoved)
}

func (b *Bridge) discard(h, th handle.Handle, state txnState) error {
	return b.withDB(h, func(d *database) error {
		t, err := b.acquireTxn(h, th)
		if err != nil {
			return err
		}
		defer t.busy.Store(false)

		b.finish(d, th, t, state)
		return nil
	})
}
