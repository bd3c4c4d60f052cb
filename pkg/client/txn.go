package client

import (
	"runtime"
	"unsafe"

	"github.com/eigerco/kvbridge/pkg/db"
)

// Txn buffers operations until Commit. Exactly one of Commit, Rollback or
// Remove must succeed to release it.
type Txn struct {
	db *DB
	h  uint64
}

func (d *DB) Begin() (*Txn, error) {
	var h uint64
	if err := check("begin", d.lib.begin(d.h, uintptr(unsafe.Pointer(&h)))); err != nil {
		return nil, err
	}
	return &Txn{db: d, h: h}, nil
}

func (t *Txn) add(op db.OpCode, key, value []byte) error {
	st := t.db.lib.addOperation(t.db.h, t.h, int32(op),
		slicePtr(key), uintptr(len(key)), slicePtr(value), uintptr(len(value)))
	runtime.KeepAlive(key)
	runtime.KeepAlive(value)
	return check("add_operation", st)
}

func (t *Txn) Put(key, value []byte) error {
	return t.add(db.OpPut, key, value)
}

func (t *Txn) Delete(key []byte) error {
	return t.add(db.OpDelete, key, nil)
}

func (t *Txn) Commit() error {
	return check("commit", t.db.lib.commit(t.db.h, t.h))
}

func (t *Txn) Rollback() error {
	return check("rollback", t.db.lib.rollback(t.db.h, t.h))
}

// Remove abandons the transaction without applying it.
func (t *Txn) Remove() error {
	return check("remove", t.db.lib.remove(t.db.h, t.h))
}
