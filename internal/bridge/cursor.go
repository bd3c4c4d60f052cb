package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/pkg/db"
)

type cursorState uint8

const (
	// cursorStart is BeforeFirst as created or reset: prev starts from the
	// last key instead of answering End.
	cursorStart cursorState = iota
	cursorBeforeFirst
	cursorPositioned
	cursorAfterLast
)

// cursor walks a point-in-time view of one database.
type cursor struct {
	d     *database
	it    db.Iterator
	state cursorState
	busy  atomic.Bool
}

func (c *cursor) release() {
	_ = c.it.Close()
}

// NewIterator opens a cursor over the whole key space of h as it is now.
func (b *Bridge) NewIterator(h handle.Handle) (handle.Handle, error) {
	var ih handle.Handle
	err := b.withDB(h, func(d *database) error {
		it, err := d.store.NewIterator(nil, nil)
		if err != nil {
			return engineErr("new iterator", err)
		}
		ih = b.iters.Insert(&cursor{d: d, it: it})
		d.adopt(d.iters, ih)
		return nil
	})
	return ih, err
}

// withCursor runs fn with ih marked busy and its database held shared.
func (b *Bridge) withCursor(ih handle.Handle, fn func(c *cursor) error) error {
	c, err := b.iters.Resolve(ih)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}

	c.d.mu.RLock()
	defer c.d.mu.RUnlock()
	// Close or recovery may have released ih while we waited.
	if _, err := b.iters.Resolve(ih); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: iterator %v is in use", ErrInvalidState, ih)
	}
	defer c.busy.Store(false)
	return fn(c)
}

// StepFunc receives the entry a cursor step landed on, or ErrEnd, while the
// iterator is still held busy. Its result is returned from the step.
type StepFunc func(kv db.KeyValue, err error) error

// Next advances ih and returns the entry it lands on, or ErrEnd.
func (b *Bridge) Next(ih handle.Handle) (db.KeyValue, error) {
	return b.step(ih, (*cursor).next, nil)
}

// Prev moves ih back and returns the entry it lands on, or ErrEnd.
func (b *Bridge) Prev(ih handle.Handle) (db.KeyValue, error) {
	return b.step(ih, (*cursor).prev, nil)
}

// NextFunc advances ih and hands the outcome to fn before releasing ih.
func (b *Bridge) NextFunc(ih handle.Handle, fn StepFunc) error {
	_, err := b.step(ih, (*cursor).next, fn)
	return err
}

// PrevFunc moves ih back and hands the outcome to fn before releasing ih.
func (b *Bridge) PrevFunc(ih handle.Handle, fn StepFunc) error {
	_, err := b.step(ih, (*cursor).prev, fn)
	return err
}

func (b *Bridge) step(ih handle.Handle, move func(*cursor, *db.KeyValue) error, fn StepFunc) (db.KeyValue, error) {
	var kv db.KeyValue
	err := b.withCursor(ih, func(c *cursor) error {
		err := move(c, &kv)
		if fn != nil && (err == nil || errors.Is(err, ErrEnd)) {
			return fn(kv, err)
		}
		return err
	})
	return kv, err
}

func (c *cursor) next(kv *db.KeyValue) error {
	var ok bool
	switch c.state {
	case cursorStart, cursorBeforeFirst:
		ok = c.it.First()
	case cursorPositioned:
		ok = c.it.Next()
	case cursorAfterLast:
		return ErrEnd
	}
	if !ok {
		c.state = cursorAfterLast
		return ErrEnd
	}
	return c.current(kv)
}

func (c *cursor) prev(kv *db.KeyValue) error {
	var ok bool
	switch c.state {
	case cursorStart, cursorAfterLast:
		ok = c.it.Last()
	case cursorPositioned:
		ok = c.it.Prev()
	case cursorBeforeFirst:
		return ErrEnd
	}
	if !ok {
		c.state = cursorBeforeFirst
		return ErrEnd
	}
	return c.current(kv)
}

func (c *cursor) current(kv *db.KeyValue) error {
	value, err := c.it.Value()
	if err != nil {
		return engineErr("iterator value", err)
	}
	c.state = cursorPositioned
	kv.Key = c.it.Key()
	kv.Value = value
	return nil
}

// Reset returns ih to its initial position.
func (b *Bridge) Reset(ih handle.Handle) error {
	return b.withCursor(ih, func(c *cursor) error {
		c.state = cursorStart
		return nil
	})
}

// CloseIterator releases ih and its view. Further calls fail with
// ErrInvalidHandle.
func (b *Bridge) CloseIterator(ih handle.Handle) error {
	return b.withCursor(ih, func(c *cursor) error {
		if _, err := b.iters.Release(ih); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
		}
		c.d.disown(c.d.iters, ih)
		c.release()
		if b.onIteratorClose != nil {
			b.onIteratorClose(ih)
		}
		return nil
	})
}
