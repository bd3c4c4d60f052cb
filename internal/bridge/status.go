package bridge

import (
	"errors"

	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/internal/marshal"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/db/pebble"
)

// Status is the integer outcome code returned across the boundary.
type Status int32

const (
	StatusOK Status = iota
	StatusInvalidHandle
	StatusInvalidState
	StatusNotFound
	StatusIOError
	StatusTransactionConflict
	StatusInvalidArgument
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusInvalidState:
		return "invalid state"
	case StatusNotFound:
		return "not found"
	case StatusIOError:
		return "io error"
	case StatusTransactionConflict:
		return "transaction conflict"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusEnd:
		return "end"
	}
	return "unknown status"
}

var (
	ErrInvalidHandle       = errors.New("invalid handle")
	ErrInvalidState        = errors.New("invalid state")
	ErrNotFound            = errors.New("not found")
	ErrIO                  = errors.New("io error")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrInvalidArgument     = errors.New("invalid argument")
	// ErrEnd signals that a cursor has no further entry in its direction.
	ErrEnd = errors.New("end of iteration")
)

// Err returns the sentinel error for s, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusInvalidHandle:
		return ErrInvalidHandle
	case StatusInvalidState:
		return ErrInvalidState
	case StatusNotFound:
		return ErrNotFound
	case StatusTransactionConflict:
		return ErrTransactionConflict
	case StatusInvalidArgument:
		return ErrInvalidArgument
	case StatusEnd:
		return ErrEnd
	}
	return ErrIO
}

// StatusOf maps an error chain to its status. Anything unrecognised is an
// engine failure.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, handle.ErrInvalid):
		return StatusInvalidHandle
	case errors.Is(err, ErrInvalidState):
		return StatusInvalidState
	case errors.Is(err, ErrNotFound), errors.Is(err, pebble.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrTransactionConflict), errors.Is(err, pebble.ErrStaleBatch):
		return StatusTransactionConflict
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, db.ErrInvalidRange),
		errors.Is(err, db.ErrUnknownOp),
		errors.Is(err, marshal.ErrNilPointer),
		errors.Is(err, marshal.ErrTooLarge):
		return StatusInvalidArgument
	case errors.Is(err, ErrEnd):
		return StatusEnd
	}
	return StatusIOError
}
