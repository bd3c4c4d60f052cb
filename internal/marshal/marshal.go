// Package marshal moves byte strings across the native boundary.
//
// Inputs arrive as (pointer, length) pairs owned by the caller and valid only
// for the duration of a call. Outputs are written into memory obtained from an
// Allocator and stay valid until the caller releases the token they were
// issued under.
package marshal

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrNilPointer is returned for a nil pointer paired with a nonzero length.
	ErrNilPointer = errors.New("marshal: nil pointer with nonzero length")
	// ErrTooLarge is returned for lengths that do not fit a Go slice.
	ErrTooLarge = errors.New("marshal: length out of range")
	// ErrOutOfMemory is returned when the allocator cannot satisfy a request.
	ErrOutOfMemory = errors.New("marshal: allocation failed")
)

// View returns a slice aliasing n bytes at ptr. The slice must not be retained
// past the call that received ptr. (nil, 0) is the empty value.
func View(ptr unsafe.Pointer, n uintptr) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if ptr == nil {
		return nil, ErrNilPointer
	}
	if n > uintptr(math.MaxInt) {
		return nil, fmt.Errorf("%w: %d", ErrTooLarge, n)
	}
	return unsafe.Slice((*byte)(ptr), n), nil
}

// Copy is View followed by a copy into Go memory, for values that outlive the call.
func Copy(ptr unsafe.Pointer, n uintptr) ([]byte, error) {
	v, err := View(ptr, n)
	if err != nil {
		return nil, err
	}
	result := make([]byte, len(v))
	copy(result, v)
	return result, nil
}

// Buffer mirrors kv_buffer.
type Buffer struct {
	Data  unsafe.Pointer
	Len   uintptr
	Token uint64
}

// Pair mirrors kv_pair.
type Pair struct {
	Key      unsafe.Pointer
	KeyLen   uintptr
	Value    unsafe.Pointer
	ValueLen uintptr
}

// Batch mirrors kv_batch. Pairs points at Count consecutive Pair records.
type Batch struct {
	Pairs unsafe.Pointer
	Count uintptr
	Token uint64
}

// Bytes copies the n bytes at p into Go memory.
func Bytes(p unsafe.Pointer, n uintptr) []byte {
	if n == 0 {
		return []byte{}
	}
	return append([]byte(nil), unsafe.Slice((*byte)(p), n)...)
}

// Records returns the records of b as a Go slice aliasing b's memory.
func (b Batch) Records() []Pair {
	if b.Count == 0 || b.Pairs == nil {
		return nil
	}
	return unsafe.Slice((*Pair)(b.Pairs), b.Count)
}
