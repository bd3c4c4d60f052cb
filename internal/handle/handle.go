// Package handle issues opaque, generation-checked identifiers for resources
// that live on the native side of the boundary.
//
// A Handle packs the resource kind, a slot generation and a slot index:
//
//	bits 63..56  kind
//	bits 55..32  generation (never zero for a live slot)
//	bits 31..0   slot index
//
// The zero Handle is never issued.
package handle

import (
	"errors"
	"fmt"
	"sync"
)

type Kind uint8

const (
	KindDatabase Kind = iota + 1
	KindTransaction
	KindIterator
	KindBuffer
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindTransaction:
		return "transaction"
	case KindIterator:
		return "iterator"
	case KindBuffer:
		return "buffer"
	case KindBatch:
		return "batch"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const (
	generationBits = 24
	generationMask = 1<<generationBits - 1
)

// ErrInvalid is returned for zero, foreign, stale or released handles.
var ErrInvalid = errors.New("handle: invalid handle")

type Handle uint64

func makeHandle(kind Kind, gen uint32, slot uint32) Handle {
	return Handle(uint64(kind)<<56 | uint64(gen&generationMask)<<32 | uint64(slot))
}

func (h Handle) Kind() Kind {
	return Kind(h >> 56)
}

func (h Handle) Generation() uint32 {
	return uint32(h>>32) & generationMask
}

func (h Handle) Slot() uint32 {
	return uint32(h)
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d.%d", h.Kind(), h.Slot(), h.Generation())
}

type slot[T any] struct {
	gen   uint32
	live  bool
	value T
	// reason answers lookups of the last retired generation until reuse.
	reason error
}

// Registry maps handles of one kind to values. It is safe for concurrent use.
type Registry[T any] struct {
	kind Kind

	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

func NewRegistry[T any](kind Kind) *Registry[T] {
	return &Registry[T]{kind: kind}
}

func (r *Registry[T]) Kind() Kind {
	return r.kind
}

// Insert stores v and returns a fresh handle for it. Freed slots are reused
// oldest first, with their generation advanced.
func (r *Registry[T]) Insert(v T) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if len(r.free) > 0 {
		idx = r.free[0]
		r.free = r.free[1:]
	} else {
		r.slots = append(r.slots, slot[T]{})
		idx = uint32(len(r.slots) - 1)
	}

	s := &r.slots[idx]
	s.gen = (s.gen + 1) & generationMask
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.value = v
	s.reason = nil
	r.live++
	return makeHandle(r.kind, s.gen, idx)
}

// lookup returns the slot h refers to, or an error. Caller holds r.mu.
func (r *Registry[T]) lookup(h Handle) (*slot[T], error) {
	if h == 0 || h.Kind() != r.kind || int(h.Slot()) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, h)
	}
	s := &r.slots[h.Slot()]
	if s.gen != h.Generation() {
		return nil, fmt.Errorf("%w: stale %v", ErrInvalid, h)
	}
	if !s.live {
		if s.reason != nil {
			return nil, s.reason
		}
		return nil, fmt.Errorf("%w: released %v", ErrInvalid, h)
	}
	return s, nil
}

// Resolve returns the value h refers to.
func (r *Registry[T]) Resolve(h Handle) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Release frees h and returns its value. Releasing twice fails.
func (r *Registry[T]) Release(h Handle) (T, error) {
	return r.Retire(h, nil)
}

// Retire frees h like Release. Until the slot is reused, later lookups of h
// fail with reason instead of ErrInvalid.
func (r *Registry[T]) Retire(h Handle, reason error) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	s, err := r.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.value
	s.value = zero
	s.live = false
	s.reason = reason
	r.free = append(r.free, h.Slot())
	r.live--
	return v, nil
}

// Len returns the number of live handles.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Range calls fn for every live handle until fn returns false. fn must not
// call back into the registry.
func (r *Registry[T]) Range(fn func(Handle, T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.slots {
		s := &r.slots[i]
		if !s.live {
			continue
		}
		if !fn(makeHandle(r.kind, s.gen, uint32(i)), s.value) {
			return
		}
	}
}
