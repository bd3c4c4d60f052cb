package marshal

import (
	"sync"
	"unsafe"

	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/pkg/db"
)

type allocation struct {
	blocks []unsafe.Pointer
}

// Arena tracks every output handed across the boundary. Buffers and batches
// are released by token. Pairs returned by an iterator belong to the iterator
// and are replaced on its next call or freed when it closes.
type Arena struct {
	alloc   Allocator
	buffers *handle.Registry[*allocation]
	batches *handle.Registry[*allocation]

	mu    sync.Mutex
	owned map[handle.Handle]*allocation
}

func NewArena(alloc Allocator) *Arena {
	return &Arena{
		alloc:   alloc,
		buffers: handle.NewRegistry[*allocation](handle.KindBuffer),
		batches: handle.NewRegistry[*allocation](handle.KindBatch),
		owned:   make(map[handle.Handle]*allocation),
	}
}

func (a *Arena) put(al *allocation, data []byte) (unsafe.Pointer, error) {
	if len(data) == 0 {
		return nil, nil
	}
	p := a.alloc.Alloc(uintptr(len(data)))
	if p == nil {
		return nil, ErrOutOfMemory
	}
	al.blocks = append(al.blocks, p)
	copy(unsafe.Slice((*byte)(p), len(data)), data)
	return p, nil
}

func (a *Arena) free(al *allocation) {
	for _, p := range al.blocks {
		a.alloc.Free(p)
	}
	al.blocks = nil
}

// ExportBuffer copies value into allocated memory and issues a buffer token.
func (a *Arena) ExportBuffer(value []byte) (Buffer, error) {
	al := &allocation{}
	p, err := a.put(al, value)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Data: p, Len: uintptr(len(value)), Token: uint64(a.buffers.Insert(al))}, nil
}

// ExportBatch lays pairs out as one record array and one contiguous block of
// key and value bytes, and issues a batch token for both. An empty result
// still gets a token.
func (a *Arena) ExportBatch(pairs []db.KeyValue) (Batch, error) {
	al := &allocation{}
	records, err := a.exportPairs(al, pairs)
	if err != nil {
		a.free(al)
		return Batch{}, err
	}
	return Batch{
		Pairs: records,
		Count: uintptr(len(pairs)),
		Token: uint64(a.batches.Insert(al)),
	}, nil
}

func (a *Arena) exportPairs(al *allocation, pairs []db.KeyValue) (unsafe.Pointer, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	var size int
	for _, kv := range pairs {
		size += len(kv.Key) + len(kv.Value)
	}
	blob := make([]byte, 0, size)
	for _, kv := range pairs {
		blob = append(blob, kv.Key...)
		blob = append(blob, kv.Value...)
	}
	data, err := a.put(al, blob)
	if err != nil {
		return nil, err
	}

	recordSize := unsafe.Sizeof(Pair{})
	records := a.alloc.Alloc(recordSize * uintptr(len(pairs)))
	if records == nil {
		return nil, ErrOutOfMemory
	}
	al.blocks = append(al.blocks, records)

	out := unsafe.Slice((*Pair)(records), len(pairs))
	var off uintptr
	for i, kv := range pairs {
		out[i] = Pair{KeyLen: uintptr(len(kv.Key)), ValueLen: uintptr(len(kv.Value))}
		if len(kv.Key) > 0 {
			out[i].Key = unsafe.Add(data, off)
		}
		off += uintptr(len(kv.Key))
		if len(kv.Value) > 0 {
			out[i].Value = unsafe.Add(data, off)
		}
		off += uintptr(len(kv.Value))
	}
	return records, nil
}

// ExportOwned writes kv into memory owned by owner, freeing whatever owner
// held before.
func (a *Arena) ExportOwned(owner handle.Handle, kv db.KeyValue) (Pair, error) {
	al := &allocation{}
	key, err := a.put(al, kv.Key)
	if err != nil {
		return Pair{}, err
	}
	value, err := a.put(al, kv.Value)
	if err != nil {
		a.free(al)
		return Pair{}, err
	}

	a.mu.Lock()
	prev := a.owned[owner]
	a.owned[owner] = al
	a.mu.Unlock()
	if prev != nil {
		a.free(prev)
	}
	return Pair{Key: key, KeyLen: uintptr(len(kv.Key)), Value: value, ValueLen: uintptr(len(kv.Value))}, nil
}

// ReleaseOwner frees the memory held for owner, if any.
func (a *Arena) ReleaseOwner(owner handle.Handle) {
	a.mu.Lock()
	al := a.owned[owner]
	delete(a.owned, owner)
	a.mu.Unlock()
	if al != nil {
		a.free(al)
	}
}

// ReleaseBuffer frees a buffer. Unknown or released tokens fail with
// handle.ErrInvalid.
func (a *Arena) ReleaseBuffer(token uint64) error {
	al, err := a.buffers.Release(handle.Handle(token))
	if err != nil {
		return err
	}
	a.free(al)
	return nil
}

// ReleaseBatch frees every byte of a batch.
func (a *Arena) ReleaseBatch(token uint64) error {
	al, err := a.batches.Release(handle.Handle(token))
	if err != nil {
		return err
	}
	a.free(al)
	return nil
}

// Outstanding returns the number of unreleased buffers, batches and owned
// pairs.
func (a *Arena) Outstanding() int {
	a.mu.Lock()
	n := len(a.owned)
	a.mu.Unlock()
	return n + a.buffers.Len() + a.batches.Len()
}
