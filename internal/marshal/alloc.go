package marshal

import (
	"sync"
	"unsafe"
)

// Allocator hands out memory that is handed to the caller of the boundary.
// Alloc is never called with n == 0.
type Allocator interface {
	Alloc(n uintptr) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// HeapAllocator allocates from the Go heap and keeps every live block
// reachable until it is freed. Used where no C allocator is linked in.
type HeapAllocator struct {
	mu   sync.Mutex
	live map[unsafe.Pointer][]uint64
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{live: make(map[unsafe.Pointer][]uint64)}
}

func (a *HeapAllocator) Alloc(n uintptr) unsafe.Pointer {
	// Backed by words so Pair records are pointer-aligned.
	block := make([]uint64, (n+7)/8)
	p := unsafe.Pointer(&block[0])

	a.mu.Lock()
	a.live[p] = block
	a.mu.Unlock()
	return p
}

func (a *HeapAllocator) Free(p unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[p]; !ok {
		panic("marshal: free of unknown block")
	}
	delete(a.live, p)
}

// Live reports the number of blocks not yet freed.
func (a *HeapAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
