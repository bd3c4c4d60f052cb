package handle

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleLayout(t *testing.T) {
	h := makeHandle(KindIterator, 7, 42)
	assert.Equal(t, KindIterator, h.Kind())
	assert.Equal(t, uint32(7), h.Generation())
	assert.Equal(t, uint32(42), h.Slot())
	assert.Equal(t, "iterator#42.7", h.String())
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry[string](KindDatabase)

	h := r.Insert("db")
	assert.NotZero(t, h)
	assert.Equal(t, 1, r.Len())

	v, err := r.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, "db", v)

	v, err = r.Release(h)
	require.NoError(t, err)
	assert.Equal(t, "db", v)
	assert.Equal(t, 0, r.Len())

	_, err = r.Resolve(h)
	assert.ErrorIs(t, err, ErrInvalid)

	// Double release is detected, not undefined.
	_, err = r.Release(h)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRegistryRejectsForeignHandles(t *testing.T) {
	dbs := NewRegistry[int](KindDatabase)
	txns := NewRegistry[int](KindTransaction)

	h := dbs.Insert(1)
	_, err := txns.Resolve(h)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = dbs.Resolve(0)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = dbs.Resolve(makeHandle(KindDatabase, 1, 99))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = dbs.Resolve(makeHandle(KindDatabase, h.Generation()+1, h.Slot()))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRegistryReuseAdvancesGeneration(t *testing.T) {
	r := NewRegistry[int](KindTransaction)

	old := r.Insert(1)
	_, err := r.Release(old)
	require.NoError(t, err)

	fresh := r.Insert(2)
	assert.Equal(t, old.Slot(), fresh.Slot())
	assert.NotEqual(t, old.Generation(), fresh.Generation())

	_, err = r.Resolve(old)
	assert.ErrorIs(t, err, ErrInvalid)

	v, err := r.Resolve(fresh)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRegistryReusesOldestSlotFirst(t *testing.T) {
	r := NewRegistry[int](KindBuffer)
	a, b := r.Insert(1), r.Insert(2)

	_, err := r.Release(a)
	require.NoError(t, err)
	_, err = r.Release(b)
	require.NoError(t, err)

	assert.Equal(t, a.Slot(), r.Insert(3).Slot())
	assert.Equal(t, b.Slot(), r.Insert(4).Slot())
}

func TestRegistryGenerationWraps(t *testing.T) {
	r := NewRegistry[int](KindBuffer)
	h := r.Insert(0)
	r.slots[h.Slot()].gen = generationMask
	_, err := r.Release(makeHandle(KindBuffer, generationMask, h.Slot()))
	require.NoError(t, err)

	next := r.Insert(1)
	assert.Equal(t, uint32(1), next.Generation())
}

func TestRegistryRetireReason(t *testing.T) {
	errCommitted := errors.New("committed")
	r := NewRegistry[int](KindTransaction)

	h := r.Insert(1)
	_, err := r.Retire(h, errCommitted)
	require.NoError(t, err)

	_, err = r.Resolve(h)
	assert.ErrorIs(t, err, errCommitted)
	_, err = r.Release(h)
	assert.ErrorIs(t, err, errCommitted)

	// Once the slot is reused the old handle is simply stale.
	r.Insert(2)
	_, err = r.Resolve(h)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRegistryRange(t *testing.T) {
	r := NewRegistry[int](KindIterator)
	handles := map[Handle]int{}
	for i := 0; i < 5; i++ {
		handles[r.Insert(i)] = i
	}
	for h, v := range handles {
		if v%2 == 0 {
			_, err := r.Release(h)
			require.NoError(t, err)
			delete(handles, h)
		}
	}

	seen := map[Handle]int{}
	r.Range(func(h Handle, v int) bool {
		seen[h] = v
		return true
	})
	assert.Equal(t, handles, seen)
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry[int](KindBuffer)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h := r.Insert(i)
				v, err := r.Resolve(h)
				assert.NoError(t, err)
				assert.Equal(t, i, v)
				_, err = r.Release(h)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
