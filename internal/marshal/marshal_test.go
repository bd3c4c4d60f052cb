package marshal

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvbridge/internal/handle"
	"github.com/eigerco/kvbridge/pkg/db"
)

func TestView(t *testing.T) {
	src := []byte("a\x00b")

	v, err := View(unsafe.Pointer(&src[0]), uintptr(len(src)))
	require.NoError(t, err)
	assert.Equal(t, src, v)

	v, err = View(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = View(nil, 3)
	assert.ErrorIs(t, err, ErrNilPointer)
}

func TestCopyDetachesFromCaller(t *testing.T) {
	src := []byte("value")
	c, err := Copy(unsafe.Pointer(&src[0]), uintptr(len(src)))
	require.NoError(t, err)

	src[0] = 'X'
	assert.Equal(t, []byte("value"), c)
}

func TestArenaBuffer(t *testing.T) {
	alloc := NewHeapAllocator()
	arena := NewArena(alloc)

	buf, err := arena.ExportBuffer([]byte("bin\x00ary"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bin\x00ary"), Bytes(buf.Data, buf.Len))
	assert.Equal(t, 1, arena.Outstanding())
	assert.Equal(t, 1, alloc.Live())

	require.NoError(t, arena.ReleaseBuffer(buf.Token))
	assert.Equal(t, 0, arena.Outstanding())
	assert.Equal(t, 0, alloc.Live())

	err = arena.ReleaseBuffer(buf.Token)
	assert.ErrorIs(t, err, handle.ErrInvalid)
}

func TestArenaEmptyBuffer(t *testing.T) {
	arena := NewArena(NewHeapAllocator())

	buf, err := arena.ExportBuffer(nil)
	require.NoError(t, err)
	assert.Nil(t, buf.Data)
	assert.Zero(t, buf.Len)
	assert.NotZero(t, buf.Token)
	require.NoError(t, arena.ReleaseBuffer(buf.Token))
}

func TestArenaBatch(t *testing.T) {
	alloc := NewHeapAllocator()
	arena := NewArena(alloc)

	pairs := []db.KeyValue{
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte{}},
		{Key: []byte{}, Value: []byte("\x00\x01")},
	}
	batch, err := arena.ExportBatch(pairs)
	require.NoError(t, err)
	require.Equal(t, uintptr(3), batch.Count)

	records := batch.Records()
	for i, p := range records {
		assert.Equal(t, pairs[i].Key, p.bytesKey(), "key %d", i)
		assert.Equal(t, pairs[i].Value, p.bytesValue(), "value %d", i)
	}

	require.NoError(t, arena.ReleaseBatch(batch.Token))
	assert.Equal(t, 0, alloc.Live())
	assert.ErrorIs(t, arena.ReleaseBatch(batch.Token), handle.ErrInvalid)
}

func TestArenaEmptyBatch(t *testing.T) {
	arena := NewArena(NewHeapAllocator())

	batch, err := arena.ExportBatch(nil)
	require.NoError(t, err)
	assert.Zero(t, batch.Count)
	assert.Nil(t, batch.Pairs)
	assert.Nil(t, batch.Records())
	require.NoError(t, arena.ReleaseBatch(batch.Token))
}

func TestArenaTokenKindsDoNotMix(t *testing.T) {
	arena := NewArena(NewHeapAllocator())

	buf, err := arena.ExportBuffer([]byte("x"))
	require.NoError(t, err)
	batch, err := arena.ExportBatch([]db.KeyValue{{Key: []byte("x")}})
	require.NoError(t, err)

	assert.ErrorIs(t, arena.ReleaseBatch(buf.Token), handle.ErrInvalid)
	assert.ErrorIs(t, arena.ReleaseBuffer(batch.Token), handle.ErrInvalid)
	assert.ErrorIs(t, arena.ReleaseBuffer(0), handle.ErrInvalid)
}

func TestArenaOwnedPairs(t *testing.T) {
	alloc := NewHeapAllocator()
	arena := NewArena(alloc)
	owner := handle.NewRegistry[int](handle.KindIterator).Insert(0)

	first, err := arena.ExportOwned(owner, db.KeyValue{Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first.bytesKey())
	assert.Equal(t, 2, alloc.Live())

	second, err := arena.ExportOwned(owner, db.KeyValue{Key: []byte("b"), Value: []byte("2")})
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), second.bytesKey())
	assert.Equal(t, 2, alloc.Live(), "previous pair is freed")
	assert.Equal(t, 1, arena.Outstanding())

	arena.ReleaseOwner(owner)
	arena.ReleaseOwner(owner)
	assert.Equal(t, 0, alloc.Live())
	assert.Equal(t, 0, arena.Outstanding())
}

func (p Pair) bytesKey() []byte   { return Bytes(p.Key, p.KeyLen) }
func (p Pair) bytesValue() []byte { return Bytes(p.Value, p.ValueLen) }
