package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvbridge/pkg/db"
)

func TestBatch(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store db.KVStore)
	}{
		{
			name: "basic_batch_operations",
			fn:   testBasicBatchOperations,
		},
		{
			name: "batch_commit_closure",
			fn:   testBatchCommitAndClose,
		},
		{
			name: "multiple_batches",
			fn:   testMultipleBatches,
		},
		{
			name: "apply_operations_in_order",
			fn:   testApplyOperations,
		},
		{
			name: "uncommitted_batch_is_invisible",
			fn:   testUncommittedBatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t, Config{})
			defer store.Close() //nolint:errcheck // test cleanup

			tc.fn(t, store)
		})
	}
}

func testBasicBatchOperations(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck // test cleanup

	keys := [][]byte{[]byte("key1"), []byte("key2"), []byte("key3")}
	values := [][]byte{[]byte("value1"), []byte("value2"), []byte("value3")}

	for i := range keys {
		err := batch.Put(keys[i], values[i])
		require.NoError(t, err)
	}

	// Delete one key in the same batch
	err := batch.Delete(keys[1])
	require.NoError(t, err)

	err = batch.Commit()
	require.NoError(t, err)

	val1, err := store.Get(keys[0])
	require.NoError(t, err)
	assert.Equal(t, values[0], val1)

	_, err = store.Get(keys[1])
	assert.ErrorIs(t, err, ErrNotFound)

	val3, err := store.Get(keys[2])
	require.NoError(t, err)
	assert.Equal(t, values[2], val3)
}

func testBatchCommitAndClose(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()

	err := batch.Put([]byte("key"), []byte("value"))
	require.NoError(t, err)

	err = batch.Commit()
	require.NoError(t, err)

	// Operations after commit should fail
	err = batch.Put([]byte("key2"), []byte("value2"))
	assert.ErrorIs(t, err, ErrBatchDone)

	err = batch.Delete([]byte("key2"))
	assert.ErrorIs(t, err, ErrBatchDone)

	err = batch.Commit()
	assert.ErrorIs(t, err, ErrBatchDone)

	err = batch.Close()
	assert.NoError(t, err)

	err = batch.Close()
	assert.NoError(t, err)
}

func testMultipleBatches(t *testing.T, store db.KVStore) {
	batch1 := store.NewBatch()
	batch2 := store.NewBatch()
	defer batch1.Close() //nolint:errcheck // test cleanup
	defer batch2.Close() //nolint:errcheck // test cleanup

	err := batch1.Put([]byte("key1"), []byte("batch1"))
	require.NoError(t, err)
	err = batch2.Put([]byte("key2"), []byte("batch2"))
	require.NoError(t, err)

	err = batch1.Commit()
	require.NoError(t, err)
	err = batch2.Commit()
	require.NoError(t, err)

	val1, err := store.Get([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("batch1"), val1)

	val2, err := store.Get([]byte("key2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("batch2"), val2)
}

func testApplyOperations(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	defer batch.Close() //nolint:errcheck // test cleanup

	ops := []db.Operation{
		{Op: db.OpPut, Key: []byte("k"), Value: []byte("first")},
		{Op: db.OpDelete, Key: []byte("k")},
		{Op: db.OpPut, Key: []byte("k"), Value: []byte("last")},
	}
	require.NoError(t, db.Apply(batch, ops))
	require.NoError(t, batch.Commit())

	v, err := store.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), v)

	bad := store.NewBatch()
	defer bad.Close() //nolint:errcheck // test cleanup
	err = db.Apply(bad, []db.Operation{{Op: db.OpCode(9)}})
	assert.ErrorIs(t, err, db.ErrUnknownOp)
}

func testUncommittedBatch(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("ghost"), []byte("boo")))
	require.NoError(t, batch.Close())

	_, err := store.Get([]byte("ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchAfterRecoverIsStale(t *testing.T) {
	store := newTestStore(t, Config{})
	defer store.Close() //nolint:errcheck // test cleanup

	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("k"), []byte("v")))
	require.NoError(t, store.Recover())

	assert.ErrorIs(t, batch.Commit(), ErrStaleBatch)
	require.NoError(t, batch.Close())
}
