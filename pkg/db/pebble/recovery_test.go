package pebble

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvbridge/pkg/db"
)

func dump(t *testing.T, store db.KVStore) string {
	t.Helper()
	kvs, err := store.Scan(db.Predicate{Cmp: db.GreaterThanEq})
	require.NoError(t, err)

	var sb strings.Builder
	for _, kv := range kvs {
		fmt.Fprintf(&sb, "%q=%q\n", kv.Key, kv.Value)
	}
	return sb.String()
}

func requireDump(t *testing.T, expected, actual string) {
	t.Helper()
	if expected == actual {
		return
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  2,
	})
	t.Fatalf("store contents differ:\n%s", diff)
}

func TestRecoverAfterCrash(t *testing.T) {
	fs := vfs.NewStrictMem()
	// The root of a strict in-memory filesystem is always durable.
	store, err := Open("", Config{FS: fs})
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck // test cleanup

	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	require.NoError(t, store.Put([]byte("b"), []byte("2")))

	committed := store.NewBatch()
	require.NoError(t, committed.Put([]byte("c"), []byte("3")))
	require.NoError(t, committed.Delete([]byte("a")))
	require.NoError(t, committed.Commit())
	require.NoError(t, committed.Close())

	uncommitted := store.NewBatch()
	require.NoError(t, uncommitted.Put([]byte("d"), []byte("4")))

	// Nothing written from here on reaches stable storage.
	fs.SetIgnoreSyncs(true)
	require.NoError(t, store.Put([]byte("e"), []byte("5")))

	err = store.reopen(func() {
		fs.ResetToSyncedState()
		fs.SetIgnoreSyncs(false)
	})
	require.NoError(t, err)

	requireDump(t, "\"b\"=\"2\"\n\"c\"=\"3\"\n", dump(t, store))
	require.ErrorIs(t, uncommitted.Commit(), ErrStaleBatch)
	require.NoError(t, uncommitted.Close())
}

func TestRecoverKeepsDataOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, store.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, store.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, store.Delete([]byte("k1")))
	before := dump(t, store)

	require.NoError(t, store.Recover())
	requireDump(t, before, dump(t, store))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, Config{})
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck // test cleanup
	requireDump(t, before, dump(t, reopened))
}
