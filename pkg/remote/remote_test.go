package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/pkg/db"
)

func startServer(t *testing.T) (*bridge.Bridge, string) {
	t.Helper()
	b := bridge.New(bridge.WithFS(vfs.NewMem()))
	t.Cleanup(b.CloseAll)

	s, err := NewServer(b, nil, "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	addr, err := s.Addr()
	require.NoError(t, err)
	return b, addr.String()
}

func TestRemoteEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	b, addr := startServer(t)
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck // closed again below

	d, err := c.Open(ctx, "remote", Options{Compress: true})
	require.NoError(t, err)

	require.NoError(t, d.Put(ctx, []byte("a"), []byte("1"), 0))
	require.NoError(t, d.Put(ctx, []byte("b\x00"), []byte{0, 1, 2}, time.Hour))

	v, err := d.Get(ctx, []byte("b\x00"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, v)

	_, err = d.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	err = d.Update(ctx, func(txn *Txn) error {
		if err := txn.Put(ctx, []byte("c"), []byte("3")); err != nil {
			return err
		}
		return txn.Delete(ctx, []byte("a"))
	})
	require.NoError(t, err)

	txn, err := d.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Rollback(ctx))
	assert.ErrorIs(t, txn.Commit(ctx), ErrInvalidState)
	assert.ErrorIs(t, txn.Put(ctx, []byte("x"), []byte("y")), ErrInvalidState)

	errAbort := errors.New("abort")
	err = d.Update(ctx, func(txn *Txn) error {
		if err := txn.Put(ctx, []byte("d"), []byte("4")); err != nil {
			return err
		}
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	pairs, err := d.GreaterThanEq(ctx, []byte{})
	require.NoError(t, err)
	assert.Equal(t, []db.KeyValue{
		{Key: []byte("b\x00"), Value: []byte{0, 1, 2}},
		{Key: []byte("c"), Value: []byte("3")},
	}, pairs)

	pairs, err = d.NotInRange(ctx, []byte("b"), []byte("c"))
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, []byte("c"), pairs[0].Key)

	_, err = d.Range(ctx, []byte("z"), []byte("a"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	var keys []string
	err = d.Scan(ctx, func(it *Iterator) error {
		for {
			key, _, err := it.Next(ctx)
			if errors.Is(err, ErrEnd) {
				return nil
			}
			if err != nil {
				return err
			}
			keys = append(keys, string(key))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b\x00", "c"}, keys)

	require.NoError(t, d.EscalateFlush(ctx))
	require.NoError(t, d.EscalateCompaction(ctx))
	require.NoError(t, d.RecoverFromWAL(ctx))

	v, err = d.Get(ctx, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)

	require.NoError(t, d.Close(ctx))
	assert.ErrorIs(t, d.Close(ctx), ErrInvalidHandle)
	assert.Equal(t, bridge.Stats{}, b.Stats())
}

func TestRemoteReleasesOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	b, addr := startServer(t)
	c, err := Dial(ctx, addr)
	require.NoError(t, err)

	d, err := c.Open(ctx, "abandoned", Options{})
	require.NoError(t, err)
	_, err = d.Begin(ctx)
	require.NoError(t, err)
	_, err = d.NewIterator(ctx)
	require.NoError(t, err)
	require.Equal(t, bridge.Stats{Databases: 1, Transactions: 1, Iterators: 1}, b.Stats())

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return b.Stats() == bridge.Stats{}
	}, 10*time.Second, 20*time.Millisecond)

	// Another client can take the directory over.
	c2, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c2.Close() //nolint:errcheck // test cleanup
	_, err = c2.Open(ctx, "abandoned", Options{})
	assert.NoError(t, err)
}
