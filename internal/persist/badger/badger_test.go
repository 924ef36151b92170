package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocpp16cp/chargepoint/internal/driver"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "config", "HeartbeatInterval")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Transaction(ctx, "config", []driver.Op{driver.Set("HeartbeatInterval", "300")}))

	v, ok, err := s.Get(ctx, "config", "HeartbeatInterval")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "300", v)
}

func TestStore_TransactionIsAtomicAndIsolatedPerTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, "cache", []driver.Op{driver.Set("tag1", "a")}))
	require.NoError(t, s.Transaction(ctx, "local_list", []driver.Op{driver.Set("tag1", "b")}))

	cacheVal, _, err := s.Get(ctx, "cache", "tag1")
	require.NoError(t, err)
	listVal, _, err := s.Get(ctx, "local_list", "tag1")
	require.NoError(t, err)
	assert.Equal(t, "a", cacheVal)
	assert.Equal(t, "b", listVal)
}

func TestStore_GetAllIsScopedToTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, "reservation", []driver.Op{
		driver.Set("1", "a"),
		driver.Set("2", "b"),
	}))
	require.NoError(t, s.Transaction(ctx, "firmware", []driver.Op{driver.Set("state", "NA")}))

	all, err := s.GetAll(ctx, "reservation")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "a", "2": "b"}, all)
}

func TestStore_DeleteOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, "cache", []driver.Op{driver.Set("tag1", "a")}))
	require.NoError(t, s.Transaction(ctx, "cache", []driver.Op{driver.Del("tag1")}))

	_, ok, err := s.Get(ctx, "cache", "tag1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteTableClearsOnlyThatPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, "cache", []driver.Op{driver.Set("tag1", "a")}))
	require.NoError(t, s.Transaction(ctx, "local_list", []driver.Op{driver.Set("tag1", "b")}))

	require.NoError(t, s.DeleteTable(ctx, "cache"))

	_, ok, err := s.Get(ctx, "cache", "tag1")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := s.Get(ctx, "local_list", "tag1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestStore_CountKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, "reservation", []driver.Op{
		driver.Set("1", "a"),
		driver.Set("2", "b"),
		driver.Set("3", "c"),
	}))

	n, err := s.CountKeys(ctx, "reservation")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_DeleteAllDropsEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, "cache", []driver.Op{driver.Set("tag1", "a")}))
	require.NoError(t, s.Transaction(ctx, "config", []driver.Op{driver.Set("k", "v")}))

	require.NoError(t, s.DeleteAll(ctx))

	_, ok, err := s.Get(ctx, "cache", "tag1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Get(ctx, "config", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
