package raftstore

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesUsableStores(t *testing.T) {
	dir := t.TempDir()
	stores, err := Open(dir, "1", nil)
	require.NoError(t, err)
	defer stores.Close()

	require.NoError(t, stores.Stable.Set([]byte("k"), []byte("v")))
	got, err := stores.Stable.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	log := &raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("entry")}
	require.NoError(t, stores.Log.StoreLog(log))

	var out raft.Log
	require.NoError(t, stores.Log.GetLog(1, &out))
	require.Equal(t, []byte("entry"), out.Data)
}

func TestReopenSameNodeReusesData(t *testing.T) {
	dir := t.TempDir()
	stores, err := Open(dir, "1", nil)
	require.NoError(t, err)
	require.NoError(t, stores.Stable.SetUint64([]byte("term"), 5))
	require.NoError(t, stores.Close())

	reopened, err := Open(dir, "1", nil)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Stable.GetUint64([]byte("term"))
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)
}
