package diskcache_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/rpccache/diskcache"
)

func TestPutThenGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpccache.db")
	dc, err := diskcache.Open(path)
	require.NoError(t, err)
	defer dc.Close()

	var hash [32]byte
	hash[0] = 0xAB

	_, ok := dc.Get(1, 100, hash)
	require.False(t, ok)

	response := json.RawMessage(`{"value":"bi:1000000000000000000"}`)
	dc.Put(1, 100, hash, response)

	got, ok := dc.Get(1, 100, hash)
	require.True(t, ok)
	require.JSONEq(t, string(response), string(got))
}

func TestDistinctBlockContextsDoNotCollide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpccache.db")
	dc, err := diskcache.Open(path)
	require.NoError(t, err)
	defer dc.Close()

	var hash [32]byte
	dc.Put(1, 100, hash, json.RawMessage(`"a"`))
	dc.Put(1, 200, hash, json.RawMessage(`"b"`))

	got1, ok := dc.Get(1, 100, hash)
	require.True(t, ok)
	require.Equal(t, `"a"`, string(got1))

	got2, ok := dc.Get(1, 200, hash)
	require.True(t, ok)
	require.Equal(t, `"b"`, string(got2))
}
