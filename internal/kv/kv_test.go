package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	units, err := store.Table("units")
	require.NoError(t, err)

	require.NoError(t, units.Set("0x1a2b", `{"state":"RUN"}`))

	value, ok, err := units.Get("0x1a2b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"state":"RUN"}`, value)
}

func TestGetMissingKey(t *testing.T) {
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	cfg, err := store.Table("config")
	require.NoError(t, err)

	_, ok, err := cfg.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetOverwritesExisting(t *testing.T) {
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	groups, err := store.Table("groups")
	require.NoError(t, err)

	require.NoError(t, groups.Set("default", `{"paused":false}`))
	require.NoError(t, groups.Set("default", `{"paused":true}`))

	value, ok, err := groups.Get("default")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"paused":true}`, value)
}

func TestDeleteRemovesKey(t *testing.T) {
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	cores, err := store.Table("cores")
	require.NoError(t, err)

	require.NoError(t, cores.Set("https://example/core.fah", `{"path":"/cache/core"}`))
	require.NoError(t, cores.Delete("https://example/core.fah"))

	_, ok, err := cores.Get("https://example/core.fah")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeysAndAll(t *testing.T) {
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	log, err := store.Table("wu_log")
	require.NoError(t, err)

	require.NoError(t, log.Set("1", "a"))
	require.NoError(t, log.Set("2", "b"))

	keys, err := log.Keys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1", "2"}, keys)

	all, err := log.All()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"1": "a", "2": "b"}, all)
}

func TestTablesAreIndependent(t *testing.T) {
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	a, err := store.Table("config")
	require.NoError(t, err)
	b, err := store.Table("groups")
	require.NoError(t, err)

	require.NoError(t, a.Set("shared-key", "config-value"))
	_, ok, err := b.Get("shared-key")
	require.NoError(t, err)
	require.False(t, ok)
}
