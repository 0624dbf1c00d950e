package account

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubRemote struct {
	id     string
	closed bool
}

func (r *stubRemote) SessionID() string            { return r.id }
func (r *stubRemote) Deliver(payload []byte) error { return nil }
func (r *stubRemote) Close() error                 { r.closed = true; return nil }

func TestRemoteTablePutGet(t *testing.T) {
	tbl := newRemoteTable()
	r := &stubRemote{id: "s1"}
	tbl.put(r)

	got, ok := tbl.get("s1")
	require.True(t, ok)
	require.Same(t, r, got)

	_, ok = tbl.get("missing")
	require.False(t, ok)
}

func TestRemoteTableClearClosesAllAndEmpties(t *testing.T) {
	tbl := newRemoteTable()
	r1 := &stubRemote{id: "s1"}
	r2 := &stubRemote{id: "s2"}
	tbl.put(r1)
	tbl.put(r2)

	tbl.clear()

	require.True(t, r1.closed)
	require.True(t, r2.closed)
	_, ok := tbl.get("s1")
	require.False(t, ok)
}
