package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitUpdatesSnapshot(t *testing.T) {
	tr := NewTree()
	tr.Emit([]interface{}{"groups"}, map[string]int{"count": 2})

	snap := tr.Snapshot()
	require.Equal(t, map[string]int{"count": 2}, snap["groups"])
}

func TestEmitFansOutToSubscribers(t *testing.T) {
	tr := NewTree()
	ch := tr.Subscribe(4)
	defer tr.Unsubscribe(ch)

	tr.Emit([]interface{}{"units", 0, "state"}, "RUN")

	select {
	case change := <-ch:
		require.Equal(t, "RUN", change.Value)
		require.Equal(t, []interface{}{"units", 0, "state"}, change.Path)
	case <-time.After(time.Second):
		t.Fatal("expected a change on the subscriber channel")
	}
}

func TestEmitSkipsFullSubscriberWithoutBlocking(t *testing.T) {
	tr := NewTree()
	ch := tr.Subscribe(1)
	defer tr.Unsubscribe(ch)

	tr.Emit([]interface{}{"a"}, 1)
	done := make(chan struct{})
	go func() {
		tr.Emit([]interface{}{"a"}, 2) // channel buffer is full; must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	tr := NewTree()
	ch := tr.Subscribe(1)
	tr.Unsubscribe(ch)

	_, ok := <-ch
	require.False(t, ok)
}

func TestSnapshotJSONIsValidJSON(t *testing.T) {
	tr := NewTree()
	tr.Emit([]interface{}{"groups"}, []string{"default"})
	raw, err := tr.SnapshotJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), "groups")
}
