// Package control implements the Local Control Surface: a process-wide
// WebSocket endpoint on 127.0.0.1:7396 that pushes observable-state
// diffs to browser clients and accepts command requests (spec.md
// section 4.6).
package control

import (
	"encoding/json"
	"sync"
)

// Change is one observable mutation: a change path (e.g.
// ["units", 3, "frames", 12]) plus the new value at that path, the
// diff unit broadcast to every connected client.
type Change struct {
	Path  []interface{} `json:"path"`
	Value interface{}   `json:"value"`
}

// Tree is the observable app-state tree. Rather than reproduce
// arbitrary dynamic JSON mutation tracking, callers enumerate their
// own mutation points and call Emit explicitly (spec.md section 7's
// "Observable state" redesign note) -- the tree itself is just the
// current full snapshot plus the fan-out of each emitted diff.
type Tree struct {
	mu       sync.RWMutex
	snapshot map[string]interface{}
	subs     map[chan Change]struct{}
}

// NewTree builds an empty observable tree.
func NewTree() *Tree {
	return &Tree{
		snapshot: make(map[string]interface{}),
		subs:     make(map[chan Change]struct{}),
	}
}

// Emit applies one change to the top-level snapshot (keyed by the
// path's first element) and fans it out to every subscriber. Channels
// that are full are skipped rather than blocking the caller -- a
// slow/disconnected browser client must never stall the event loop.
func (t *Tree) Emit(path []interface{}, value interface{}) {
	t.mu.Lock()
	if len(path) > 0 {
		if key, ok := path[0].(string); ok {
			t.snapshot[key] = value
		}
	}
	subs := make([]chan Change, 0, len(t.subs))
	for ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	change := Change{Path: path, Value: value}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// Snapshot returns the full observable tree as of now, sent to a
// client immediately after connect (spec.md section 4.6).
func (t *Tree) Snapshot() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]interface{}, len(t.snapshot))
	for k, v := range t.snapshot {
		out[k] = v
	}
	return out
}

// SnapshotJSON marshals Snapshot, for the full-tree message sent on
// connect and for GET /api/info.
func (t *Tree) SnapshotJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

// Subscribe registers a buffered channel that receives every future
// Emit call until Unsubscribe is called.
func (t *Tree) Subscribe(buffer int) chan Change {
	ch := make(chan Change, buffer)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *Tree) Unsubscribe(ch chan Change) {
	t.mu.Lock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}
