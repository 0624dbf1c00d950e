package account

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/foldlattice/agent/internal/errs"
)

// Remote is one encrypted session multiplexed over the account
// channel's single websocket connection, grounded on the original
// client's Remote/WebsocketRemote split (a transport-agnostic
// interface with one concrete websocket-backed implementation).
type Remote interface {
	SessionID() string
	Deliver(payload []byte) error
	Close() error
}

// sessionRemote is the websocket-backed Remote: every session shares
// the channel's physical connection, distinguished by the session
// field in each MessageFrame.
type sessionRemote struct {
	id      string
	client  string
	conn    *websocket.Conn
	session *Session
	mu      *sync.Mutex // guards concurrent writes to the shared conn
}

func (r *sessionRemote) SessionID() string { return r.id }

func (r *sessionRemote) Deliver(payload []byte) error {
	frame, err := r.session.Seal(r.client, r.id, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return errs.Wrap(err, "failed to marshal message frame")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.WithKind(errs.Wrap(err, "failed to write message frame"), errs.KindTransient)
	}
	return nil
}

func (r *sessionRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.Close()
}

// remoteTable tracks this channel's live session-multiplexed remotes,
// reset whenever the connection resets so no remote-session state
// leaks between reconnects (spec.md section 8 scenario S3).
type remoteTable struct {
	mu      sync.Mutex
	remotes map[string]Remote
}

func newRemoteTable() *remoteTable {
	return &remoteTable{remotes: make(map[string]Remote)}
}

func (t *remoteTable) put(r Remote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remotes[r.SessionID()] = r
}

func (t *remoteTable) get(sessionID string) (Remote, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remotes[sessionID]
	return r, ok
}

// clear closes and drops every remote, the reset behavior invoked on
// channel close/reconnect.
func (t *remoteTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.remotes {
		r.Close()
	}
	t.remotes = make(map[string]Remote)
}
