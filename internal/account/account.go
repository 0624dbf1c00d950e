// Package account implements the Account Channel: the link/info/
// connect state machine that ties this agent to a foldingathome.org
// account and its node-relayed control messages (spec.md section 4.5).
//
// Grounded on the now-deleted server/client.go's Client/readPump/
// writePump shape: a websocket-backed peer with read/write timeout
// constants (writeWait/pongWait/pingPeriod), a send channel drained by
// a dedicated writer goroutine, and message-type routing -- adapted
// from a many-client broadcast hub (QNTXServer's register/unregister
// channels) to a single outbound session to one account node, and from
// plaintext JSON frames to the AES-256-CBC-encrypted MessageFrame
// envelope spec.md section 6 specifies.
package account

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/httpclient"
	"github.com/foldlattice/agent/internal/identity"
	"github.com/foldlattice/agent/internal/logger"
)

// LinkState is one of the five states of spec.md section 4.5's Account
// Channel state machine.
type LinkState string

const (
	StateIdle      LinkState = "IDLE"
	StateLink      LinkState = "LINK"
	StateInfo      LinkState = "INFO"
	StateConnect   LinkState = "CONNECT"
	StateConnected LinkState = "CONNECTED"
)

// Websocket framing constants, carried over from the teacher's
// client.go verbatim since the account node transport has the same
// keep-alive shape.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	// compressThreshold is spec.md section 4.5's >10000-byte gzip cutoff.
	compressThreshold = 10000
	// maxIVs is the bound on a session's used-IV set: once it holds
	// this many IVs, Session.Open rejects every further frame with a
	// replay error. The session itself is not reset.
	maxIVs = 4_000_000
)

// Info is the account/node details learned during the INFO step.
type Info struct {
	Node   string
	PubKey *rsa.PublicKey
}

// Channel owns the link/info/connect state and the live session once
// connected. One Channel exists per agent; reset clears tokens and
// stored node info (spec.md section 3's "Account linkage" paragraph).
type Channel struct {
	id        *identity.Identity
	http      *httpclient.SaferClient
	apiServer string
	log       *zap.SugaredLogger

	mu             sync.Mutex
	state          LinkState
	requestedToken string
	accountToken   string
	machineName    string
	info           *Info
	session        *Session
	conn           *websocket.Conn
	remotes        *remoteTable
	onBroadcast    BroadcastHandler
	retries        uint
	nextAttempt    time.Time
}

// NewChannel builds an unlinked Channel.
func NewChannel(id *identity.Identity, client *httpclient.SaferClient, apiServer string) *Channel {
	return &Channel{
		id:        id,
		http:      client,
		apiServer: apiServer,
		log:       logger.ComponentLogger("account"),
		state:     StateIdle,
	}
}

// State returns the current link state.
func (c *Channel) State() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestLink implements spec.md section 8 scenario S6: issuing
// link(token, machineName) while already linked (or linking) tears
// down any live session, re-enters LINK with the new token, and
// schedules an immediate attempt.
func (c *Channel) RequestLink(token, machineName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestedToken = token
	c.machineName = machineName
	c.closeConnLocked()
	c.info = nil
	c.retries = 0
	c.nextAttempt = time.Time{}
	c.state = StateLink
}

// Reset clears all tokens and node info, returning the channel to
// IDLE, per spec.md section 3's linkage-reset note.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestedToken = ""
	c.accountToken = ""
	c.machineName = ""
	c.info = nil
	c.closeConnLocked()
	c.retries = 0
	c.nextAttempt = time.Time{}
	c.state = StateIdle
}

// closeConnLocked tears down any live websocket connection, session,
// and remote table. Callers must hold c.mu.
func (c *Channel) closeConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.remotes != nil {
		c.remotes.clear()
		c.remotes = nil
	}
	c.session = nil
}

// Send delivers payload to the named session over the live connection,
// used by the Local Control Surface to relay viz/command messages.
func (c *Channel) Send(sessionID string, payload []byte) error {
	c.mu.Lock()
	remotes := c.remotes
	conn := c.conn
	session := c.session
	clientID := c.id.ClientID()
	c.mu.Unlock()

	if conn == nil || session == nil || remotes == nil {
		return errs.New("account channel is not connected")
	}

	r, ok := remotes.get(sessionID)
	if !ok {
		r = &sessionRemote{id: sessionID, client: clientID, conn: conn, session: session, mu: &c.mu}
		remotes.put(r)
	}
	return r.Deliver(payload)
}

// ready reports whether enough backoff time has passed for the state
// machine to attempt its next transition.
func (c *Channel) ready(now time.Time) bool {
	return c.nextAttempt.IsZero() || !now.Before(c.nextAttempt)
}

// scheduleRetry bumps the retry counter and sets the next eligible
// attempt time using the 15s-floor/240s-cap schedule.
func (c *Channel) scheduleRetry(now time.Time, wait func(uint) time.Duration) {
	c.retries++
	c.nextAttempt = now.Add(wait(c.retries))
}

func parseNodePubKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errs.WithKind(errs.New("invalid node public key PEM"), errs.KindIntegrity)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errs.WithKind(errs.Wrap(err, "failed to parse node public key"), errs.KindIntegrity)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errs.WithKind(errs.New("node public key is not RSA"), errs.KindIntegrity)
	}
	return pub, nil
}

// newSessionKey generates the random 32-byte AES-256 key for a fresh
// session (spec.md section 3's Session type).
func newSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(err, "failed to generate session key")
	}
	return key, nil
}
