package account

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foldlattice/agent/internal/backoff"
	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/identity"
	"github.com/foldlattice/agent/internal/wire"
)

// Step drives one state-machine transition if the channel is ready to
// attempt it, backing off on failure via the 15s-floor/240s-cap
// schedule (spec.md section 4.5).
func (c *Channel) Step(ctx context.Context, now time.Time) {
	c.mu.Lock()
	if !c.ready(now) {
		c.mu.Unlock()
		return
	}
	state := c.state
	c.mu.Unlock()

	var err error
	switch state {
	case StateLink:
		err = c.Link(ctx)
	case StateInfo:
		err = c.FetchInfo(ctx)
	case StateConnect:
		err = c.Connect(ctx)
	default:
		return
	}

	if err != nil {
		c.log.Warnw("account channel step failed", "state", state, "error", err)
		c.mu.Lock()
		c.scheduleRetry(now, backoff.AccountChannelSchedule)
		c.mu.Unlock()
	}
}

// Link performs spec.md section 6's PUT https://<apiServer>/machine/<client-id>
// carrying the requested token, advancing to INFO on success.
func (c *Channel) Link(ctx context.Context) error {
	c.mu.Lock()
	token := c.requestedToken
	machineName := c.machineName
	c.mu.Unlock()

	data := wire.MachineLinkData{Name: machineName, Token: token}
	raw, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(err, "failed to marshal machine link data")
	}

	sig, err := c.id.Sign(raw)
	if err != nil {
		return err
	}
	pubKeyPEM, err := c.id.PublicKeyPEM()
	if err != nil {
		return err
	}

	body := wire.MachineLinkBody{Data: data, Signature: sig, PubKey: pubKeyPEM}
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(err, "failed to marshal machine link body")
	}

	target := strings.TrimRight(c.apiServer, "/") + "/machine/" + url.PathEscape(c.id.ClientID())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(err, "failed to build link request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.WithKind(errs.Wrap(err, "failed to reach account api"), errs.KindTransient)
	}
	defer resp.Body.Close()

	if err := classifyAccountStatus(resp.StatusCode); err != nil {
		return err
	}

	c.mu.Lock()
	c.accountToken = token
	c.retries = 0
	c.state = StateInfo
	c.mu.Unlock()
	return nil
}

// FetchInfo performs the INFO step: GET https://<apiServer>/machine/<client-id>,
// learning the assigned node and its public key, advancing to CONNECT.
func (c *Channel) FetchInfo(ctx context.Context) error {
	target := strings.TrimRight(c.apiServer, "/") + "/machine/" + url.PathEscape(c.id.ClientID())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errs.Wrap(err, "failed to build info request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.WithKind(errs.Wrap(err, "failed to reach account api"), errs.KindTransient)
	}
	defer resp.Body.Close()

	if err := classifyAccountStatus(resp.StatusCode); err != nil {
		return err
	}

	var info wire.AccountInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return errs.Wrap(err, "failed to decode account info")
	}

	pub, err := parseNodePubKey([]byte(info.PubKey))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.info = &Info{Node: info.Node, PubKey: pub}
	c.retries = 0
	c.state = StateConnect
	c.mu.Unlock()
	return nil
}

// Connect opens the node websocket, sends the RSA-OAEP-wrapped session
// key in a signed login frame, and on success advances to CONNECTED
// and starts the read/write pumps (spec.md section 6's login handshake).
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	info := c.info
	clientID := c.id.ClientID()
	c.mu.Unlock()

	if info == nil {
		return errs.New("cannot connect before node info is known")
	}

	dialURL := "wss://" + info.Node + "/ws/client"
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return errs.WithKind(errs.Wrapf(err, "failed to dial %s", dialURL), errs.KindTransient)
	}

	sess, err := NewSession()
	if err != nil {
		conn.Close()
		return err
	}

	wrappedKey, err := identity.WrapSessionKey(info.PubKey, sess.Key())
	if err != nil {
		conn.Close()
		return err
	}

	payload := wire.LoginPayload{Time: time.Now().Unix(), Account: clientID, Key: wrappedKey}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		conn.Close()
		return errs.Wrap(err, "failed to marshal login payload")
	}
	sig, err := c.id.Sign(payloadRaw)
	if err != nil {
		conn.Close()
		return err
	}
	pubKeyPEM, err := c.id.PublicKeyPEM()
	if err != nil {
		conn.Close()
		return err
	}

	login := wire.LoginMessage{Type: "login", Payload: payload, Signature: sig, PubKey: pubKeyPEM}
	if err := conn.WriteJSON(login); err != nil {
		conn.Close()
		return errs.WithKind(errs.Wrap(err, "failed to send login frame"), errs.KindTransient)
	}

	c.mu.Lock()
	c.session = sess
	c.retries = 0
	c.state = StateConnected
	c.remotes = newRemoteTable()
	c.conn = conn
	c.mu.Unlock()

	go c.pump(conn, sess, clientID)
	return nil
}

func classifyAccountStatus(status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusNoContent:
		return nil
	case status == 400 || status == 401 || status == 403 || status == 404:
		return errs.WithKind(errs.Newf("account api rejected request (%d)", status), errs.KindRejected)
	case status >= 500:
		return errs.WithKind(errs.Newf("account api unavailable (%d)", status), errs.KindTransient)
	default:
		return errs.WithKind(errs.Newf("unexpected account api status %d", status), errs.KindTransient)
	}
}
