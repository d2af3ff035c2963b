package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/ehrlich-b/opclaw/internal/auth"
	"github.com/ehrlich-b/opclaw/internal/logger"
	"github.com/google/uuid"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20
)

// Status is what the caller sees of the connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// State is the handshake state of the client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config is the caller's connection settings.
type Config struct {
	GatewayURL string
	Token      string // used until the gateway issues a device token
	SessionKey string
}

// PairingRequired means the gateway does not know this device yet and an
// operator has to approve RequestID out of band.
type PairingRequired struct {
	RequestID string
	Message   string
}

// Client holds the single websocket link to the gateway. The gateway always
// speaks first: the client signs its device claim only after connect.challenge.
//
// Callbacks run on the read goroutine, one frame at a time. The client never
// reconnects by itself.
type Client struct {
	Storage   auth.Storage // identity and device token; nil keeps both in memory
	Locale    string
	Platform  string
	UserAgent string

	OnEvent           func(Frame)
	OnStatus          func(Status)
	OnError           func(error)
	OnPairingRequired func(PairingRequired)

	now func() time.Time

	mu    sync.Mutex
	state State
	sess  *session
	mem   auth.Storage
}

// session is one transport. A client owns at most one live session.
type session struct {
	conn   *websocket.Conn
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	reqID  string // in-flight connect request, read loop only
	closed bool   // guarded by Client.mu
}

// State returns the current handshake state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect closes any live transport, dials cfg.GatewayURL and starts reading.
// A dial failure is returned and also reported through OnError and OnStatus.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	c.Close()

	url := NormalizeURL(cfg.GatewayURL)
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
		c.mu.Lock()
		if c.sess == nil {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.notifyError(err)
		c.notifyStatus(StatusDisconnected)
		return err
	}
	conn.SetReadLimit(readLimit)

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, cfg: cfg, ctx: sctx, cancel: cancel}

	c.mu.Lock()
	prev := c.sess
	c.sess = s
	c.state = StateAwaitingChallenge
	c.mu.Unlock()
	if prev != nil {
		// Lost a race with a concurrent Connect.
		c.teardown(prev)
	}

	logger.Debug("gateway transport open", "url", url)
	go c.readLoop(s)
	return nil
}

// Close releases the transport. Safe to call repeatedly and from callbacks.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.teardown(s)
	}
}

func (c *Client) readLoop(s *session) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			c.transportLost(s, err)
			return
		}
		c.handleFrame(s, data)
	}
}

func (c *Client) handleFrame(s *session, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		if c.current(s) {
			c.notifyError(err)
		}
		return
	}
	if !c.current(s) {
		return
	}

	switch {
	case f.Type == FrameEvent && f.Event == EventConnectChallenge:
		c.handleChallenge(s, f)
	case f.Type == FrameRes && s.reqID != "" && f.ID == s.reqID:
		c.handleConnectResponse(s, f)
	case c.State() == StateConnected:
		c.notifyEvent(f)
	default:
		logger.Debug("dropping frame before connect", "type", f.Type, "event", f.Event)
	}
}

func (c *Client) handleChallenge(s *session, f Frame) {
	if !c.advance(s, StateAwaitingChallenge, StateAuthenticating) {
		logger.Debug("ignoring connect.challenge", "state", c.State())
		return
	}

	var ch challengePayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &ch); err != nil {
			logger.Warn("bad connect.challenge payload", "err", err)
		}
	}

	storage := c.storage()
	id := auth.LoadOrCreateIdentity(storage)
	token, ok := auth.NewTokenCache(storage).Load()
	if !ok {
		token = s.cfg.Token
	}

	signedAt := c.clock().UnixMilli()
	scopes := Scopes()
	claim := auth.BuildClaim(auth.ClaimParams{
		DeviceID:   id.DeviceID,
		ClientID:   ClientID,
		ClientMode: ClientMode,
		Role:       Role,
		Scopes:     scopes,
		SignedAtMs: signedAt,
		Token:      token,
		Nonce:      ch.Nonce,
	})

	req := Request{
		Type:   FrameReq,
		ID:     uuid.NewString(),
		Method: MethodConnect,
		Params: ConnectParams{
			MinProtocol: ProtocolVersion,
			MaxProtocol: ProtocolVersion,
			Client: ClientInfo{
				ID:       ClientID,
				Version:  ClientVersion,
				Platform: c.platform(),
				Mode:     ClientMode,
			},
			Role:        Role,
			Scopes:      scopes,
			Caps:        []string{},
			Commands:    []string{},
			Permissions: map[string]any{},
			Auth:        ConnectAuth{Token: token},
			Device: DeviceProof{
				ID:        id.DeviceID,
				PublicKey: id.PublicKeyString(),
				Signature: auth.Sign(id.PrivateKey, claim),
				SignedAt:  signedAt,
				Nonce:     ch.Nonce,
			},
			Locale:    c.locale(),
			UserAgent: c.userAgent(),
		},
	}
	s.reqID = req.ID

	if err := c.writeJSON(s, req); err != nil {
		c.transportLost(s, err)
		return
	}
	logger.Debug("sent connect request", "id", req.ID, "device_id", id.DeviceID, "nonce", ch.Nonce != nil)
}

func (c *Client) handleConnectResponse(s *session, f Frame) {
	s.reqID = ""

	if f.Succeeded() {
		var res connectResult
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &res); err != nil {
				logger.Warn("bad connect result payload", "err", err)
			}
		}
		if res.Auth != nil && res.Auth.DeviceToken != "" {
			auth.NewTokenCache(c.storage()).Store(res.Auth.DeviceToken)
		}
		if !c.advance(s, StateAuthenticating, StateConnected) {
			return
		}
		logger.Info("gateway connected")
		c.notifyStatus(StatusConnected)
		c.notifyEvent(f)
		return
	}

	authErr := &AuthError{}
	if f.Error != nil {
		authErr.Code = f.Error.Code
		authErr.Message = f.Error.Message
	}
	if len(f.Details) > 0 {
		var d failureDetails
		if err := json.Unmarshal(f.Details, &d); err == nil {
			authErr.RequestID = d.RequestID
		}
	}
	logger.Warn("gateway rejected connect", "code", authErr.Code, "message", authErr.Message)

	if authErr.IsNotPaired() {
		c.notifyPairing(PairingRequired{RequestID: authErr.RequestID, Message: authErr.Error()})
	}
	c.notifyError(authErr)
	c.teardown(s)
}

// advance moves s from one state to the next if s is still the live session.
func (c *Client) advance(s *session, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closed || c.sess != s || c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Client) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !s.closed && c.sess == s
}

// transportLost handles a read or write failure on s.
func (c *Client) transportLost(s *session, err error) {
	c.mu.Lock()
	already := s.closed
	c.mu.Unlock()
	if already {
		return
	}
	switch code := websocket.CloseStatus(err); {
	case errors.Is(err, context.Canceled):
		logger.Debug("gateway read canceled", "err", err)
	case code != -1:
		logger.Info("gateway closed connection", "code", code)
		c.notifyError(fmt.Errorf("%w: closed by gateway: %w", ErrTransport, err))
	default:
		c.notifyError(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	c.teardown(s)
}

// teardown closes s exactly once and reports the disconnect.
func (c *Client) teardown(s *session) {
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	if c.sess == s {
		c.sess = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	s.cancel()
	s.conn.CloseNow()
	c.notifyStatus(StatusDisconnected)
}

func (c *Client) writeJSON(s *session, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) storage() auth.Storage {
	if c.Storage != nil {
		return c.Storage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem == nil {
		c.mem = auth.NewMemStorage()
	}
	return c.mem
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Client) platform() string {
	if c.Platform != "" {
		return c.Platform
	}
	return runtime.GOOS
}

func (c *Client) locale() string {
	if c.Locale != "" {
		return c.Locale
	}
	return SystemLocale()
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return fmt.Sprintf("opclaw/%s (%s; %s)", ClientVersion, runtime.GOOS, runtime.GOARCH)
}

// SystemLocale turns LC_ALL or LANG ("en_US.UTF-8") into a BCP 47 tag ("en-US").
func SystemLocale() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		v := os.Getenv(key)
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return "en-US"
}

func (c *Client) notifyEvent(f Frame) {
	if c.OnEvent != nil {
		c.OnEvent(f)
	}
}

func (c *Client) notifyStatus(st Status) {
	if c.OnStatus != nil {
		c.OnStatus(st)
	}
}

func (c *Client) notifyError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c *Client) notifyPairing(p PairingRequired) {
	if c.OnPairingRequired != nil {
		c.OnPairingRequired(p)
	}
}
