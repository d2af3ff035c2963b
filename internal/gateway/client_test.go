package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/ehrlich-b/opclaw/internal/auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// recorder collects client callbacks on channels.
type recorder struct {
	events   chan Frame
	statuses chan Status
	errs     chan error
	pairing  chan PairingRequired
}

func newRecorder(c *Client) *recorder {
	r := &recorder{
		events:   make(chan Frame, 32),
		statuses: make(chan Status, 32),
		errs:     make(chan error, 32),
		pairing:  make(chan PairingRequired, 32),
	}
	c.OnEvent = func(f Frame) { r.events <- f }
	c.OnStatus = func(s Status) { r.statuses <- s }
	c.OnError = func(err error) { r.errs <- err }
	c.OnPairingRequired = func(p PairingRequired) { r.pairing <- p }
	return r
}

func (r *recorder) status(t *testing.T) Status {
	t.Helper()
	select {
	case s := <-r.statuses:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for status")
		return ""
	}
}

func (r *recorder) event(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-r.events:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return Frame{}
	}
}

func (r *recorder) err(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

// newGateway starts an in-process gateway that runs handler for each socket.
func newGateway(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func send(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

type connectRequest struct {
	Type   string        `json:"type"`
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params ConnectParams `json:"params"`
}

func readConnect(ctx context.Context, conn *websocket.Conn) (connectRequest, error) {
	var req connectRequest
	_, data, err := conn.Read(ctx)
	if err != nil {
		return req, err
	}
	err = json.Unmarshal(data, &req)
	return req, err
}

// drain blocks until the client goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func challenge(nonce any) map[string]any {
	payload := map[string]any{}
	if nonce != nil {
		payload["nonce"] = nonce
	}
	return map[string]any{"type": "event", "event": EventConnectChallenge, "payload": payload}
}

func newTestClient(t *testing.T, st auth.Storage) (*Client, *recorder) {
	t.Helper()
	c := &Client{
		Storage:   st,
		Locale:    "en-US",
		Platform:  "linux",
		UserAgent: "opclaw-test",
		now:       func() time.Time { return time.UnixMilli(1700000000123) },
	}
	r := newRecorder(c)
	t.Cleanup(c.Close)
	return c, r
}

func TestConnectHandshake(t *testing.T) {
	reqs := make(chan connectRequest, 1)
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		if err := send(ctx, conn, challenge("nonce-1")); err != nil {
			return
		}
		req, err := readConnect(ctx, conn)
		if err != nil {
			t.Errorf("read connect: %v", err)
			return
		}
		reqs <- req
		send(ctx, conn, map[string]any{
			"type": "res",
			"id":   req.ID,
			"ok":   true,
			"payload": map[string]any{
				"type":     "hello-ok",
				"auth":     map[string]any{"deviceToken": "T"},
				"snapshot": map[string]any{"presence": []any{map[string]any{"state": "idle"}}},
			},
		})
		send(ctx, conn, map[string]any{"type": "event", "event": "agent", "data": map[string]any{"delta": "hi"}})
		drain(ctx, conn)
	})

	st := auth.NewMemStorage()
	c, rec := newTestClient(t, st)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL, Token: "static"}))

	var req connectRequest
	select {
	case req = <-reqs:
	case <-time.After(waitTimeout):
		t.Fatal("gateway never got connect request")
	}

	assert.Equal(t, FrameReq, req.Type)
	assert.Equal(t, MethodConnect, req.Method)
	_, err := uuid.Parse(req.ID)
	assert.NoError(t, err, "request id must be a uuid")

	p := req.Params
	assert.Equal(t, 3, p.MinProtocol)
	assert.Equal(t, 3, p.MaxProtocol)
	assert.Equal(t, ClientInfo{ID: ClientID, Version: ClientVersion, Platform: "linux", Mode: ClientMode}, p.Client)
	assert.Equal(t, Role, p.Role)
	assert.Equal(t, Scopes(), p.Scopes)
	assert.NotNil(t, p.Caps)
	assert.NotNil(t, p.Commands)
	assert.NotNil(t, p.Permissions)
	assert.Equal(t, "static", p.Auth.Token)
	assert.Equal(t, "en-US", p.Locale)
	assert.Equal(t, "opclaw-test", p.UserAgent)
	assert.Equal(t, int64(1700000000123), p.Device.SignedAt)
	require.NotNil(t, p.Device.Nonce)
	assert.Equal(t, "nonce-1", *p.Device.Nonce)

	// Verify the proof the way the gateway does.
	pub, err := auth.DecodeBase64URL(p.Device.PublicKey)
	require.NoError(t, err)
	require.Len(t, pub, 32)
	assert.Equal(t, auth.DeriveDeviceID(pub), p.Device.ID)
	var pubKey [32]byte
	copy(pubKey[:], pub)
	claim := auth.BuildClaim(auth.ClaimParams{
		DeviceID:   p.Device.ID,
		ClientID:   p.Client.ID,
		ClientMode: p.Client.Mode,
		Role:       p.Role,
		Scopes:     p.Scopes,
		SignedAtMs: p.Device.SignedAt,
		Token:      p.Auth.Token,
		Nonce:      p.Device.Nonce,
	})
	assert.Contains(t, claim, "v2|")
	assert.True(t, auth.Verify(pubKey, claim, p.Device.Signature))

	assert.Equal(t, StatusConnected, rec.status(t))
	assert.Equal(t, StateConnected, c.State())

	hello := rec.event(t)
	assert.Equal(t, FrameRes, hello.Type)
	assert.True(t, hello.Succeeded())

	agent := rec.event(t)
	assert.Equal(t, "agent", agent.Event)
	assert.JSONEq(t, `{"delta":"hi"}`, string(agent.Body()))
	assert.JSONEq(t, `{"type":"event","event":"agent","data":{"delta":"hi"}}`, string(agent.Raw))

	tok, ok := auth.NewTokenCache(st).Load()
	require.True(t, ok)
	assert.Equal(t, "T", tok)
}

func TestConnectPrefersCachedToken(t *testing.T) {
	reqs := make(chan connectRequest, 1)
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, challenge(nil))
		req, err := readConnect(ctx, conn)
		if err != nil {
			return
		}
		reqs <- req
		drain(ctx, conn)
	})

	st := auth.NewMemStorage()
	auth.NewTokenCache(st).Store("cached")
	c, _ := newTestClient(t, st)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL, Token: "static"}))

	select {
	case req := <-reqs:
		assert.Equal(t, "cached", req.Params.Auth.Token)
		assert.Nil(t, req.Params.Device.Nonce)

		pub, _ := auth.DecodeBase64URL(req.Params.Device.PublicKey)
		var pubKey [32]byte
		copy(pubKey[:], pub)
		claim := auth.BuildClaim(auth.ClaimParams{
			DeviceID:   req.Params.Device.ID,
			ClientID:   ClientID,
			ClientMode: ClientMode,
			Role:       Role,
			Scopes:     Scopes(),
			SignedAtMs: req.Params.Device.SignedAt,
			Token:      "cached",
		})
		assert.Contains(t, claim, "v1|")
		assert.True(t, auth.Verify(pubKey, claim, req.Params.Device.Signature))
	case <-time.After(waitTimeout):
		t.Fatal("gateway never got connect request")
	}
}

func TestIdentityStableAcrossConnects(t *testing.T) {
	ids := make(chan string, 2)
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, challenge("n"))
		req, err := readConnect(ctx, conn)
		if err != nil {
			return
		}
		ids <- req.Params.Device.ID
		drain(ctx, conn)
	})

	c, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))
	first := <-ids
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))
	second := <-ids
	assert.Equal(t, first, second)
}

func TestNoConnectBeforeChallenge(t *testing.T) {
	release := make(chan struct{})
	firsts := make(chan connectRequest, 1)
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		<-release
		send(ctx, conn, challenge("n"))
		req, err := readConnect(ctx, conn)
		if err != nil {
			return
		}
		firsts <- req
		drain(ctx, conn)
	})

	c, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateAwaitingChallenge, c.State())
	close(release)

	select {
	case req := <-firsts:
		assert.Equal(t, MethodConnect, req.Method)
	case <-time.After(waitTimeout):
		t.Fatal("no connect after challenge")
	}
	assert.Eventually(t, func() bool { return c.State() == StateAuthenticating }, waitTimeout, 10*time.Millisecond)
}

func TestNotPaired(t *testing.T) {
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, challenge("n"))
		req, err := readConnect(ctx, conn)
		if err != nil {
			return
		}
		send(ctx, conn, map[string]any{
			"type":    "res",
			"id":      req.ID,
			"ok":      false,
			"error":   map[string]any{"code": "NOT_PAIRED", "message": "device not paired"},
			"details": map[string]any{"requestId": "abc"},
		})
		drain(ctx, conn)
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	select {
	case p := <-rec.pairing:
		assert.Equal(t, "abc", p.RequestID)
	case <-time.After(waitTimeout):
		t.Fatal("pairing-required not reported")
	}

	err := rec.err(t)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.True(t, authErr.IsNotPaired())
	assert.Equal(t, "abc", authErr.RequestID)
	assert.Equal(t, "device not paired", err.Error())

	assert.Equal(t, StatusDisconnected, rec.status(t))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestGenericRejection(t *testing.T) {
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, challenge("n"))
		req, err := readConnect(ctx, conn)
		if err != nil {
			return
		}
		send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": false, "error": map[string]any{"code": "BAD_TOKEN"}})
		drain(ctx, conn)
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	err := rec.err(t)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.False(t, authErr.IsNotPaired())
	assert.Equal(t, "BAD_TOKEN", err.Error())
	assert.Equal(t, StatusDisconnected, rec.status(t))
	assert.Empty(t, rec.pairing)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	reqs := make(chan connectRequest, 1)
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Write(ctx, websocket.MessageText, []byte("not json"))
		conn.Write(ctx, websocket.MessageText, []byte(`{"no":"type"}`))
		send(ctx, conn, challenge("n"))
		req, err := readConnect(ctx, conn)
		if err != nil {
			return
		}
		reqs <- req
		drain(ctx, conn)
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	for i := 0; i < 2; i++ {
		var perr *ProtocolError
		assert.True(t, errors.As(rec.err(t), &perr))
	}
	select {
	case <-reqs:
	case <-time.After(waitTimeout):
		t.Fatal("connection did not survive malformed frames")
	}
	assert.Empty(t, rec.statuses)
}

func TestFramesBeforeConnectDropped(t *testing.T) {
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, map[string]any{"type": "event", "event": "tick"})
		send(ctx, conn, challenge("n"))
		req, err := readConnect(ctx, conn)
		if err != nil {
			return
		}
		send(ctx, conn, map[string]any{"type": "event", "event": "presence", "data": map[string]any{"state": "idle"}})
		send(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"type": "hello-ok"}})
		send(ctx, conn, map[string]any{"type": "event", "event": "tick"})
		drain(ctx, conn)
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	assert.Equal(t, StatusConnected, rec.status(t))
	assert.Equal(t, FrameRes, rec.event(t).Type)
	assert.Equal(t, "tick", rec.event(t).Event)
}

func TestSecondChallengeIgnored(t *testing.T) {
	count := make(chan int, 1)
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		send(ctx, conn, challenge("a"))
		send(ctx, conn, challenge("b"))
		n := 0
		for {
			readCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
			_, _, err := conn.Read(readCtx)
			cancel()
			if err != nil {
				break
			}
			n++
		}
		count <- n
	})

	c, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	select {
	case n := <-count:
		assert.Equal(t, 1, n)
	case <-time.After(waitTimeout):
		t.Fatal("gateway handler did not finish")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	closed := make(chan struct{})
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		drain(ctx, conn)
		close(closed)
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	c.Close()
	c.Close()

	assert.Equal(t, StatusDisconnected, rec.status(t))
	assert.Equal(t, StateDisconnected, c.State())
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("transport not released")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.statuses, "only one disconnect per transport")
	assert.Empty(t, rec.errs, "caller-initiated close is not an error")
}

func TestReconnectTearsDownPrevious(t *testing.T) {
	gone := make(chan struct{}, 2)
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		drain(ctx, conn)
		gone <- struct{}{}
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	select {
	case <-gone:
	case <-time.After(waitTimeout):
		t.Fatal("first transport still open")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gone, "second transport must stay open")
	assert.Equal(t, StatusDisconnected, rec.status(t))
	assert.Equal(t, StateAwaitingChallenge, c.State())
}

func TestServerCloseReportsDisconnected(t *testing.T) {
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "restart")
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	err := rec.err(t)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Equal(t, StatusDisconnected, rec.status(t))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestTransportErrorReported(t *testing.T) {
	srv := newGateway(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.CloseNow()
	})

	c, rec := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background(), Config{GatewayURL: srv.URL}))

	assert.True(t, errors.Is(rec.err(t), ErrTransport))
	assert.Equal(t, StatusDisconnected, rec.status(t))
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, rec := newTestClient(t, nil)
	err := c.Connect(context.Background(), Config{GatewayURL: url})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(rec.err(t), ErrTransport))
	assert.Equal(t, StatusDisconnected, rec.status(t))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"ws://host:1":         "ws://host:1",
		"wss://host/ws":       "wss://host/ws",
		"https://host/ws":     "wss://host/ws",
		"http://host:18789":   "ws://host:18789",
		"localhost:18789":     "ws://localhost:18789",
		"  http://padded  ":   "ws://padded",
		"HTTPS://Upper.Host/": "wss://Upper.Host/",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"event","event":"chat","payload":{"state":"final"}}`))
	require.NoError(t, err)
	assert.Equal(t, "chat", f.Event)
	assert.JSONEq(t, `{"state":"final"}`, string(f.Body()))

	f, err = DecodeFrame([]byte(`{"type":"event","event":"x","data":{"a":1},"payload":{"b":2}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(f.Body()))

	for _, bad := range []string{``, `nope`, `[1,2]`, `"str"`, `{}`, `null`} {
		_, err := DecodeFrame([]byte(bad))
		var perr *ProtocolError
		assert.True(t, errors.As(err, &perr), "input %q", bad)
	}
}

func TestSystemLocale(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LANG", "de_DE.UTF-8")
	assert.Equal(t, "de-DE", SystemLocale())

	t.Setenv("LANG", "C")
	assert.Equal(t, "en-US", SystemLocale())

	t.Setenv("LC_ALL", "fr_CA")
	assert.Equal(t, "fr-CA", SystemLocale())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_challenge", StateAwaitingChallenge.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second, // stays capped
	}

	for i, want := range expected {
		assert.Equal(t, want, bo.Next(), "attempt %d", i)
	}

	bo.Reset()
	assert.Equal(t, time.Second, bo.Next())
}
