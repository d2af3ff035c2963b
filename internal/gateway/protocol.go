package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame types.
const (
	FrameEvent = "event"
	FrameReq   = "req"
	FrameRes   = "res"
)

const (
	EventConnectChallenge = "connect.challenge"
	MethodConnect         = "connect"
	PayloadHelloOK        = "hello-ok"

	ProtocolVersion = 3

	// Client metadata the gateway expects from the control UI.
	ClientID      = "openclaw-control-ui"
	ClientMode    = "webchat"
	ClientVersion = "0.1.0"
	Role          = "operator"

	CodeNotPaired = "NOT_PAIRED"
)

// Scopes requested on every connect, in wire order.
func Scopes() []string {
	return []string{
		"operator.read",
		"operator.write",
		"operator.admin",
		"operator.approvals",
		"operator.pairing",
	}
}

// Frame is one inbound JSON frame. Raw holds the exact bytes received.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// FrameError is the error object of a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Body returns the event body: data when present, payload otherwise.
func (f Frame) Body() json.RawMessage {
	if len(f.Data) > 0 && string(f.Data) != "null" {
		return f.Data
	}
	return f.Payload
}

// Succeeded reports whether f is a response with ok:true.
func (f Frame) Succeeded() bool {
	return f.Type == FrameRes && f.OK != nil && *f.OK
}

// DecodeFrame parses one text message from the gateway.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &ProtocolError{Err: err}
	}
	if f.Type == "" {
		return Frame{}, &ProtocolError{Err: errors.New("frame has no type")}
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return f, nil
}

// Request is an outbound request frame.
type Request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// ConnectParams is the body of the connect request.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      ClientInfo     `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Commands    []string       `json:"commands"`
	Permissions map[string]any `json:"permissions"`
	Auth        ConnectAuth    `json:"auth"`
	Device      DeviceProof    `json:"device"`
	Locale      string         `json:"locale"`
	UserAgent   string         `json:"userAgent"`
}

type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type ConnectAuth struct {
	Token string `json:"token"`
}

// DeviceProof carries the signed claim. Nonce echoes the challenge.
type DeviceProof struct {
	ID        string  `json:"id"`
	PublicKey string  `json:"publicKey"`
	Signature string  `json:"signature"`
	SignedAt  int64   `json:"signedAt"`
	Nonce     *string `json:"nonce,omitempty"`
}

type challengePayload struct {
	Nonce *string `json:"nonce"`
}

type connectResult struct {
	Type string `json:"type"`
	Auth *struct {
		DeviceToken string `json:"deviceToken"`
	} `json:"auth"`
}

type failureDetails struct {
	RequestID string `json:"requestId"`
}

// NormalizeURL maps http(s) URLs to ws(s) and gives bare hosts a ws:// scheme.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "ws://"), strings.HasPrefix(lower, "wss://"):
		return u
	case strings.HasPrefix(lower, "https://"):
		return "wss://" + u[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		return "ws://" + u[len("http://"):]
	default:
		return fmt.Sprintf("ws://%s", u)
	}
}
