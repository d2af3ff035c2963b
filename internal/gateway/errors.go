package gateway

import (
	"errors"
	"fmt"
)

// ErrTransport wraps every socket-level failure. The client never reconnects
// on its own after one of these.
var ErrTransport = errors.New("gateway transport error")

// ProtocolError is a frame that could not be decoded. The connection stays open.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// AuthError is the gateway's rejection of the connect request.
type AuthError struct {
	Code      string
	Message   string
	RequestID string // pairing request id, set with CodeNotPaired
}

func (e *AuthError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	default:
		return "UNKNOWN"
	}
}

// IsNotPaired reports whether the device must be approved out of band first.
func (e *AuthError) IsNotPaired() bool {
	return e.Code == CodeNotPaired
}
