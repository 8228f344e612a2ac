package calling

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks malformed envelopes or payloads.
	ErrDecode = errors.New("decode failure")
	// ErrUnknownDevice marks a device kind the protocol does not define.
	ErrUnknownDevice = errors.New("unknown device type")
	// ErrUnsupportedDevice marks a known device kind that is not reconciled.
	ErrUnsupportedDevice = errors.New("unsupported device type")
	// ErrNoCallID is returned for operations that need a permanent call id
	// before the relay has assigned one.
	ErrNoCallID = errors.New("call has no call id yet")
	// ErrCallEnded completes actions that were outstanding when their call ended.
	ErrCallEnded = errors.New("call ended")
)

// codeSuccess is the acknowledgement code of a successful remote operation.
const codeSuccess = "200"

// ProtocolError is a non-success acknowledgement from the relay.
type ProtocolError struct {
	Method  string
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed with code %s: %s", e.Method, e.Code, e.Message)
}

// checkCode turns a reply code into an error when it is not a success.
func checkCode(method, code, message string) error {
	if code == codeSuccess {
		return nil
	}
	return &ProtocolError{Method: method, Code: code, Message: message}
}
