package protocol

import (
	"bytes"
)

// ErrorCode is the first space delimited token of an Error frame.
type ErrorCode string

const (
	ErrCodeInvalid      ErrorCode = "E_INVALID"
	ErrCodeBadBody      ErrorCode = "E_BAD_BODY"
	ErrCodeBadTopic     ErrorCode = "E_BAD_TOPIC"
	ErrCodeBadChannel   ErrorCode = "E_BAD_CHANNEL"
	ErrCodeBadMessage   ErrorCode = "E_BAD_MESSAGE"
	ErrCodePubFailed    ErrorCode = "E_PUB_FAILED"
	ErrCodeMPubFailed   ErrorCode = "E_MPUB_FAILED"
	ErrCodeDPubFailed   ErrorCode = "E_DPUB_FAILED"
	ErrCodeFinFailed    ErrorCode = "E_FIN_FAILED"
	ErrCodeReqFailed    ErrorCode = "E_REQ_FAILED"
	ErrCodeTouchFailed  ErrorCode = "E_TOUCH_FAILED"
	ErrCodeAuthFailed   ErrorCode = "E_AUTH_FAILED"
	ErrCodeUnauthorized ErrorCode = "E_UNAUTHORIZED"
)

// nonTerminating lists the codes after which the server keeps the connection
// open. Everything else, including codes we don't recognise, is fatal.
var nonTerminating = map[ErrorCode]struct{}{
	ErrCodeFinFailed:   {},
	ErrCodeReqFailed:   {},
	ErrCodeTouchFailed: {},
}

// TerminatesConnection reports whether receiving this code means the
// connection must be closed.
func (c ErrorCode) TerminatesConnection() bool {
	_, ok := nonTerminating[c]
	return !ok
}

// Error is an Error frame. It doubles as a Go error so it can be surfaced to
// callers as is.
type Error struct {
	Raw []byte
}

func (e *Error) Type() FrameType { return FrameTypeError }

func (e *Error) Code() ErrorCode {
	if i := bytes.IndexByte(e.Raw, ' '); i >= 0 {
		return ErrorCode(e.Raw[:i])
	}

	return ErrorCode(e.Raw)
}

func (e *Error) TerminatesConnection() bool {
	return e.Code().TerminatesConnection()
}

func (e *Error) Error() string {
	return string(e.Raw)
}

var _ error = (*Error)(nil)
