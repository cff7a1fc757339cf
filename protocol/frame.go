package protocol

import (
	"bytes"
	"time"
)

type FrameType int32

const (
	FrameTypeResponse FrameType = 0
	FrameTypeError    FrameType = 1
	FrameTypeMessage  FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	default:
		return "unknown"
	}
}

const (
	// MsgIDLength is the size of the opaque message id carried in Message frames.
	MsgIDLength = 16

	sizeBytes      = 4
	typeBytes      = 4
	timestampBytes = 8
	attemptsBytes  = 2

	// messageHeaderBytes is everything in a Message payload before the body.
	messageHeaderBytes = timestampBytes + attemptsBytes + MsgIDLength
)

var (
	ResponseOK        = []byte("OK")
	ResponseHeartbeat = []byte("_heartbeat_")
	ResponseCloseWait = []byte("CLOSE_WAIT")
)

// Frame is one length prefixed unit read from the server. It is one of
// *Response, *Error or *Message.
type Frame interface {
	Type() FrameType
}

type Response struct {
	Msg []byte
}

func (r *Response) Type() FrameType { return FrameTypeResponse }

func (r *Response) IsOK() bool {
	return bytes.Equal(r.Msg, ResponseOK)
}

func (r *Response) IsHeartbeat() bool {
	return bytes.Equal(r.Msg, ResponseHeartbeat)
}

func (r *Response) IsCloseWait() bool {
	return bytes.Equal(r.Msg, ResponseCloseWait)
}

type MessageID [MsgIDLength]byte

func (id MessageID) String() string {
	return string(id[:])
}

type Message struct {
	// Timestamp is nanoseconds since the epoch at which the server received
	// the message.
	Timestamp int64
	Attempts  uint16
	ID        MessageID
	Body      []byte
}

func (m *Message) Type() FrameType { return FrameTypeMessage }

func (m *Message) Time() time.Time {
	return time.Unix(0, m.Timestamp)
}

var _ Frame = (*Response)(nil)
var _ Frame = (*Error)(nil)
var _ Frame = (*Message)(nil)
