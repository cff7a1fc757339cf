package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

func WriteCommand(w io.Writer, cmd *Command) error {
	_, err := cmd.WriteTo(w)
	return err
}

// AppendFrame appends the wire encoding of frame to buf:
//
//	[uint32 size][uint32 type][payload]
//
// where size counts the type field and the payload.
func AppendFrame(buf []byte, frame Frame) ([]byte, error) {
	var payloadSize int

	switch f := frame.(type) {
	case *Response:
		payloadSize = len(f.Msg)
	case *Error:
		payloadSize = len(f.Raw)
	case *Message:
		payloadSize = messageHeaderBytes + len(f.Body)
	default:
		return nil, fmt.Errorf("Failed to encode %T: %w", frame, ErrUnknownFrameType)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(typeBytes+payloadSize))
	buf = binary.BigEndian.AppendUint32(buf, uint32(frame.Type()))

	switch f := frame.(type) {
	case *Response:
		buf = append(buf, f.Msg...)
	case *Error:
		buf = append(buf, f.Raw...)
	case *Message:
		buf = binary.BigEndian.AppendUint64(buf, uint64(f.Timestamp))
		buf = binary.BigEndian.AppendUint16(buf, f.Attempts)
		buf = append(buf, f.ID[:]...)
		buf = append(buf, f.Body...)
	}

	return buf, nil
}

func WriteFrame(w io.Writer, frame Frame) error {
	b, err := AppendFrame(nil, frame)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

func WriteOk(w io.Writer) error {
	return WriteFrame(w, &Response{Msg: ResponseOK})
}

func WriteResponse(w io.Writer, msg []byte) error {
	return WriteFrame(w, &Response{Msg: msg})
}

func WriteError(w io.Writer, code ErrorCode, errMsg string) error {
	raw := string(code)
	if errMsg != "" {
		raw += " " + errMsg
	}

	return WriteFrame(w, &Error{Raw: []byte(raw)})
}
