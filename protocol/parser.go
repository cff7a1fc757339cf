package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameSize bounds a single frame so that a corrupt size prefix
	// can't make us buffer forever.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrFrameTooShort    = errors.New("Frame is malformed, its size is smaller than the frame type field")
	ErrFrameTooLarge    = errors.New("Frame exceeds the maximum frame size")
	ErrMessageTooShort  = errors.New("Message frame is malformed, it is shorter than the message header")
	ErrUnknownFrameType = errors.New("Unknown frame type could not be parsed")
	ErrUnknownCommand   = errors.New("Unknown command could not be parsed")
	ErrBodyTooLarge     = errors.New("Command body exceeds the maximum body size")
	ErrEmptyCommand     = errors.New("Command line is empty")
)

// bodied lists the commands whose command line is followed by a data segment.
var bodied = map[CommandName]struct{}{
	IDENTIFY: {},
	AUTH:     {},
	PUB:      {},
	MPUB:     {},
	DPUB:     {},
}

var known = map[CommandName]struct{}{
	IDENTIFY: {}, AUTH: {}, SUB: {}, RDY: {}, FIN: {}, REQ: {}, TOUCH: {},
	PUB: {}, MPUB: {}, DPUB: {}, NOP: {}, CLS: {},
}

// Decoder turns a byte stream, fed in arbitrary chunks, into Frames.
//
// Partial frames are never an error: Next returns (nil, nil) until a whole
// frame has been buffered.
type Decoder struct {
	buf          []byte
	maxFrameSize uint32
}

func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &Decoder{maxFrameSize: uint32(maxFrameSize)}
}

// Feed appends data read from the transport.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes not yet consumed as frames.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Drain returns every buffered byte and empties the decoder. It is used when
// a compression layer is installed mid stream: bytes that arrived after the
// last uncompressed frame belong to the new layer.
func (d *Decoder) Drain() []byte {
	rest := d.buf
	d.buf = nil
	return rest
}

// Next returns the next complete frame, or (nil, nil) if more data is needed.
// On success exactly 4+size bytes are consumed.
func (d *Decoder) Next() (Frame, error) {
	if len(d.buf) < sizeBytes+typeBytes {
		return nil, nil
	}

	size := binary.BigEndian.Uint32(d.buf[:sizeBytes])
	if size < typeBytes {
		return nil, fmt.Errorf("Failed to parse frame of size %d: %w", size, ErrFrameTooShort)
	}

	if size > d.maxFrameSize {
		return nil, fmt.Errorf("Failed to parse frame of size %d: %w", size, ErrFrameTooLarge)
	}

	total := sizeBytes + int(size)
	if len(d.buf) < total {
		return nil, nil
	}

	frameType := FrameType(binary.BigEndian.Uint32(d.buf[sizeBytes : sizeBytes+typeBytes]))

	payload := make([]byte, total-sizeBytes-typeBytes)
	copy(payload, d.buf[sizeBytes+typeBytes:total])

	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]

	return DecodeFrame(frameType, payload)
}

// DecodeFrame builds a typed frame from its type field and payload.
func DecodeFrame(frameType FrameType, payload []byte) (Frame, error) {
	switch frameType {
	case FrameTypeResponse:
		return &Response{Msg: payload}, nil

	case FrameTypeError:
		return &Error{Raw: payload}, nil

	case FrameTypeMessage:
		if len(payload) < messageHeaderBytes {
			return nil, fmt.Errorf("Failed to parse message of %d bytes: %w", len(payload), ErrMessageTooShort)
		}

		msg := &Message{
			Timestamp: int64(binary.BigEndian.Uint64(payload[:timestampBytes])),
			Attempts:  binary.BigEndian.Uint16(payload[timestampBytes : timestampBytes+attemptsBytes]),
			Body:      payload[messageHeaderBytes:],
		}
		copy(msg.ID[:], payload[timestampBytes+attemptsBytes:messageHeaderBytes])

		return msg, nil

	default:
		return nil, fmt.Errorf("Failed to parse frame type %d: %w", frameType, ErrUnknownFrameType)
	}
}

// ReadCommand reads one client command from r. It is the server side
// counterpart of Command.WriteTo.
//
// maxBodySize bounds the data segment of bodied commands.
func ReadCommand(r *bufio.Reader, maxBodySize int) (*Command, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	line = bytes.TrimSuffix(line[:len(line)-1], []byte("\r"))
	if len(line) == 0 {
		return nil, ErrEmptyCommand
	}

	parts := bytes.Split(line, space)
	cmd := &Command{Name: CommandName(parts[0])}

	if _, ok := known[cmd.Name]; !ok {
		return nil, fmt.Errorf("Failed to parse '%s': %w", string(line), ErrUnknownCommand)
	}

	if len(parts) > 1 {
		cmd.Params = parts[1:]
	}

	if _, ok := bodied[cmd.Name]; !ok {
		return cmd, nil
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(sizeBuf[:])
	if maxBodySize > 0 && size > uint32(maxBodySize) {
		return nil, fmt.Errorf("Failed to read %s body of %d bytes: %w", cmd.Name, size, ErrBodyTooLarge)
	}

	cmd.Body = make([]byte, size)
	if _, err := io.ReadFull(r, cmd.Body); err != nil {
		return nil, err
	}

	return cmd, nil
}

// SplitMultiPublish decodes an MPUB body back into individual message bodies.
func SplitMultiPublish(body []byte) ([][]byte, error) {
	if len(body) < 4 {
		return nil, ErrEmptyBatch
	}

	count := binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	// Each message takes at least its 4 byte size prefix.
	capacity := len(body) / 4
	if uint64(count) < uint64(capacity) {
		capacity = int(count)
	}

	bodies := make([][]byte, 0, capacity)
	for i := uint32(0); i < count; i++ {
		if len(body) < 4 {
			return nil, io.ErrUnexpectedEOF
		}

		size := binary.BigEndian.Uint32(body[:4])
		body = body[4:]

		if uint32(len(body)) < size {
			return nil, io.ErrUnexpectedEOF
		}

		bodies = append(bodies, body[:size])
		body = body[size:]
	}

	return bodies, nil
}
