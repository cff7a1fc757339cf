package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"time"
)

type CommandName string

const (
	IDENTIFY CommandName = "IDENTIFY"
	AUTH     CommandName = "AUTH"
	SUB      CommandName = "SUB"
	RDY      CommandName = "RDY"
	FIN      CommandName = "FIN"
	REQ      CommandName = "REQ"
	TOUCH    CommandName = "TOUCH"
	PUB      CommandName = "PUB"
	MPUB     CommandName = "MPUB"
	DPUB     CommandName = "DPUB"
	NOP      CommandName = "NOP"
	CLS      CommandName = "CLS"
)

var (
	// MagicV2 is written once, immediately after the TCP connection is opened.
	MagicV2 = []byte("  V2")

	ErrEmptyBatch = errors.New("Batch publish requires at least one message body")

	space = []byte(" ")
)

// Command is a single client instruction. Params are space separated on the
// command line; Body, when non-nil, follows as a size prefixed data segment.
type Command struct {
	Name   CommandName
	Params [][]byte
	Body   []byte
}

// String returns the command line without the trailing newline or body. It
// is intended for logging.
func (c *Command) String() string {
	if len(c.Params) == 0 {
		return string(c.Name)
	}

	return string(c.Name) + " " + string(bytes.Join(c.Params, space))
}

// WriteTo serialises the command as
//
//	NAME param1 param2\n[uint32 size][body]
//
// in a single Write call on w so that the command is never interleaved with
// another writer's bytes.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.Bytes())
	return int64(n), err
}

// Bytes returns the wire encoding of the command.
func (c *Command) Bytes() []byte {
	size := len(c.Name) + 1
	for _, p := range c.Params {
		size += len(p) + 1
	}

	if c.Body != nil {
		size += 4 + len(c.Body)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, c.Name...)

	for _, p := range c.Params {
		buf = append(buf, ' ')
		buf = append(buf, p...)
	}

	buf = append(buf, '\n')

	if c.Body != nil {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Body)))
		buf = append(buf, c.Body...)
	}

	return buf
}

func Identify(payload []byte) *Command {
	return &Command{Name: IDENTIFY, Body: payload}
}

func Auth(secret []byte) *Command {
	return &Command{Name: AUTH, Body: secret}
}

func Subscribe(topic, channel string) *Command {
	return &Command{Name: SUB, Params: [][]byte{[]byte(topic), []byte(channel)}}
}

func Ready(count int64) *Command {
	return &Command{Name: RDY, Params: [][]byte{strconv.AppendInt(nil, count, 10)}}
}

func Finish(id MessageID) *Command {
	return &Command{Name: FIN, Params: [][]byte{id[:]}}
}

// Requeue asks the server to put the message back on the queue after delay.
// The delay is sent in whole milliseconds.
func Requeue(id MessageID, delay time.Duration) *Command {
	return &Command{
		Name:   REQ,
		Params: [][]byte{id[:], strconv.AppendInt(nil, delay.Milliseconds(), 10)},
	}
}

func Touch(id MessageID) *Command {
	return &Command{Name: TOUCH, Params: [][]byte{id[:]}}
}

func Publish(topic string, body []byte) *Command {
	if body == nil {
		body = []byte{}
	}

	return &Command{Name: PUB, Params: [][]byte{[]byte(topic)}, Body: body}
}

// MultiPublish encodes bodies as
//
//	[uint32 count]([uint32 size][body])*
func MultiPublish(topic string, bodies [][]byte) (*Command, error) {
	if len(bodies) == 0 {
		return nil, ErrEmptyBatch
	}

	size := 4
	for _, b := range bodies {
		size += 4 + len(b)
	}

	payload := make([]byte, 0, size)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(bodies)))

	for _, b := range bodies {
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(b)))
		payload = append(payload, b...)
	}

	return &Command{Name: MPUB, Params: [][]byte{[]byte(topic)}, Body: payload}, nil
}

func DeferredPublish(topic string, delay time.Duration, body []byte) *Command {
	if body == nil {
		body = []byte{}
	}

	return &Command{
		Name:   DPUB,
		Params: [][]byte{[]byte(topic), strconv.AppendInt(nil, delay.Milliseconds(), 10)},
		Body:   body,
	}
}

func Nop() *Command {
	return &Command{Name: NOP}
}

func Close() *Command {
	return &Command{Name: CLS}
}
