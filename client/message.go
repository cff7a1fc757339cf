package client

import (
	"sync"
	"time"

	"github.com/luma/nsqc/protocol"
)

// Acknowledger settles messages on the connection they were delivered on.
// Consumer implements it.
type Acknowledger interface {
	Fin(id protocol.MessageID) error
	Req(id protocol.MessageID, delay time.Duration) error
	Touch(id protocol.MessageID) error
}

// Message is a delivered message. It must be settled exactly once, with
// Finish or Requeue, before the server's message timeout runs out. Touch
// extends that timeout.
type Message struct {
	ID        protocol.MessageID
	Body      []byte
	Timestamp time.Time
	Attempts  uint16

	ack Acknowledger

	mu        sync.Mutex
	processed bool
}

func NewMessage(frame *protocol.Message, ack Acknowledger) *Message {
	return &Message{
		ID:        frame.ID,
		Body:      frame.Body,
		Timestamp: frame.Time(),
		Attempts:  frame.Attempts,
		ack:       ack,
	}
}

// Finish tells the server the message was handled successfully.
func (m *Message) Finish() error {
	return m.settle(func() error {
		return m.ack.Fin(m.ID)
	})
}

// Requeue hands the message back to the server to be redelivered after delay.
func (m *Message) Requeue(delay time.Duration) error {
	return m.settle(func() error {
		return m.ack.Req(m.ID, delay)
	})
}

// Touch resets the server side timeout of an unsettled message.
func (m *Message) Touch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed {
		return ErrMessageProcessed
	}

	return m.ack.Touch(m.ID)
}

func (m *Message) IsProcessed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.processed
}

// settle marks the message processed only once fn succeeds, so a failed FIN
// or REQ can be retried.
func (m *Message) settle(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed {
		return ErrMessageProcessed
	}

	if err := fn(); err != nil {
		return err
	}

	m.processed = true
	return nil
}
