package client

import (
	"context"
	"time"
)

// Subscriber pulls messages one at a time. It keeps RDY at 1, so the server
// never has more than a single message in flight to it; settle each message
// before asking for the next.
type Subscriber struct {
	consumer *Consumer
	timeout  time.Duration
}

// NewSubscriber wraps consumer. timeout bounds each call to Next, zero waits
// indefinitely.
func NewSubscriber(consumer *Consumer, timeout time.Duration) *Subscriber {
	return &Subscriber{
		consumer: consumer,
		timeout:  timeout,
	}
}

func (s *Subscriber) Consumer() *Consumer {
	return s.consumer
}

// Subscribe connects if needed, subscribes and grants the first message.
func (s *Subscriber) Subscribe(ctx context.Context, topic, channel string) error {
	if err := s.consumer.Connect(ctx); err != nil {
		return err
	}

	if err := s.consumer.Subscribe(ctx, topic, channel); err != nil {
		return err
	}

	return s.consumer.arm(1)
}

// Next returns the next message, or (nil, nil) if none arrived before the
// timeout.
func (s *Subscriber) Next(ctx context.Context) (*Message, error) {
	if err := s.consumer.arm(1); err != nil {
		return nil, err
	}

	return s.consumer.Receive(ctx, s.timeout)
}

func (s *Subscriber) Close() error {
	return s.consumer.Close()
}
