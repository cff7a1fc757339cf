package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/nsqc/protocol"
)

// Handler processes messages delivered by Consumer.Consume. Returning nil
// finishes the message, returning an error requeues it. A handler may also
// settle the message itself, in which case the return value is only logged.
type Handler interface {
	HandleMessage(msg *Message) error
}

type HandlerFunc func(msg *Message) error

func (f HandlerFunc) HandleMessage(msg *Message) error {
	return f(msg)
}

// Consumer subscribes a single connection to a topic and channel and tracks
// the RDY credit granted to the server.
type Consumer struct {
	conn    *Conn
	config  *Config
	metrics *Metrics
	log     *zap.Logger

	mu      sync.Mutex
	topic   string
	channel string
	rdy     int64
	target  int64
}

func NewConsumer(addr string, config *Config, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}

	log = log.Named("consumer")

	return &Consumer{
		conn:    NewConn(addr, config, log),
		config:  config,
		metrics: config.Metrics,
		log:     log.With(zap.String("addr", addr)),
	}
}

func (c *Consumer) Address() string {
	return c.conn.Address()
}

func (c *Consumer) IsConnected() bool {
	return c.conn.IsConnected()
}

func (c *Consumer) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.topic
}

func (c *Consumer) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channel
}

// RDY is the credit the consumer believes the server currently holds.
func (c *Consumer) RDY() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rdy
}

// Connect connects and resets the tracked RDY, since a new connection starts
// with none.
func (c *Consumer) Connect(ctx context.Context) error {
	if c.conn.IsConnected() {
		return nil
	}

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.rdy = 0
	c.mu.Unlock()

	return nil
}

// Subscribe sends SUB and waits, up to the read timeout, for the server to
// accept it. A connection can only be subscribed once.
func (c *Consumer) Subscribe(ctx context.Context, topic, channel string) error {
	if err := c.conn.WriteCommand(protocol.Subscribe(topic, channel)); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	frame, err := c.conn.ReadFrame(ctx, c.config.ReadTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	resp, ok := frame.(*protocol.Response)
	switch {
	case frame == nil:
		return fmt.Errorf("%w: timed out waiting for the server", ErrSubscribeFailed)

	case !ok || !resp.IsOK():
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, ErrUnexpectedResponse)
	}

	c.mu.Lock()
	c.topic = topic
	c.channel = channel
	c.mu.Unlock()

	c.log.Info("Subscribed", zap.String("topic", topic), zap.String("channel", channel))
	return nil
}

// SetReady tells the server how many messages it may have in flight on this
// connection. Repeating the current value sends nothing.
func (c *Consumer) SetReady(count int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.setReady(count)
}

func (c *Consumer) setReady(count int64) error {
	count = c.clamp(count)
	if count == c.rdy {
		return nil
	}

	if err := c.conn.WriteCommand(protocol.Ready(count)); err != nil {
		return err
	}

	c.rdy = count
	c.metrics.rdy(c.conn.Address())
	return nil
}

// clamp limits count to the most the server accepts.
func (c *Consumer) clamp(count int64) int64 {
	server := c.conn.ServerConfig()
	if server == nil || server.MaxRdyCount <= 0 || count <= server.MaxRdyCount {
		return count
	}

	c.log.Warn("RDY exceeds the server maximum, clamping",
		zap.Int64("rdy", count),
		zap.Int64("max", server.MaxRdyCount))

	return server.MaxRdyCount
}

// Fin finishes a message. RDY tracking is only touched once the command has
// been written.
func (c *Consumer) Fin(id protocol.MessageID) error {
	if err := c.conn.WriteCommand(protocol.Finish(id)); err != nil {
		return err
	}

	c.metrics.finish(c.Topic(), c.Channel())
	return c.consumed()
}

func (c *Consumer) Req(id protocol.MessageID, delay time.Duration) error {
	if err := c.conn.WriteCommand(protocol.Requeue(id, delay)); err != nil {
		return err
	}

	c.metrics.requeue(c.Topic(), c.Channel())
	return c.consumed()
}

func (c *Consumer) Touch(id protocol.MessageID) error {
	if err := c.conn.WriteCommand(protocol.Touch(id)); err != nil {
		return err
	}

	c.metrics.touch(c.Topic(), c.Channel())
	return nil
}

// consumed accounts for one settled message and re-arms RDY once a quarter or
// less of the target window remains.
func (c *Consumer) consumed() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdy > 0 {
		c.rdy--
	}

	if c.target > 0 && c.rdy <= c.target/4 {
		return c.setReady(c.target)
	}

	return nil
}

// arm sets the RDY window that consumed re-arms to, and grants it.
func (c *Consumer) arm(target int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.target = c.clamp(target)
	return c.setReady(c.target)
}

// Receive reads the next message, waiting at most timeout. It returns
// (nil, nil) on timeout. Non fatal error frames, such as E_FIN_FAILED, are
// returned as errors with the connection left open.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	frame, err := c.conn.ReadFrame(ctx, timeout)
	if err != nil {
		return nil, err
	}

	switch f := frame.(type) {
	case nil:
		return nil, nil

	case *protocol.Message:
		c.metrics.received(c.Topic(), c.Channel())
		return NewMessage(f, c), nil

	case *protocol.Response:
		if f.IsCloseWait() {
			return nil, ErrClosing
		}

		c.log.Error("Unexpected response, closing connection", zap.ByteString("response", f.Msg))
		c.conn.Abort()
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedResponse, f.Msg)

	default:
		return nil, fmt.Errorf("%w: %s frame", ErrUnexpectedResponse, frame.Type())
	}
}

// Consume grants the configured RDY and runs handler on every delivered
// message until ctx is done, the connection closes or a fatal error is read.
// Cancelling ctx or closing the consumer is a clean exit and returns nil.
//
// Messages are read on one goroutine and handled on others, so heartbeats
// are answered however long the handler takes.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	target := c.config.RdyCount
	if target < 1 {
		target = 1
	}

	messages := make(chan *Message, target)

	var wg sync.WaitGroup
	for i := 0; i < c.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for msg := range messages {
				c.handle(handler, msg)
			}
		}()
	}

	err := c.readLoop(ctx, target, messages)

	close(messages)
	wg.Wait()

	return err
}

func (c *Consumer) readLoop(ctx context.Context, target int64, messages chan<- *Message) error {
	if err := c.arm(target); err != nil {
		return err
	}

	for {
		msg, err := c.Receive(ctx, 0)

		var perr *protocol.Error
		switch {
		case err == nil:

		case ctx.Err() != nil, errors.Is(err, ErrClosing):
			return nil

		case errors.Is(err, ErrNotConnected):
			return nil

		case errors.As(err, &perr) && !perr.TerminatesConnection():
			c.log.Warn("Server rejected a command", zap.String("error", perr.Error()))
			continue

		default:
			return err
		}

		if msg == nil {
			continue
		}

		select {
		case messages <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) handle(handler Handler, msg *Message) {
	err := c.run(handler, msg)

	if msg.IsProcessed() {
		if err != nil {
			c.log.Warn("Handler failed after settling message", zap.Stringer("id", msg.ID), zap.Error(err))
		}
		return
	}

	if err == nil {
		if ferr := msg.Finish(); ferr != nil {
			c.log.Warn("Failed to finish message", zap.Stringer("id", msg.ID), zap.Error(ferr))
		}
		return
	}

	delay := c.requeueDelay(msg.Attempts)
	c.log.Warn("Handler failed, requeueing message",
		zap.Stringer("id", msg.ID),
		zap.Uint16("attempts", msg.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err))

	if rerr := msg.Requeue(delay); rerr != nil {
		c.log.Warn("Failed to requeue message", zap.Stringer("id", msg.ID), zap.Error(rerr))
	}
}

// run calls the handler, turning a panic into an error so the message is
// requeued instead of taking the process down.
func (c *Consumer) run(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler.HandleMessage(msg)
}

func (c *Consumer) requeueDelay(attempts uint16) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := c.config.RequeueDelay * time.Duration(attempts)
	if max := c.config.MaxRequeueDelay; max > 0 && delay > max {
		return max
	}

	return delay
}

// Close closes the connection gracefully, see Conn.Close.
func (c *Consumer) Close() error {
	return c.conn.Close()
}

func (c *Consumer) Abort() error {
	return c.conn.Abort()
}

var _ Acknowledger = (*Consumer)(nil)
