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

type result struct {
	resp *protocol.Response
	err  error
}

// Producer publishes to a single broker. Publishes are serialised: each one
// waits for its response before the next is written, which keeps responses
// and requests paired without tagging them.
type Producer struct {
	conn    *Conn
	config  *Config
	metrics *Metrics
	log     *zap.Logger

	pubMu sync.Mutex

	mu      sync.Mutex
	results chan result
	stopped chan struct{}
}

func NewProducer(addr string, config *Config, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}

	log = log.Named("producer")

	return &Producer{
		conn:    NewConn(addr, config, log),
		config:  config,
		metrics: config.Metrics,
		log:     log.With(zap.String("addr", addr)),
	}
}

func (p *Producer) Address() string {
	return p.conn.Address()
}

func (p *Producer) IsConnected() bool {
	return p.conn.IsConnected()
}

// Connect connects and starts the read loop. It is a no-op while connected.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn.IsConnected() {
		return nil
	}

	if p.stopped != nil {
		<-p.stopped
	}

	if err := p.conn.Connect(ctx); err != nil {
		return err
	}

	p.results = make(chan result, 1)
	p.stopped = make(chan struct{})

	go p.readLoop(p.results, p.stopped)

	return nil
}

// readLoop routes responses to the publish waiting on them. Heartbeats are
// handled inside ReadFrame and never show up here.
func (p *Producer) readLoop(results chan<- result, stopped chan<- struct{}) {
	defer close(stopped)

	log := p.log.Named("readLoop")

	for {
		frame, err := p.conn.ReadFrame(context.Background(), 0)

		var perr *protocol.Error
		switch {
		case err == nil:

		case errors.As(err, &perr):
			p.deliver(results, result{err: perr})
			if perr.TerminatesConnection() {
				return
			}
			continue

		default:
			if p.conn.IsConnected() {
				log.Warn("Read failed", zap.Error(err))
			}
			p.deliver(results, result{err: err})
			return
		}

		resp, ok := frame.(*protocol.Response)
		if !ok {
			log.Warn("Unexpected frame on producer connection", zap.Stringer("type", frame.Type()))
			continue
		}

		if resp.IsCloseWait() {
			return
		}

		p.deliver(results, result{resp: resp})
	}
}

func (p *Producer) deliver(results chan<- result, r result) {
	select {
	case results <- r:
	default:
		p.log.Warn("Dropping response nobody is waiting for")
	}
}

// Publish sends body to topic and waits for the server to acknowledge it.
func (p *Producer) Publish(ctx context.Context, topic string, body []byte) error {
	return p.publish(ctx, protocol.Publish(topic, body))
}

// PublishBatch sends bodies to topic as a single MPUB. The server accepts or
// rejects the batch as a whole.
func (p *Producer) PublishBatch(ctx context.Context, topic string, bodies [][]byte) error {
	cmd, err := protocol.MultiPublish(topic, bodies)
	if err != nil {
		return err
	}

	return p.publish(ctx, cmd)
}

// PublishDeferred sends body to topic to be delivered after delay.
func (p *Producer) PublishDeferred(ctx context.Context, topic string, delay time.Duration, body []byte) error {
	return p.publish(ctx, protocol.DeferredPublish(topic, delay, body))
}

func (p *Producer) publish(ctx context.Context, cmd *protocol.Command) (err error) {
	defer func() {
		p.metrics.published(string(cmd.Name), err)
	}()

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	p.mu.Lock()
	results := p.results
	p.mu.Unlock()

	if results == nil || !p.conn.IsConnected() {
		return ErrNotConnected
	}

	// Anything left over belongs to a publish that gave up waiting.
	select {
	case <-results:
	default:
	}

	if err := p.conn.WriteCommand(cmd); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if p.config.ReadTimeout > 0 {
		timer := time.NewTimer(p.config.ReadTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-results:
		if r.err != nil {
			return r.err
		}

		if !r.resp.IsOK() {
			return fmt.Errorf("%w: %q", ErrUnexpectedResponse, r.resp.Msg)
		}

		return nil

	case <-timeout:
		// The response can no longer be matched to this publish.
		p.log.Warn("Timed out waiting for publish response, closing connection", zap.Stringer("command", cmd))
		p.conn.Abort()
		return fmt.Errorf("%w: timed out waiting for %s response", ErrNotConnected, cmd.Name)

	case <-ctx.Done():
		p.conn.Abort()
		return ctx.Err()
	}
}

// Close closes the connection gracefully and waits for the read loop to stop.
func (p *Producer) Close() error {
	err := p.conn.Close()

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	if stopped != nil {
		<-stopped
	}

	return err
}
