package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/nsqc/protocol"
	"github.com/luma/nsqc/stream"
)

const readChunkSize = 16 * 1024

type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}

	return "disconnected"
}

// session is everything that only exists while connected. A Conn without a
// session is disconnected.
type session struct {
	conn   net.Conn
	stream stream.Stream
	dec    *protocol.Decoder
	server *ServerConfig

	wmu sync.Mutex

	// chunks carries raw reads from the pump goroutine. readErr is valid once
	// chunks has been closed.
	chunks  chan []byte
	readErr error

	done      chan struct{}
	closeWait chan struct{}
	cwOnce    sync.Once
}

func (s *session) pump() {
	defer close(s.chunks)

	for {
		buf := make([]byte, readChunkSize)
		n, err := s.stream.Read(buf)

		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				return
			}
		}

		if err != nil {
			s.readErr = err
			return
		}
	}
}

func (s *session) signalCloseWait() {
	s.cwOnce.Do(func() { close(s.closeWait) })
}

// Conn is a single connection to a broker. It performs the handshake and
// negotiates the stream layers, answers heartbeats, and turns the byte stream
// into frames. Consumer and Producer are built on top of it.
//
// A Conn may be connected again after it has been closed.
type Conn struct {
	addr    string
	config  *Config
	metrics *Metrics
	log     *zap.Logger

	connectMu sync.Mutex
	readMu    sync.Mutex

	mu   sync.Mutex
	sess *session
}

// NewConn returns a disconnected connection to addr. A nil log discards
// everything.
func NewConn(addr string, config *Config, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	return &Conn{
		addr:    addr,
		config:  config,
		metrics: config.Metrics,
		log:     log.With(zap.String("addr", addr)),
	}
}

func (c *Conn) Address() string {
	return c.addr
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return StateDisconnected
	}

	return StateConnected
}

func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// ServerConfig returns what the server agreed to during the handshake, or nil
// if disconnected.
func (c *Conn) ServerConfig() *ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return nil
	}

	return c.sess.server
}

// Connect dials the broker and runs the handshake. It is a no-op if already
// connected. Any handshake failure closes the socket and is returned.
func (c *Conn) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	netConn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	sess, err := c.handshake(ctx, netConn)
	if err != nil {
		netConn.Close()
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go sess.pump()

	c.metrics.connected(c.addr)
	c.log.Info("Connected",
		zap.String("version", sess.server.Version),
		zap.Bool("tls", sess.server.TLS),
		zap.Bool("snappy", sess.server.Snappy),
		zap.Bool("deflate", sess.server.Deflate))

	return nil
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	attempts := c.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := tcpConn.SetNoDelay(c.config.TCPNoDelay); err != nil {
					c.log.Warn("Failed to set TCP_NODELAY", zap.Error(err))
				}
			}

			return conn, nil
		}

		lastErr = err
		c.log.Warn("Failed to connect",
			zap.Int("attempt", i+1),
			zap.Int("maxAttempts", attempts),
			zap.Error(err))

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay(i)):
		}
	}

	return nil, fmt.Errorf("Failed to connect to %s: %w", c.addr, lastErr)
}

func retryDelay(attempt int) time.Duration {
	delay := 100 * time.Millisecond << attempt
	if delay > time.Second || delay <= 0 {
		return time.Second
	}

	return delay
}

// handshake runs synchronously on netConn, bounded by the connect timeout.
func (c *Conn) handshake(ctx context.Context, netConn net.Conn) (*session, error) {
	deadline := time.Now().Add(c.config.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := netConn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	var rw stream.Stream = stream.Identity(netConn)
	dec := protocol.NewDecoder(c.config.MaxFrameSize)

	if _, err := rw.Write(protocol.MagicV2); err != nil {
		return nil, fmt.Errorf("Failed to write magic: %w", err)
	}

	payload, err := c.config.NegotiationPayload()
	if err != nil {
		return nil, err
	}

	resp, err := c.command(rw, dec, protocol.Identify(payload))
	if err != nil {
		return nil, fmt.Errorf("Failed to identify: %w", err)
	}

	server := DefaultServerConfig()
	if c.config.FeatureNegotiation {
		if server, err = ParseServerConfig(resp.Msg); err != nil {
			return nil, err
		}
	}

	if server.TLS {
		if dec.Buffered() > 0 {
			return nil, fmt.Errorf("%w: data received before the TLS handshake", ErrUnexpectedResponse)
		}

		tlsConn := tls.Client(netConn, c.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("Failed to negotiate TLS: %w", err)
		}

		rw = tlsConn
		if err := c.expectOK(rw, dec); err != nil {
			return nil, fmt.Errorf("Failed to upgrade to TLS: %w", err)
		}
	}

	switch {
	case server.Snappy:
		rw = stream.NewSnappy(rw, dec.Drain())
		if err := c.expectOK(rw, dec); err != nil {
			return nil, fmt.Errorf("Failed to upgrade to snappy: %w", err)
		}

	case server.Deflate:
		if rw, err = stream.NewDeflate(rw, server.DeflateLevel, dec.Drain()); err != nil {
			return nil, err
		}

		if err := c.expectOK(rw, dec); err != nil {
			return nil, fmt.Errorf("Failed to upgrade to deflate: %w", err)
		}
	}

	if server.AuthRequired {
		if c.config.AuthSecret == "" {
			return nil, ErrAuthenticationRequired
		}

		resp, err := c.command(rw, dec, protocol.Auth([]byte(c.config.AuthSecret)))
		if err != nil {
			return nil, fmt.Errorf("Failed to authenticate: %w", err)
		}

		auth := gjson.ParseBytes(resp.Msg)
		c.log.Info("Authenticated",
			zap.String("identity", auth.Get("identity").String()),
			zap.String("identityURL", auth.Get("identity_url").String()),
			zap.Int64("permissions", auth.Get("permission_count").Int()))
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return &session{
		conn:      netConn,
		stream:    rw,
		dec:       dec,
		server:    server,
		chunks:    make(chan []byte),
		done:      make(chan struct{}),
		closeWait: make(chan struct{}),
	}, nil
}

func (c *Conn) tlsConfig() *tls.Config {
	var config *tls.Config
	if c.config.TLSConfig != nil {
		config = c.config.TLSConfig.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if config.ServerName == "" {
		if host, _, err := net.SplitHostPort(c.addr); err == nil {
			config.ServerName = host
		}
	}

	return config
}

// command writes cmd and reads its response synchronously. It is only used
// during the handshake, before the pump is running.
func (c *Conn) command(rw stream.Stream, dec *protocol.Decoder, cmd *protocol.Command) (*protocol.Response, error) {
	if err := protocol.WriteCommand(rw, cmd); err != nil {
		return nil, err
	}

	return c.response(rw, dec)
}

func (c *Conn) response(rw stream.Stream, dec *protocol.Decoder) (*protocol.Response, error) {
	buf := make([]byte, readChunkSize)

	for {
		frame, err := dec.Next()
		if err != nil {
			return nil, err
		}

		switch f := frame.(type) {
		case nil:
			n, err := rw.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				continue
			}

			if err == nil {
				err = io.ErrNoProgress
			}

			return nil, err

		case *protocol.Response:
			if f.IsHeartbeat() {
				if err := protocol.WriteCommand(rw, protocol.Nop()); err != nil {
					return nil, err
				}
				continue
			}

			return f, nil

		case *protocol.Error:
			return nil, f

		default:
			return nil, fmt.Errorf("%w: %s frame during handshake", ErrUnexpectedResponse, frame.Type())
		}
	}
}

// expectOK reads the OK the server sends once a new stream layer is in place.
func (c *Conn) expectOK(rw stream.Stream, dec *protocol.Decoder) error {
	resp, err := c.response(rw, dec)
	if err != nil {
		return err
	}

	if !resp.IsOK() {
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp.Msg)
	}

	return nil
}

func (c *Conn) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return nil, ErrNotConnected
	}

	return c.sess, nil
}

// WriteCommand sends cmd. Writes are serialised, so commands from different
// goroutines never interleave on the wire. A failed write tears down the
// connection.
func (c *Conn) WriteCommand(cmd *protocol.Command) error {
	sess, err := c.current()
	if err != nil {
		return err
	}

	return c.write(sess, cmd)
}

func (c *Conn) write(sess *session, cmd *protocol.Command) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()

	if c.config.WriteTimeout > 0 {
		sess.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if _, err := cmd.WriteTo(sess.stream); err != nil {
		c.log.Warn("Failed to write command", zap.Stringer("command", cmd), zap.Error(err))
		c.teardown(sess)
		return fmt.Errorf("Failed to write %s: %w", cmd.Name, err)
	}

	return nil
}

// ReadFrame returns the next frame that isn't a heartbeat. Heartbeats are
// answered with NOP without returning, and without extending timeout.
//
// It returns (nil, nil) if timeout passes first; a timeout of zero or less
// waits indefinitely. Error frames are returned as the error. When their code
// is fatal the connection has already been closed by the time ReadFrame
// returns.
func (c *Conn) ReadFrame(ctx context.Context, timeout time.Duration) (protocol.Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	sess, err := c.current()
	if err != nil {
		return nil, err
	}

	return c.readFrame(ctx, sess, timeout)
}

func (c *Conn) readFrame(ctx context.Context, sess *session, timeout time.Duration) (protocol.Frame, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		frame, err := sess.dec.Next()
		if err != nil {
			c.log.Error("Failed to parse frame, closing connection", zap.Error(err))
			c.teardown(sess)
			return nil, err
		}

		switch f := frame.(type) {
		case nil:

		case *protocol.Response:
			if f.IsHeartbeat() {
				c.metrics.heartbeat(c.addr)
				if err := c.write(sess, protocol.Nop()); err != nil {
					return nil, err
				}
				continue
			}

			if f.IsCloseWait() {
				sess.signalCloseWait()
			}

			return f, nil

		case *protocol.Error:
			if f.TerminatesConnection() {
				c.log.Warn("Received fatal error, closing connection", zap.String("error", f.Error()))
				c.teardown(sess)
			}

			return nil, f

		default:
			return frame, nil
		}

		select {
		case chunk, ok := <-sess.chunks:
			if !ok {
				c.teardown(sess)
				if errors.Is(sess.readErr, io.EOF) {
					return nil, fmt.Errorf("%w: closed by %s", ErrConnectionLost, c.addr)
				}

				return nil, fmt.Errorf("%w: failed to read from %s: %w", ErrConnectionLost, c.addr, sess.readErr)
			}

			sess.dec.Feed(chunk)

		case <-sess.done:
			return nil, ErrNotConnected

		case <-expired:
			return nil, nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close sends CLS and waits, up to the close timeout, for the server to reply
// CLOSE_WAIT before closing the socket. If another goroutine is reading, it
// sees the CLOSE_WAIT response instead. Closing a closed Conn does nothing.
func (c *Conn) Close() error {
	sess, err := c.current()
	if err != nil {
		return nil
	}

	if err := c.write(sess, protocol.Close()); err != nil {
		return nil
	}

	timeout := c.config.CloseTimeout

	if c.readMu.TryLock() {
		c.drain(sess, timeout)
		c.readMu.Unlock()
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-sess.closeWait:
		case <-sess.done:
		case <-timer.C:
			c.log.Warn("Timed out waiting for CLOSE_WAIT")
		}
	}

	return c.teardown(sess)
}

// drain reads until CLOSE_WAIT. Messages arriving meanwhile are dropped, the
// server requeues them once the connection closes.
func (c *Conn) drain(sess *session, timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.log.Warn("Timed out waiting for CLOSE_WAIT")
			return
		}

		frame, err := c.readFrame(context.Background(), sess, remaining)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) && !perr.TerminatesConnection() {
				continue
			}

			return
		}

		if frame == nil {
			c.log.Warn("Timed out waiting for CLOSE_WAIT")
			return
		}

		if resp, ok := frame.(*protocol.Response); ok && resp.IsCloseWait() {
			return
		}
	}
}

// Abort closes the socket without CLS.
func (c *Conn) Abort() error {
	sess, err := c.current()
	if err != nil {
		return nil
	}

	return c.teardown(sess)
}

// teardown closes sess once. Later calls for the same session, or for a
// session that has since been replaced, do nothing.
func (c *Conn) teardown(sess *session) error {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return nil
	}
	c.sess = nil
	c.mu.Unlock()

	close(sess.done)
	err := sess.stream.Close()

	c.metrics.disconnected(c.addr)
	c.log.Info("Disconnected")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
