package nsqdtest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/luma/nsqc/protocol"
	"github.com/luma/nsqc/stream"
)

type conn struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader

	// transport is what compression layers over: the socket, or the TLS
	// session once one is negotiated.
	transport net.Conn

	wmu sync.Mutex
	w   stream.Stream

	closeOnce sync.Once
	done      chan struct{}

	// guarded by server.mu
	identity      gjson.Result
	authenticated bool
	topic         string
	channelName   string
	channel       *channel
	rdy           int64
	inFlight      map[protocol.MessageID]*message
	closing       bool

	log *zap.Logger
}

func newConn(s *Server, netConn net.Conn) *conn {
	return &conn{
		server:    s,
		conn:      netConn,
		transport: netConn,
		reader:    bufio.NewReader(netConn),
		w:         stream.Identity(netConn),
		done:      make(chan struct{}),
		inFlight:  make(map[protocol.MessageID]*message),
		log:       s.log.Named("conn").With(zap.String("remote", netConn.RemoteAddr().String())),
	}
}

func (c *conn) info() Client {
	return Client{
		ClientID:  c.identity.Get("client_id").String(),
		Hostname:  c.identity.Get("hostname").String(),
		UserAgent: c.identity.Get("user_agent").String(),
		Topic:     c.topic,
		Channel:   c.channelName,
		RDY:       c.rdy,
		InFlight:  len(c.inFlight),
	}
}

func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})

	return err
}

func (c *conn) serve() {
	log := c.log.Named("readLoop")

	defer func() {
		c.close()
		c.server.removeConn(c)
		log.Debug("Connection closed")
	}()

	magic := make([]byte, len(protocol.MagicV2))
	if _, err := io.ReadFull(c.reader, magic); err != nil {
		return
	}

	if string(magic) != string(protocol.MagicV2) {
		log.Warn("Bad magic", zap.ByteString("magic", magic))
		return
	}

	for {
		cmd, err := protocol.ReadCommand(c.reader, c.server.opts.MaxBodySize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("Failed to read command", zap.Error(err))
				c.writeError(protocol.ErrCodeInvalid, err.Error())
			}
			return
		}

		c.server.record(cmd)

		if err := c.exec(cmd); err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				c.writeError(perr.Code(), "")
				if perr.TerminatesConnection() {
					return
				}
				continue
			}

			log.Debug("Command failed", zap.Stringer("command", cmd), zap.Error(err))
			return
		}
	}
}

func fail(code protocol.ErrorCode) error {
	return &protocol.Error{Raw: []byte(code)}
}

func (c *conn) exec(cmd *protocol.Command) error {
	if cmd.Name == protocol.IDENTIFY {
		return c.identify(cmd)
	}

	if cmd.Name == protocol.AUTH {
		return c.auth(cmd)
	}

	if c.server.opts.AuthSecret != "" && !c.isAuthenticated() {
		return fail(protocol.ErrCodeUnauthorized)
	}

	switch cmd.Name {
	case protocol.NOP:
		return nil

	case protocol.SUB:
		return c.subscribe(cmd)

	case protocol.RDY:
		return c.ready(cmd)

	case protocol.FIN, protocol.REQ, protocol.TOUCH:
		return c.settle(cmd)

	case protocol.PUB, protocol.MPUB, protocol.DPUB:
		return c.publish(cmd)

	case protocol.CLS:
		c.server.mu.Lock()
		c.closing = true
		c.server.mu.Unlock()

		return c.writeResponse(protocol.ResponseCloseWait)
	}

	return fail(protocol.ErrCodeInvalid)
}

func (c *conn) isAuthenticated() bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	return c.authenticated
}

func (c *conn) identify(cmd *protocol.Command) error {
	if !gjson.ValidBytes(cmd.Body) {
		return fail(protocol.ErrCodeBadBody)
	}

	identity := gjson.ParseBytes(cmd.Body)
	opts := c.server.opts

	c.server.mu.Lock()
	c.identity = identity
	c.server.mu.Unlock()

	secure := opts.TLSConfig != nil && identity.Get("tls_v1").Bool() && !opts.NoNegotiation
	snappy := opts.Snappy && identity.Get("snappy").Bool()
	deflate := opts.Deflate && identity.Get("deflate").Bool() && !snappy

	level := int(identity.Get("deflate_level").Int())
	if level < 1 || level > 9 {
		level = 6
	}

	if opts.NoNegotiation || !identity.Get("feature_negotiation").Bool() {
		if err := c.writeResponse(protocol.ResponseOK); err != nil {
			return err
		}
	} else {
		resp := `{"version":"1.2.1-nsqdtest"}`
		for _, field := range []struct {
			path  string
			value interface{}
		}{
			{"max_rdy_count", opts.MaxRdyCount},
			{"max_msg_timeout", 900000},
			{"msg_timeout", identity.Get("msg_timeout").Int()},
			{"tls_v1", secure},
			{"deflate", deflate},
			{"deflate_level", level},
			{"max_deflate_level", 6},
			{"snappy", snappy},
			{"sample_rate", identity.Get("sample_rate").Int()},
			{"auth_required", opts.AuthSecret != ""},
			{"output_buffer_size", 16384},
			{"output_buffer_timeout", 250},
		} {
			var err error
			if resp, err = sjson.Set(resp, field.path, field.value); err != nil {
				return err
			}
		}

		if err := c.writeResponse([]byte(resp)); err != nil {
			return err
		}
	}

	if secure {
		if err := c.secure(); err != nil {
			return err
		}
	}

	if snappy || deflate {
		if err := c.upgrade(snappy, level); err != nil {
			return err
		}
	}

	if interval := identity.Get("heartbeat_interval").Int(); interval > 0 {
		go c.heartbeats(time.Duration(interval) * time.Millisecond)
	}

	return nil
}

// secure runs the server side of the TLS handshake and confirms it with an OK
// sent over the encrypted session.
func (c *conn) secure() error {
	ctx, cancel := context.WithTimeout(c.server.ctx, 5*time.Second)
	defer cancel()

	tlsConn := tls.Server(c.conn, c.server.opts.TLSConfig)

	c.wmu.Lock()
	err := tlsConn.HandshakeContext(ctx)
	if err == nil {
		c.transport = tlsConn
		c.w = stream.Identity(tlsConn)
		c.reader = bufio.NewReader(tlsConn)
	}
	c.wmu.Unlock()

	if err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	return c.writeResponse(protocol.ResponseOK)
}

// upgrade installs the compression layer. Anything the bufio reader already
// holds was sent compressed and is handed to the new layer.
func (c *conn) upgrade(snappy bool, level int) error {
	pending, _ := c.reader.Peek(c.reader.Buffered())
	pending = append([]byte(nil), pending...)

	c.wmu.Lock()
	if snappy {
		c.w = stream.NewSnappy(c.transport, pending)
	} else {
		d, err := stream.NewDeflate(c.transport, level, pending)
		if err != nil {
			c.wmu.Unlock()
			return err
		}
		c.w = d
	}
	c.reader = bufio.NewReader(c.w)
	c.wmu.Unlock()

	return c.writeResponse(protocol.ResponseOK)
}

func (c *conn) heartbeats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

func (c *conn) heartbeat() {
	if err := c.writeResponse(protocol.ResponseHeartbeat); err != nil {
		c.log.Debug("Failed to send heartbeat", zap.Error(err))
	}
}

func (c *conn) auth(cmd *protocol.Command) error {
	secret := c.server.opts.AuthSecret
	if secret == "" {
		return fail(protocol.ErrCodeInvalid)
	}

	if string(cmd.Body) != secret {
		return fail(protocol.ErrCodeAuthFailed)
	}

	c.server.mu.Lock()
	c.authenticated = true
	c.server.mu.Unlock()

	return c.writeResponse([]byte(`{"identity":"nsqdtest","identity_url":"","permission_count":1}`))
}

func (c *conn) subscribe(cmd *protocol.Command) error {
	if len(cmd.Params) != 2 {
		return fail(protocol.ErrCodeInvalid)
	}

	topicName, channelName := string(cmd.Params[0]), string(cmd.Params[1])

	if !validName.MatchString(topicName) {
		return fail(protocol.ErrCodeBadTopic)
	}

	if !validName.MatchString(channelName) {
		return fail(protocol.ErrCodeBadChannel)
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	if c.channel != nil {
		return fail(protocol.ErrCodeInvalid)
	}

	c.topic = topicName
	c.channelName = channelName
	c.channel = c.server.channelLocked(topicName, channelName)

	return c.writeResponse(protocol.ResponseOK)
}

func (c *conn) ready(cmd *protocol.Command) error {
	if len(cmd.Params) != 1 {
		return fail(protocol.ErrCodeInvalid)
	}

	count, err := strconv.ParseInt(string(cmd.Params[0]), 10, 64)
	if err != nil || count < 0 || count > c.server.opts.MaxRdyCount {
		return fail(protocol.ErrCodeInvalid)
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	c.rdy = count
	c.server.dispatchLocked()

	return nil
}

func (c *conn) settle(cmd *protocol.Command) error {
	failed := map[protocol.CommandName]protocol.ErrorCode{
		protocol.FIN:   protocol.ErrCodeFinFailed,
		protocol.REQ:   protocol.ErrCodeReqFailed,
		protocol.TOUCH: protocol.ErrCodeTouchFailed,
	}[cmd.Name]

	if len(cmd.Params) < 1 || len(cmd.Params[0]) != protocol.MsgIDLength {
		return fail(failed)
	}

	var id protocol.MessageID
	copy(id[:], cmd.Params[0])

	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	msg, ok := c.inFlight[id]
	if !ok {
		return fail(failed)
	}

	switch cmd.Name {
	case protocol.FIN:
		delete(c.inFlight, id)

	case protocol.REQ:
		var delay time.Duration
		if len(cmd.Params) > 1 {
			ms, err := strconv.ParseInt(string(cmd.Params[1]), 10, 64)
			if err != nil || ms < 0 {
				return fail(protocol.ErrCodeInvalid)
			}
			delay = time.Duration(ms) * time.Millisecond
		}

		delete(c.inFlight, id)
		c.requeueLocked(msg, delay)
	}

	c.server.dispatchLocked()
	return nil
}

func (c *conn) requeueLocked(msg *message, delay time.Duration) {
	ch := c.channel

	if delay <= 0 {
		ch.queue = append(ch.queue, msg)
		return
	}

	time.AfterFunc(delay, func() {
		c.server.mu.Lock()
		defer c.server.mu.Unlock()

		ch.queue = append(ch.queue, msg)
		c.server.dispatchLocked()
	})
}

func (c *conn) publish(cmd *protocol.Command) error {
	if len(cmd.Params) < 1 || !validName.MatchString(string(cmd.Params[0])) {
		return fail(protocol.ErrCodeBadTopic)
	}

	if code := c.server.takeFailure(); code != "" {
		return fail(code)
	}

	topicName := string(cmd.Params[0])
	bodies := [][]byte{cmd.Body}

	switch cmd.Name {
	case protocol.MPUB:
		var err error
		if bodies, err = protocol.SplitMultiPublish(cmd.Body); err != nil {
			return fail(protocol.ErrCodeBadBody)
		}

	case protocol.DPUB:
		if len(cmd.Params) != 2 {
			return fail(protocol.ErrCodeInvalid)
		}

		ms, err := strconv.ParseInt(string(cmd.Params[1]), 10, 64)
		if err != nil || ms < 0 {
			return fail(protocol.ErrCodeInvalid)
		}

		time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			c.server.Enqueue(topicName, cmd.Body)
		})

		return c.writeResponse(protocol.ResponseOK)
	}

	c.server.Enqueue(topicName, bodies...)

	return c.writeResponse(protocol.ResponseOK)
}

func (c *conn) writeFrame(frame protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	return protocol.WriteFrame(c.w, frame)
}

func (c *conn) writeResponse(msg []byte) error {
	return c.writeFrame(&protocol.Response{Msg: msg})
}

// writeError sends an error frame, closing the connection afterwards if the
// code is fatal.
func (c *conn) writeError(code protocol.ErrorCode, msg string) {
	raw := string(code)
	if msg != "" {
		raw = fmt.Sprintf("%s %s", code, msg)
	}

	if err := c.writeFrame(&protocol.Error{Raw: []byte(raw)}); err != nil {
		c.log.Debug("Failed to write error", zap.Error(err))
	}

	if code.TerminatesConnection() {
		c.close()
	}
}
