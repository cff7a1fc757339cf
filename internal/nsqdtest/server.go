// Package nsqdtest runs an in-process broker that speaks enough of the V2
// protocol to exercise the client end to end: feature negotiation with TLS,
// snappy and deflate, AUTH, subscriptions with RDY flow control, FIN/REQ/TOUCH,
// publishing and heartbeats.
//
// It keeps a log of every command it receives so tests can assert on exactly
// what went over the wire.
package nsqdtest

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/nsqc/protocol"
)

var validName = regexp.MustCompile(`^[.a-zA-Z0-9_-]+(#ephemeral)?$`)

type Options struct {
	// Host to listen on, defaults to 127.0.0.1. The port is always picked by
	// the kernel.
	Host string

	// Snappy and Deflate allow the compression layers when the client asks
	// for them.
	Snappy  bool
	Deflate bool

	// AuthSecret, when set, makes the server require AUTH with this secret.
	AuthSecret string

	// TLSConfig, when set, upgrades clients that ask for tls_v1 right after
	// the IDENTIFY response.
	TLSConfig *tls.Config

	// NoNegotiation answers IDENTIFY with a bare OK.
	NoNegotiation bool

	MaxRdyCount int64

	MaxBodySize int

	Log *zap.Logger
}

// Client describes a connection as identified to the server.
type Client struct {
	ClientID  string
	Hostname  string
	UserAgent string
	Topic     string
	Channel   string
	RDY       int64
	InFlight  int
}

type message struct {
	frame protocol.Message
}

type channel struct {
	queue []*message
}

type topic struct {
	backlog  []*message
	channels map[string]*channel
}

type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	opts     Options
	listener net.Listener

	mu        sync.Mutex
	topics    map[string]*topic
	conns     map[*conn]struct{}
	commands  []string
	published map[string][][]byte
	failNext  protocol.ErrorCode

	log *zap.Logger
}

// Start listens on an ephemeral port and serves until Close.
func Start(opts Options) (*Server, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}

	if opts.MaxRdyCount == 0 {
		opts.MaxRdyCount = 2500
	}

	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = 5 * 1024 * 1024
	}

	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	listener, err := reuseport.Listen("tcp", net.JoinHostPort(opts.Host, "0"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		listener:  listener,
		topics:    make(map[string]*topic),
		conns:     make(map[*conn]struct{}),
		published: make(map[string][][]byte),
		log:       opts.Log.Named("nsqdtest"),
	}

	s.stopWaiter.Add(1)
	go func() {
		defer s.stopWaiter.Done()

		if err := s.accept(); err != nil {
			s.log.Error("Failed to accept", zap.Error(err))
		}
	}()

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) accept() error {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		c := newConn(s, netConn)

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.stopWaiter.Add(1)
		go func() {
			defer s.stopWaiter.Done()
			c.serve()
		}()
	}
}

// Close immediately closes the listener and every connection.
func (s *Server) Close() error {
	s.cancel()

	err := s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		err = multierr.Append(err, c.close())
	}
	s.mu.Unlock()

	s.stopWaiter.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c)

	if c.channel == nil {
		return
	}

	// Whatever was in flight goes back on the queue.
	for _, msg := range c.inFlight {
		c.channel.queue = append(c.channel.queue, msg)
	}
	c.inFlight = nil

	s.dispatchLocked()
}

// Commands returns every command line received so far, across connections,
// in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// CountCommands returns how many received command lines equal line.
func (s *Server) CountCommands(line string) int {
	n := 0
	for _, cmd := range s.Commands() {
		if cmd == line {
			n++
		}
	}

	return n
}

// Published returns the bodies published to topic.
func (s *Server) Published(topic string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.published[topic]))
	copy(out, s.published[topic])
	return out
}

func (s *Server) Clients() []Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := make([]Client, 0, len(s.conns))
	for c := range s.conns {
		clients = append(clients, c.info())
	}

	return clients
}

// Enqueue publishes bodies to topic as if a producer had sent them.
func (s *Server) Enqueue(topicName string, bodies ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, body := range bodies {
		s.publishLocked(topicName, body)
	}

	s.dispatchLocked()
}

// FailNext makes the server answer the next PUB, MPUB or DPUB with code.
func (s *Server) FailNext(code protocol.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failNext = code
}

// SendError writes an error frame to every connection. Connections are
// closed afterwards if the code is fatal, as a real broker does.
func (s *Server) SendError(code protocol.ErrorCode, msg string) {
	for _, c := range s.snapshot() {
		c.writeError(code, msg)
	}
}

// Heartbeat sends a heartbeat to every connection now.
func (s *Server) Heartbeat() {
	for _, c := range s.snapshot() {
		c.heartbeat()
	}
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}

	return conns
}

func (s *Server) record(cmd *protocol.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, cmd.String())
}

func (s *Server) takeFailure() protocol.ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := s.failNext
	s.failNext = ""
	return code
}

func (s *Server) publishLocked(topicName string, body []byte) {
	s.published[topicName] = append(s.published[topicName], body)

	t := s.topicLocked(topicName)

	msg := &message{frame: protocol.Message{
		Timestamp: time.Now().UnixNano(),
		Attempts:  0,
		ID:        newMessageID(),
		Body:      body,
	}}

	if len(t.channels) == 0 {
		t.backlog = append(t.backlog, msg)
		return
	}

	for _, ch := range t.channels {
		copied := *msg
		ch.queue = append(ch.queue, &copied)
	}
}

func (s *Server) topicLocked(name string) *topic {
	t, ok := s.topics[name]
	if !ok {
		t = &topic{channels: make(map[string]*channel)}
		s.topics[name] = t
	}

	return t
}

func (s *Server) channelLocked(topicName, channelName string) *channel {
	t := s.topicLocked(topicName)

	ch, ok := t.channels[channelName]
	if !ok {
		ch = &channel{}
		t.channels[channelName] = ch

		if len(t.channels) == 1 {
			ch.queue = append(ch.queue, t.backlog...)
			t.backlog = nil
		}
	}

	return ch
}

// dispatchLocked sends queued messages to every subscribed connection that
// has RDY credit to spare.
func (s *Server) dispatchLocked() {
	for c := range s.conns {
		if c.channel == nil || c.closing {
			continue
		}

		for int64(len(c.inFlight)) < c.rdy && len(c.channel.queue) > 0 {
			msg := c.channel.queue[0]
			c.channel.queue = c.channel.queue[1:]

			msg.frame.Attempts++
			c.inFlight[msg.frame.ID] = msg

			if err := c.writeFrame(&msg.frame); err != nil {
				s.log.Warn("Failed to deliver message", zap.Error(err))
				return
			}
		}
	}
}

// newMessageID returns 16 hex characters, the format real brokers use.
func newMessageID() protocol.MessageID {
	u := uuid.New()

	var id protocol.MessageID
	hex.Encode(id[:], u[:protocol.MsgIDLength/2])
	return id
}
