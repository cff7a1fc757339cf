package client

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/luma/nsqc/internal/meta"
	"github.com/luma/nsqc/protocol"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRdyCount          = 100
	DefaultDeflateLevel      = 6
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMsgTimeout        = 60 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
	DefaultRequeueDelay      = 90 * time.Second
	DefaultMaxRequeueDelay   = 15 * time.Minute
)

// Config holds the connection level settings, most of which are sent to the
// server in IDENTIFY. Build one with NewConfig, which validates it; treat it
// as read only afterwards.
type Config struct {
	// AuthSecret is sent with AUTH if the server requires authorization.
	AuthSecret string

	ConnectTimeout time.Duration

	// MaxAttempts bounds dial attempts. 0 and 1 both mean a single attempt.
	MaxAttempts int

	TCPNoDelay bool

	// RdyCount is the credit window a consumer keeps open.
	RdyCount int64

	// FeatureNegotiation asks the server to reply to IDENTIFY with its own
	// settings as JSON.
	FeatureNegotiation bool

	ClientID  string
	Hostname  string
	UserAgent string

	Deflate      bool
	DeflateLevel int
	Snappy       bool

	TLS       bool
	TLSConfig *tls.Config

	// HeartbeatInterval is how often the server sends heartbeats. A negative
	// value disables them.
	HeartbeatInterval time.Duration

	MsgTimeout time.Duration

	// SampleRate delivers a percentage of messages to this connection, 0
	// means all of them.
	SampleRate int

	// ReadTimeout bounds waiting for the response to a command.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// CloseTimeout bounds how long a graceful close waits for the server to
	// acknowledge CLS.
	CloseTimeout time.Duration

	// RequeueDelay is the base delay used when a handler returns an error.
	// It is multiplied by the message's attempts, up to MaxRequeueDelay.
	RequeueDelay    time.Duration
	MaxRequeueDelay time.Duration

	// Concurrency is the number of goroutines running the handler in
	// Consumer.Consume.
	Concurrency int

	MaxFrameSize int

	Metrics *Metrics
}

type Option func(*Config)

func WithAuthSecret(secret string) Option {
	return func(c *Config) { c.AuthSecret = secret }
}

func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = timeout }
}

func WithMaxAttempts(attempts int) Option {
	return func(c *Config) { c.MaxAttempts = attempts }
}

func WithTCPNoDelay(noDelay bool) Option {
	return func(c *Config) { c.TCPNoDelay = noDelay }
}

func WithRdyCount(count int64) Option {
	return func(c *Config) { c.RdyCount = count }
}

func WithoutFeatureNegotiation() Option {
	return func(c *Config) { c.FeatureNegotiation = false }
}

func WithClientID(id string) Option {
	return func(c *Config) { c.ClientID = id }
}

func WithHostname(hostname string) Option {
	return func(c *Config) { c.Hostname = hostname }
}

func WithUserAgent(userAgent string) Option {
	return func(c *Config) { c.UserAgent = userAgent }
}

func WithDeflate(level int) Option {
	return func(c *Config) {
		c.Deflate = true
		c.DeflateLevel = level
	}
}

func WithSnappy() Option {
	return func(c *Config) { c.Snappy = true }
}

// WithTLS enables TLS. tlsConfig may be nil, in which case the server name
// is taken from the address being dialled.
func WithTLS(tlsConfig *tls.Config) Option {
	return func(c *Config) {
		c.TLS = true
		c.TLSConfig = tlsConfig
	}
}

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = interval }
}

func WithMsgTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.MsgTimeout = timeout }
}

func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.ReadTimeout = timeout }
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = timeout }
}

func WithCloseTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.CloseTimeout = timeout }
}

func WithRequeueDelay(delay, max time.Duration) Option {
	return func(c *Config) {
		c.RequeueDelay = delay
		c.MaxRequeueDelay = max
	}
}

func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// NewConfig applies opts over the defaults and validates the result.
// Invalid combinations, such as enabling both snappy and deflate, fail here
// rather than when connecting.
func NewConfig(opts ...Option) (*Config, error) {
	hostname, _ := os.Hostname()

	c := &Config{
		ConnectTimeout:     DefaultConnectTimeout,
		MaxAttempts:        1,
		TCPNoDelay:         true,
		RdyCount:           DefaultRdyCount,
		FeatureNegotiation: true,
		Hostname:           hostname,
		UserAgent:          "nsqc/" + meta.UserAgentVersion(),
		DeflateLevel:       DefaultDeflateLevel,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		MsgTimeout:         DefaultMsgTimeout,
		ReadTimeout:        DefaultReadTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		CloseTimeout:       DefaultCloseTimeout,
		RequeueDelay:       DefaultRequeueDelay,
		MaxRequeueDelay:    DefaultMaxRequeueDelay,
		Concurrency:        1,
		MaxFrameSize:       protocol.DefaultMaxFrameSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// MustConfig is NewConfig for settings known to be valid. It panics otherwise.
func MustConfig(opts ...Option) *Config {
	c, err := NewConfig(opts...)
	if err != nil {
		panic(err)
	}

	return c
}

func (c *Config) Validate() error {
	switch {
	case c.Snappy && c.Deflate:
		return fmt.Errorf("%w: cannot enable both snappy and deflate", ErrInvalidConfig)

	case c.Deflate && (c.DeflateLevel < 1 || c.DeflateLevel > 9):
		return fmt.Errorf("%w: deflate level %d is not between 1 and 9", ErrInvalidConfig, c.DeflateLevel)

	case c.HeartbeatInterval >= 0 && c.HeartbeatInterval < time.Second:
		return fmt.Errorf("%w: heartbeat interval must be at least 1s or negative to disable", ErrInvalidConfig)

	case c.SampleRate < 0 || c.SampleRate > 99:
		return fmt.Errorf("%w: sample rate %d is not between 0 and 99", ErrInvalidConfig, c.SampleRate)

	case c.RdyCount < 0:
		return fmt.Errorf("%w: rdy count cannot be negative", ErrInvalidConfig)

	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts cannot be negative", ErrInvalidConfig)

	case c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalidConfig)

	case c.MsgTimeout < 0:
		return fmt.Errorf("%w: msg timeout cannot be negative", ErrInvalidConfig)

	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	}

	return nil
}

type negotiationPayload struct {
	ClientID           string `json:"client_id"`
	Hostname           string `json:"hostname"`
	UserAgent          string `json:"user_agent"`
	FeatureNegotiation bool   `json:"feature_negotiation"`
	HeartbeatInterval  int64  `json:"heartbeat_interval"`
	Deflate            bool   `json:"deflate"`
	DeflateLevel       int    `json:"deflate_level"`
	Snappy             bool   `json:"snappy"`
	TLSv1              bool   `json:"tls_v1"`
	SampleRate         int    `json:"sample_rate"`
	MsgTimeout         int64  `json:"msg_timeout"`
}

// NegotiationPayload is the JSON body of the IDENTIFY command.
func (c *Config) NegotiationPayload() ([]byte, error) {
	heartbeat := c.HeartbeatInterval.Milliseconds()
	if c.HeartbeatInterval < 0 {
		heartbeat = -1
	}

	return json.Marshal(negotiationPayload{
		ClientID:           c.ClientID,
		Hostname:           c.Hostname,
		UserAgent:          c.UserAgent,
		FeatureNegotiation: c.FeatureNegotiation,
		HeartbeatInterval:  heartbeat,
		Deflate:            c.Deflate,
		DeflateLevel:       c.DeflateLevel,
		Snappy:             c.Snappy,
		TLSv1:              c.TLS,
		SampleRate:         c.SampleRate,
		MsgTimeout:         c.MsgTimeout.Milliseconds(),
	})
}

// ServerConfig is what the server agreed to in its IDENTIFY response. It
// decides which stream layers are installed on the connection.
type ServerConfig struct {
	Version             string
	MaxRdyCount         int64
	MaxMsgTimeout       time.Duration
	MsgTimeout          time.Duration
	TLS                 bool
	Deflate             bool
	DeflateLevel        int
	MaxDeflateLevel     int
	Snappy              bool
	SampleRate          int
	AuthRequired        bool
	OutputBufferSize    int
	OutputBufferTimeout time.Duration
}

// DefaultServerConfig is assumed when feature negotiation is off.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRdyCount:     2500,
		MaxMsgTimeout:   15 * time.Minute,
		MsgTimeout:      DefaultMsgTimeout,
		DeflateLevel:    DefaultDeflateLevel,
		MaxDeflateLevel: 6,
	}
}

// ParseServerConfig reads the JSON IDENTIFY response. A bare OK, sent by
// servers that don't negotiate, yields the defaults.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	sc := DefaultServerConfig()

	if string(data) == string(protocol.ResponseOK) {
		return sc, nil
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: IDENTIFY response is not JSON: %q", ErrUnexpectedResponse, data)
	}

	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: IDENTIFY response is not an object: %q", ErrUnexpectedResponse, data)
	}

	if v := res.Get("max_rdy_count"); v.Exists() {
		sc.MaxRdyCount = v.Int()
	}

	if v := res.Get("max_msg_timeout"); v.Exists() {
		sc.MaxMsgTimeout = time.Duration(v.Int()) * time.Millisecond
	}

	if v := res.Get("msg_timeout"); v.Exists() {
		sc.MsgTimeout = time.Duration(v.Int()) * time.Millisecond
	}

	if v := res.Get("deflate_level"); v.Exists() {
		sc.DeflateLevel = int(v.Int())
	}

	if v := res.Get("max_deflate_level"); v.Exists() {
		sc.MaxDeflateLevel = int(v.Int())
	}

	sc.Version = res.Get("version").String()
	sc.TLS = res.Get("tls_v1").Bool()
	sc.Deflate = res.Get("deflate").Bool()
	sc.Snappy = res.Get("snappy").Bool()
	sc.SampleRate = int(res.Get("sample_rate").Int())
	sc.AuthRequired = res.Get("auth_required").Bool()
	sc.OutputBufferSize = int(res.Get("output_buffer_size").Int())
	sc.OutputBufferTimeout = time.Duration(res.Get("output_buffer_timeout").Int()) * time.Millisecond

	return sc, nil
}
