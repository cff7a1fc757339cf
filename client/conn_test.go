package client_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/nsqc/client"
	"github.com/luma/nsqc/internal/nsqdtest"
	"github.com/luma/nsqc/protocol"
)

var _ = Describe("Conn", func() {
	var (
		server *nsqdtest.Server
		opts   nsqdtest.Options
		ctx    context.Context
	)

	connect := func(config *client.Config) (*client.Conn, error) {
		var err error
		server, err = nsqdtest.Start(opts)
		Expect(err).To(Succeed())

		conn := client.NewConn(server.Addr(), config, zap.NewNop())
		return conn, conn.Connect(ctx)
	}

	BeforeEach(func() {
		opts = nsqdtest.Options{}
		ctx = context.Background()
		server = nil
	})

	AfterEach(func() {
		if server != nil {
			Expect(server.Close()).To(Succeed())
		}
	})

	It("identifies itself and negotiates", func() {
		conn, err := connect(testConfig(client.WithHostname("box")))
		Expect(err).To(Succeed())
		defer conn.Abort()

		Expect(conn.State()).To(Equal(client.StateConnected))
		Expect(conn.ServerConfig().Version).To(Equal("1.2.1-nsqdtest"))

		Eventually(server.Clients).Should(HaveLen(1))
		c := server.Clients()[0]
		Expect(c.ClientID).To(Equal("test"))
		Expect(c.Hostname).To(Equal("box"))
		Expect(c.UserAgent).To(HavePrefix("nsqc/"))
	})

	It("assumes the server defaults without feature negotiation", func() {
		opts.NoNegotiation = true

		conn, err := connect(testConfig())
		Expect(err).To(Succeed())
		defer conn.Abort()

		Expect(conn.ServerConfig()).To(Equal(client.DefaultServerConfig()))
	})

	It("is a no-op to connect twice", func() {
		conn, err := connect(testConfig())
		Expect(err).To(Succeed())
		defer conn.Abort()

		Expect(conn.Connect(ctx)).To(Succeed())
		Consistently(server.Clients, 100*time.Millisecond).Should(HaveLen(1))
	})

	It("fails to connect to a closed port", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		addr := listener.Addr().String()
		listener.Close()

		conn := client.NewConn(addr, testConfig(client.WithMaxAttempts(2)), zap.NewNop())
		Expect(conn.Connect(ctx)).NotTo(Succeed())
		Expect(conn.IsConnected()).To(BeFalse())
	})

	DescribeTable("compression",
		func(serverOpts nsqdtest.Options, opt client.Option) {
			opts = serverOpts

			conn, err := connect(testConfig(opt))
			Expect(err).To(Succeed())
			defer conn.Abort()

			Expect(conn.WriteCommand(protocol.Publish("t1", []byte("compressed hello")))).To(Succeed())

			frame, err := conn.ReadFrame(ctx, time.Second)
			Expect(err).To(Succeed())
			Expect(frame).To(Equal(&protocol.Response{Msg: []byte("OK")}))
			Expect(server.Published("t1")).To(Equal([][]byte{[]byte("compressed hello")}))
		},
		Entry("snappy", nsqdtest.Options{Snappy: true}, client.WithSnappy()),
		Entry("deflate", nsqdtest.Options{Deflate: true}, client.WithDeflate(5)),
		Entry("snappy requested but not offered", nsqdtest.Options{}, client.WithSnappy()),
	)

	Describe("TLS", func() {
		var roots *x509.CertPool

		BeforeEach(func() {
			var err error
			opts.TLSConfig, roots, err = nsqdtest.SelfSigned()
			Expect(err).To(Succeed())
		})

		publish := func(conn *client.Conn) {
			Expect(conn.WriteCommand(protocol.Publish("t1", []byte("secret hello")))).To(Succeed())

			frame, err := conn.ReadFrame(ctx, time.Second)
			Expect(err).To(Succeed())
			Expect(frame).To(Equal(&protocol.Response{Msg: []byte("OK")}))
			Expect(server.Published("t1")).To(Equal([][]byte{[]byte("secret hello")}))
		}

		It("upgrades after IDENTIFY", func() {
			conn, err := connect(testConfig(client.WithTLS(&tls.Config{InsecureSkipVerify: true})))
			Expect(err).To(Succeed())
			defer conn.Abort()

			Expect(conn.ServerConfig().TLS).To(BeTrue())
			publish(conn)
		})

		It("verifies the server certificate", func() {
			conn, err := connect(testConfig(client.WithTLS(&tls.Config{RootCAs: roots})))
			Expect(err).To(Succeed())
			defer conn.Abort()

			Expect(conn.ServerConfig().TLS).To(BeTrue())
			publish(conn)
		})

		It("layers snappy over TLS", func() {
			opts.Snappy = true

			conn, err := connect(testConfig(client.WithTLS(&tls.Config{InsecureSkipVerify: true}), client.WithSnappy()))
			Expect(err).To(Succeed())
			defer conn.Abort()

			Expect(conn.ServerConfig().TLS).To(BeTrue())
			Expect(conn.ServerConfig().Snappy).To(BeTrue())
			publish(conn)
		})

		It("fails on an untrusted certificate", func() {
			conn, err := connect(testConfig(client.WithTLS(&tls.Config{})))
			Expect(err).To(MatchError(ContainSubstring("Failed to negotiate TLS")))
			Expect(conn.IsConnected()).To(BeFalse())
		})

		It("stays in plain text when the server does not offer TLS", func() {
			opts.TLSConfig = nil

			conn, err := connect(testConfig(client.WithTLS(&tls.Config{InsecureSkipVerify: true})))
			Expect(err).To(Succeed())
			defer conn.Abort()

			Expect(conn.ServerConfig().TLS).To(BeFalse())
			publish(conn)
		})
	})

	Describe("auth", func() {
		BeforeEach(func() {
			opts.AuthSecret = "s3cret"
		})

		It("fails fast without a secret", func() {
			conn, err := connect(testConfig())
			Expect(err).To(MatchError(client.ErrAuthenticationRequired))
			Expect(conn.IsConnected()).To(BeFalse())
			Expect(server.CountCommands("AUTH")).To(Equal(0))
		})

		It("surfaces a rejected secret", func() {
			_, err := connect(testConfig(client.WithAuthSecret("wrong")))

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Code()).To(Equal(protocol.ErrCodeAuthFailed))
		})

		It("authenticates", func() {
			conn, err := connect(testConfig(client.WithAuthSecret("s3cret"), client.WithSnappy()))
			Expect(err).To(Succeed())
			defer conn.Abort()

			Expect(server.CountCommands("AUTH")).To(Equal(1))
			Expect(conn.WriteCommand(protocol.Publish("t1", []byte("x")))).To(Succeed())

			frame, err := conn.ReadFrame(ctx, time.Second)
			Expect(err).To(Succeed())
			Expect(frame.(*protocol.Response).IsOK()).To(BeTrue())
		})
	})

	Describe("ReadFrame", func() {
		var conn *client.Conn

		BeforeEach(func() {
			var err error
			conn, err = connect(testConfig())
			Expect(err).To(Succeed())
		})

		AfterEach(func() {
			conn.Abort()
		})

		It("returns nothing when the timeout passes", func() {
			frame, err := conn.ReadFrame(ctx, 50*time.Millisecond)
			Expect(err).To(Succeed())
			Expect(frame).To(BeNil())
		})

		It("answers heartbeats without surfacing them or extending the timeout", func() {
			stop := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()

				for {
					select {
					case <-stop:
						return
					case <-ticker.C:
						server.Heartbeat()
					}
				}
			}()
			defer func() {
				close(stop)
				<-done
			}()

			start := time.Now()
			frame, err := conn.ReadFrame(ctx, 250*time.Millisecond)
			elapsed := time.Since(start)

			Expect(err).To(Succeed())
			Expect(frame).To(BeNil())
			Expect(elapsed).To(BeNumerically(">=", 240*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 600*time.Millisecond))

			Eventually(func() int { return server.CountCommands("NOP") }).Should(BeNumerically(">=", 2))
		})

		It("closes before surfacing a fatal error", func() {
			server.SendError(protocol.ErrCodeInvalid, "bad things")

			_, err := conn.ReadFrame(ctx, time.Second)

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Code()).To(Equal(protocol.ErrCodeInvalid))
			Expect(perr.Error()).To(Equal("E_INVALID bad things"))
			Expect(conn.IsConnected()).To(BeFalse())
		})

		It("stays connected after a transient error", func() {
			server.SendError(protocol.ErrCodeFinFailed, "unknown id")

			_, err := conn.ReadFrame(ctx, time.Second)

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.TerminatesConnection()).To(BeFalse())
			Expect(conn.IsConnected()).To(BeTrue())
		})

		It("honours context cancellation", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := conn.ReadFrame(cancelled, 0)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("reports a connection closed by the server", func() {
			Expect(server.Close()).To(Succeed())
			server = nil

			_, err := conn.ReadFrame(ctx, time.Second)
			Expect(err).To(MatchError(client.ErrConnectionLost))
			Expect(conn.IsConnected()).To(BeFalse())
		})
	})

	Describe("Close", func() {
		It("sends CLS and waits for CLOSE_WAIT", func() {
			conn, err := connect(testConfig())
			Expect(err).To(Succeed())

			Expect(conn.Close()).To(Succeed())
			Expect(conn.State()).To(Equal(client.StateDisconnected))
			Expect(server.CountCommands("CLS")).To(Equal(1))

			Expect(conn.Close()).To(Succeed())
			Expect(conn.Abort()).To(Succeed())
			Expect(server.CountCommands("CLS")).To(Equal(1))
		})

		It("fails writes once closed", func() {
			conn, err := connect(testConfig())
			Expect(err).To(Succeed())
			Expect(conn.Abort()).To(Succeed())

			Expect(conn.WriteCommand(protocol.Nop())).To(MatchError(client.ErrNotConnected))

			_, err = conn.ReadFrame(ctx, time.Second)
			Expect(err).To(MatchError(client.ErrNotConnected))
		})

		It("can connect again afterwards", func() {
			conn, err := connect(testConfig())
			Expect(err).To(Succeed())
			Expect(conn.Close()).To(Succeed())

			Expect(conn.Connect(ctx)).To(Succeed())
			Expect(conn.IsConnected()).To(BeTrue())
			conn.Abort()
		})
	})
})
