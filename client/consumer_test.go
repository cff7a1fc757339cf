package client_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/nsqc/client"
	"github.com/luma/nsqc/internal/nsqdtest"
	"github.com/luma/nsqc/protocol"
)

var _ = Describe("Consumer", func() {
	var (
		server *nsqdtest.Server
		ctx    context.Context
	)

	newConsumer := func(opts ...client.Option) *client.Consumer {
		consumer := client.NewConsumer(server.Addr(), testConfig(opts...), zap.NewNop())
		Expect(consumer.Connect(ctx)).To(Succeed())
		return consumer
	}

	// limitRdy swaps the server for one that accepts at most max RDY.
	limitRdy := func(max int64) {
		Expect(server.Close()).To(Succeed())

		var err error
		server, err = nsqdtest.Start(nsqdtest.Options{MaxRdyCount: max})
		Expect(err).To(Succeed())
	}

	BeforeEach(func() {
		var err error
		server, err = nsqdtest.Start(nsqdtest.Options{Snappy: true})
		Expect(err).To(Succeed())

		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
	})

	Describe("Subscriber", func() {
		var sub *client.Subscriber

		BeforeEach(func() {
			consumer := client.NewConsumer(server.Addr(), testConfig(client.WithSnappy()), zap.NewNop())
			sub = client.NewSubscriber(consumer, time.Second)
			Expect(sub.Subscribe(ctx, "t1", "c1")).To(Succeed())
		})

		AfterEach(func() {
			Expect(sub.Close()).To(Succeed())
		})

		It("receives and finishes a published message", func() {
			server.Enqueue("t1", []byte("hello"))

			msg, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(msg).NotTo(BeNil())
			Expect(msg.Body).To(Equal([]byte("hello")))
			Expect(msg.Attempts).To(Equal(uint16(1)))

			Expect(msg.Finish()).To(Succeed())
			Eventually(server.Commands).Should(ContainElement("FIN " + msg.ID.String()))

			Expect(msg.Finish()).To(MatchError(client.ErrMessageProcessed))
			Eventually(func() int { return server.CountCommands("RDY 1") }).Should(Equal(2))
		})

		It("receives a batch in order, finishing each independently", func() {
			server.Enqueue("t1", []byte("first"), []byte("second"))

			first, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(first.Body).To(Equal([]byte("first")))
			Expect(first.Finish()).To(Succeed())

			second, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(second.Body).To(Equal([]byte("second")))
			Expect(second.Finish()).To(Succeed())

			Expect(first.ID).NotTo(Equal(second.ID))
		})

		It("redelivers a requeued message before anything published later", func() {
			server.Enqueue("t1", []byte("again"))

			msg, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(msg.Requeue(0)).To(Succeed())
			Eventually(server.Commands).Should(ContainElement(fmt.Sprintf("REQ %s 0", msg.ID)))

			// The re-arm follows the REQ on the wire, so once it is logged the
			// server has already put the message back.
			Eventually(func() int { return server.CountCommands("RDY 1") }).Should(Equal(2))

			server.Enqueue("t1", []byte("later"))

			redelivered, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(redelivered.Body).To(Equal([]byte("again")))
			Expect(redelivered.ID).To(Equal(msg.ID))
			Expect(redelivered.Attempts).To(Equal(uint16(2)))
		})

		It("returns nothing when no message arrives in time", func() {
			msg, err := client.NewSubscriber(sub.Consumer(), 50*time.Millisecond).Next(ctx)
			Expect(err).To(Succeed())
			Expect(msg).To(BeNil())
		})

		It("surfaces exactly one message through any number of heartbeats", func() {
			for i := 0; i < 3; i++ {
				server.Heartbeat()
			}
			server.Enqueue("t1", []byte("after heartbeats"))

			msg, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(msg.Body).To(Equal([]byte("after heartbeats")))

			Eventually(func() int { return server.CountCommands("NOP") }).Should(Equal(3))

			msg, err = client.NewSubscriber(sub.Consumer(), 50*time.Millisecond).Next(ctx)
			Expect(err).To(Succeed())
			Expect(msg).To(BeNil())
		})

		It("touches an unsettled message", func() {
			server.Enqueue("t1", []byte("slow"))

			msg, err := sub.Next(ctx)
			Expect(err).To(Succeed())
			Expect(msg.Touch()).To(Succeed())
			Expect(msg.Finish()).To(Succeed())

			Eventually(server.Commands).Should(ContainElement("TOUCH " + msg.ID.String()))
		})
	})

	Describe("SetReady", func() {
		It("sends nothing when the count is unchanged", func() {
			consumer := newConsumer()
			defer consumer.Abort()

			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())
			Expect(consumer.SetReady(5)).To(Succeed())
			Expect(consumer.SetReady(5)).To(Succeed())

			Eventually(func() int { return server.CountCommands("RDY 5") }).Should(Equal(1))
			Consistently(func() int { return server.CountCommands("RDY 5") }, 100*time.Millisecond).Should(Equal(1))
			Expect(consumer.RDY()).To(Equal(int64(5)))
		})

		It("coalesces counts above the server maximum", func() {
			limitRdy(10)

			consumer := newConsumer()
			defer consumer.Abort()

			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())
			Expect(consumer.SetReady(50)).To(Succeed())
			Expect(consumer.SetReady(50)).To(Succeed())
			Expect(consumer.SetReady(10)).To(Succeed())

			Eventually(func() int { return server.CountCommands("RDY 10") }).Should(Equal(1))
			Consistently(func() int { return server.CountCommands("RDY 10") }, 100*time.Millisecond).Should(Equal(1))
			Expect(server.CountCommands("RDY 50")).To(Equal(0))
			Expect(consumer.RDY()).To(Equal(int64(10)))
		})

		It("only counts a FIN against RDY once it has been sent", func() {
			consumer := newConsumer()
			Expect(consumer.SetReady(3)).To(Succeed())
			Expect(consumer.Abort()).To(Succeed())

			var id protocol.MessageID
			copy(id[:], "0123456789abcdef")

			Expect(consumer.Fin(id)).To(MatchError(client.ErrNotConnected))
			Expect(consumer.Req(id, time.Second)).To(MatchError(client.ErrNotConnected))
			Expect(consumer.RDY()).To(Equal(int64(3)))
		})

		It("resets the tracked RDY on reconnect", func() {
			consumer := newConsumer()
			Expect(consumer.SetReady(3)).To(Succeed())
			Expect(consumer.Close()).To(Succeed())

			Expect(consumer.Connect(ctx)).To(Succeed())
			defer consumer.Abort()
			Expect(consumer.RDY()).To(Equal(int64(0)))
		})
	})

	Describe("Subscribe", func() {
		It("fails and disconnects on a bad topic", func() {
			consumer := newConsumer()

			err := consumer.Subscribe(ctx, "bad*topic", "c1")
			Expect(err).To(MatchError(client.ErrSubscribeFailed))

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Code()).To(Equal(protocol.ErrCodeBadTopic))
			Expect(consumer.IsConnected()).To(BeFalse())
		})

		It("fails when not connected", func() {
			consumer := client.NewConsumer(server.Addr(), testConfig(), zap.NewNop())
			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(MatchError(client.ErrNotConnected))
		})
	})

	It("keeps the connection after a rejected FIN", func() {
		consumer := newConsumer()
		defer consumer.Abort()
		Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())

		var id protocol.MessageID
		copy(id[:], "0123456789abcdef")
		Expect(consumer.Fin(id)).To(Succeed())

		_, err := consumer.Receive(ctx, time.Second)

		var perr *protocol.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Code()).To(Equal(protocol.ErrCodeFinFailed))
		Expect(consumer.IsConnected()).To(BeTrue())
	})

	Describe("Consume", func() {
		It("finishes handled messages and re-arms RDY", func() {
			consumer := newConsumer(client.WithRdyCount(4), client.WithConcurrency(2))
			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())

			var (
				mu     sync.Mutex
				bodies []string
			)

			done := make(chan error)
			go func() {
				done <- consumer.Consume(ctx, client.HandlerFunc(func(msg *client.Message) error {
					mu.Lock()
					defer mu.Unlock()
					bodies = append(bodies, string(msg.Body))
					return nil
				}))
			}()

			for i := 0; i < 10; i++ {
				server.Enqueue("t1", []byte(fmt.Sprintf("msg-%d", i)))
			}

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(bodies)
			}).Should(Equal(10))

			Eventually(func() int { return server.CountCommands("RDY 4") }).Should(BeNumerically(">", 1))
			Eventually(func() int {
				n := 0
				for _, c := range server.Clients() {
					n += c.InFlight
				}
				return n
			}).Should(Equal(0))

			Expect(consumer.Close()).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))
		})

		It("re-arms to the server maximum, not past it", func() {
			limitRdy(10)

			consumer := newConsumer(client.WithRdyCount(50))
			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())

			var handled int32
			done := make(chan error)
			go func() {
				done <- consumer.Consume(ctx, client.HandlerFunc(func(msg *client.Message) error {
					atomic.AddInt32(&handled, 1)
					return nil
				}))
			}()

			for i := 0; i < 3; i++ {
				server.Enqueue("t1", []byte(fmt.Sprintf("msg-%d", i)))
			}

			Eventually(func() int32 { return atomic.LoadInt32(&handled) }).Should(Equal(int32(3)))
			Eventually(func() int { return countPrefix(server.Commands(), "FIN ") }).Should(Equal(3))

			Consistently(func() int { return server.CountCommands("RDY 10") }, 100*time.Millisecond).Should(Equal(1))
			Expect(server.CountCommands("RDY 50")).To(Equal(0))

			Expect(consumer.Close()).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))
		})

		It("requeues a message when the handler fails", func() {
			consumer := newConsumer(client.WithRdyCount(1), client.WithRequeueDelay(0, 0))
			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())

			attempts := make(chan uint16, 2)

			cctx, cancel := context.WithCancel(ctx)
			done := make(chan error)
			go func() {
				done <- consumer.Consume(cctx, client.HandlerFunc(func(msg *client.Message) error {
					attempts <- msg.Attempts
					if msg.Attempts == 1 {
						return errors.New("not yet")
					}
					return nil
				}))
			}()

			server.Enqueue("t1", []byte("flaky"))

			Eventually(attempts).Should(Receive(Equal(uint16(1))))
			Eventually(attempts).Should(Receive(Equal(uint16(2))))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
			Expect(consumer.Abort()).To(Succeed())
		})

		It("requeues a message when the handler panics", func() {
			consumer := newConsumer(client.WithRdyCount(1), client.WithRequeueDelay(0, 0))
			defer consumer.Abort()
			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())

			var (
				mu    sync.Mutex
				calls int
			)

			go consumer.Consume(ctx, client.HandlerFunc(func(msg *client.Message) error {
				mu.Lock()
				defer mu.Unlock()
				calls++
				if calls == 1 {
					panic("boom")
				}
				return nil
			}))

			server.Enqueue("t1", []byte("explosive"))

			Eventually(func() []string { return server.Commands() }).Should(ContainElement(HavePrefix("REQ ")))
			Eventually(func() []string { return server.Commands() }).Should(ContainElement(HavePrefix("FIN ")))
		})

		It("returns an error when the server drops the connection", func() {
			consumer := newConsumer()
			Expect(consumer.Subscribe(ctx, "t1", "c1")).To(Succeed())

			done := make(chan error)
			go func() {
				done <- consumer.Consume(ctx, client.HandlerFunc(func(*client.Message) error { return nil }))
			}()

			Eventually(func() int { return server.CountCommands("RDY 100") }).Should(Equal(1))
			server.SendError(protocol.ErrCodeInvalid, "go away")

			var err error
			Eventually(done).Should(Receive(&err))

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(consumer.IsConnected()).To(BeFalse())
		})
	})
})

func countPrefix(lines []string, prefix string) int {
	n := 0
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}

	return n
}
