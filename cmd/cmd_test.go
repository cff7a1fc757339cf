package cmd

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/nsqc/client"
	"github.com/luma/nsqc/internal/env"
	"github.com/luma/nsqc/internal/nsqdtest"
)

func run(args ...string) error {
	RootCmd.SetArgs(append(args, "--log-level", "error"))
	return RootCmd.ExecuteContext(context.Background())
}

var _ = Describe("nsqc", func() {
	var server *nsqdtest.Server

	BeforeEach(func() {
		var err error
		server, err = nsqdtest.Start(nsqdtest.Options{})
		Expect(err).To(Succeed())

		batch = false
		deferBy = 0
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
	})

	Describe("pub", func() {
		It("publishes each body", func() {
			Expect(run("pub", "-n", server.Addr(), "t1", "one", "two")).To(Succeed())

			Expect(server.Published("t1")).To(Equal([][]byte{[]byte("one"), []byte("two")}))
			Expect(server.CountCommands("PUB t1")).To(Equal(2))
		})

		It("publishes a batch with one MPUB", func() {
			Expect(run("pub", "-n", server.Addr(), "--batch", "t1", "one", "two")).To(Succeed())

			Expect(server.Published("t1")).To(HaveLen(2))
			Expect(server.CountCommands("MPUB t1")).To(Equal(1))
		})

		It("defers delivery", func() {
			Expect(run("pub", "-n", server.Addr(), "--defer", "2s", "t1", "later")).To(Succeed())
			Expect(server.CountCommands("DPUB t1 2000")).To(Equal(1))
		})

		It("needs an address", func() {
			Expect(run("pub", "-n", "", "t1", "one")).To(HaveOccurred())
		})
	})

	Describe("nodes", func() {
		It("queries every lookupd", func() {
			gin.SetMode(gin.TestMode)

			host, port, err := net.SplitHostPort(server.Addr())
			Expect(err).To(Succeed())

			tcpPort, err := strconv.Atoi(port)
			Expect(err).To(Succeed())

			var requests int32
			router := gin.New()
			router.GET("/nodes", func(c *gin.Context) {
				atomic.AddInt32(&requests, 1)
				c.JSON(200, gin.H{"producers": []gin.H{{
					"broadcast_address": host,
					"tcp_port":          tcpPort,
					"http_port":         tcpPort + 1,
				}}})
			})

			lookupd := httptest.NewServer(router)
			defer lookupd.Close()

			Expect(run("nodes", "-l", lookupd.URL)).To(Succeed())
			Expect(atomic.LoadInt32(&requests)).To(Equal(int32(1)))
		})
	})

	Describe("tail", func() {
		It("prints messages from a single broker until the limit", func() {
			server.Enqueue("t1", []byte("one"), []byte("two"))

			var err error
			conf, err = env.LoadConfig(context.Background())
			Expect(err).To(Succeed())
			log = zap.NewNop()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			consumer := client.NewConsumer(server.Addr(), client.MustConfig(), log)
			out := &printer{max: 2, done: cancel}

			channel = "c1"
			Expect(tailDirect(ctx, consumer, "t1", out)).To(Succeed())

			Expect(out.count()).To(Equal(int64(2)))
			Expect(ctx.Err()).To(Equal(context.Canceled))
			Eventually(server.Commands).Should(ContainElement("SUB t1 c1"))
		})
	})
})

var _ = Describe("gen", func() {
	It("writes a man page per command", func() {
		dir, err := os.MkdirTemp("", "nsqc-gen")
		Expect(err).To(Succeed())
		defer os.RemoveAll(dir)

		RootCmd.SetArgs([]string{"gen", "man", "--dir", dir})
		Expect(RootCmd.ExecuteContext(context.Background())).To(Succeed())

		Expect(filepath.Join(dir, "nsqc.1")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "nsqc-pub.1")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "nsqc-tail.1")).To(BeAnExistingFile())
	})

	It("writes markdown", func() {
		dir, err := os.MkdirTemp("", "nsqc-gen")
		Expect(err).To(Succeed())
		defer os.RemoveAll(dir)

		RootCmd.SetArgs([]string{"gen", "markdown", "--dir", dir})
		Expect(RootCmd.ExecuteContext(context.Background())).To(Succeed())

		Expect(filepath.Join(dir, "nsqc_nodes.md")).To(BeAnExistingFile())
	})
})
