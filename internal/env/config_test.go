package env_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/luma/nsqc/client"
	"github.com/luma/nsqc/internal/env"
)

var _ = Describe("LoadConfig", func() {
	vars := []string{
		"NSQC_NSQD_ADDRESS",
		"NSQC_LOOKUPD_ADDRESSES",
		"NSQC_AUTH_SECRET",
		"NSQC_LOG_LEVEL",
		"NSQC_SNAPPY",
		"NSQC_DEFLATE",
	}

	AfterEach(func() {
		for _, name := range vars {
			Expect(os.Unsetenv(name)).To(Succeed())
		}
	})

	It("defaults the log level", func() {
		conf, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())
		Expect(conf.LogLevel).To(Equal("info"))
		Expect(conf.LookupdAddresses).To(BeEmpty())
		Expect(conf.ClientOptions()).To(BeEmpty())
	})

	It("reads addresses and connection settings", func() {
		Expect(os.Setenv("NSQC_NSQD_ADDRESS", "127.0.0.1:4150")).To(Succeed())
		Expect(os.Setenv("NSQC_LOOKUPD_ADDRESSES", "lookupd-1:4161,lookupd-2:4161")).To(Succeed())
		Expect(os.Setenv("NSQC_AUTH_SECRET", "s3cret")).To(Succeed())
		Expect(os.Setenv("NSQC_SNAPPY", "true")).To(Succeed())

		conf, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())
		Expect(conf.NSQDAddress).To(Equal("127.0.0.1:4150"))
		Expect(conf.LookupdAddresses).To(Equal([]string{"lookupd-1:4161", "lookupd-2:4161"}))

		config, err := client.NewConfig(conf.ClientOptions()...)
		Expect(err).To(Succeed())
		Expect(config.AuthSecret).To(Equal("s3cret"))
		Expect(config.Snappy).To(BeTrue())
		Expect(config.Deflate).To(BeFalse())
	})

	It("produces options that fail validation when both codecs are set", func() {
		Expect(os.Setenv("NSQC_SNAPPY", "true")).To(Succeed())
		Expect(os.Setenv("NSQC_DEFLATE", "true")).To(Succeed())

		conf, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		_, err = client.NewConfig(conf.ClientOptions()...)
		Expect(err).To(MatchError(client.ErrInvalidConfig))
	})
})

var _ = Describe("MakeLogger", func() {
	It("builds a logger at the requested level", func() {
		log, err := env.MakeLogger("warn")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeFalse())
		Expect(log.Core().Enabled(zapcore.WarnLevel)).To(BeTrue())
	})

	It("rejects unknown levels", func() {
		_, err := env.MakeLogger("loud")
		Expect(err).To(HaveOccurred())
	})
})
