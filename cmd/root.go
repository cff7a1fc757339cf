package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/nsqc/cmd/gen"
	"github.com/luma/nsqc/internal/env"
	"github.com/luma/nsqc/internal/meta"
)

var (
	// Loaded from the environment before any command runs, then overridden
	// by whichever flags were given.
	conf *env.Config

	log *zap.Logger

	nsqdAddress      string
	lookupdAddresses []string
	logLevel         string
)

var RootCmd = &cobra.Command{
	Use:     "nsqc",
	Short:   "Publish to and consume from NSQ brokers",
	Version: meta.GetInfo().String(),
	Long: `Publish to and consume from NSQ brokers

Every flag can also be set in the environment, or in a .env.local file in the
working directory, as NSQC_<FLAG>. For example NSQC_LOOKUPD_ADDRESSES.
`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		conf, err = env.LoadConfig(cmd.Context())
		if err != nil {
			return err
		}

		flags := cmd.Flags()

		if flags.Changed("nsqd-tcp-address") {
			conf.NSQDAddress = nsqdAddress
		}

		if flags.Changed("lookupd-http-address") {
			conf.LookupdAddresses = lookupdAddresses
		}

		if flags.Changed("log-level") {
			conf.LogLevel = logLevel
		}

		log, err = env.MakeLogger(conf.LogLevel)
		return err
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVarP(&nsqdAddress, "nsqd-tcp-address", "n", "", "The nsqd TCP address to connect to")
	flags.StringSliceVarP(&lookupdAddresses, "lookupd-http-address", "l", nil, "The nsqlookupd HTTP addresses to query, may be repeated")
	flags.StringVar(&logLevel, "log-level", "info", "The log level, one of debug, info, warn or error")

	RootCmd.AddCommand(PubCmd, TailCmd, NodesCmd, gen.RootCmd)
}

func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
