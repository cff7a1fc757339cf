package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/nsqc/client"
)

// Lines longer than this are rejected rather than split.
const maxLineSize = 1024 * 1024

var (
	deferBy time.Duration
	batch   bool
)

var PubCmd = &cobra.Command{
	Use:   "pub <topic> [body...]",
	Short: "Publish messages to a topic",
	Long: `Publish messages to a topic

Each body argument is published as one message. With no bodies, every line
read from stdin is published instead.

Usage
	nsqc pub -n 127.0.0.1:4150 events '{"id": 1}'
	tail -f app.log | nsqc pub -n 127.0.0.1:4150 logs
	nsqc pub -n 127.0.0.1:4150 --batch events one two three

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer signalStop()

		if conf.NSQDAddress == "" {
			return errors.New("an nsqd address is required to publish, set --nsqd-tcp-address")
		}

		if deferBy > 0 && batch {
			return errors.New("--defer and --batch can't be used together")
		}

		config, err := client.NewConfig(conf.ClientOptions()...)
		if err != nil {
			return err
		}

		producer := client.NewProducer(conf.NSQDAddress, config, log)
		if err := producer.Connect(ctx); err != nil {
			return err
		}

		defer func() {
			if err := producer.Close(); err != nil {
				log.Warn("Failed to close producer", zap.Error(err))
			}
		}()

		topic := args[0]

		bodies := make([][]byte, 0, len(args)-1)
		for _, arg := range args[1:] {
			bodies = append(bodies, []byte(arg))
		}

		if len(bodies) > 0 {
			return publish(ctx, producer, topic, bodies)
		}

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			if err := publish(ctx, producer, topic, [][]byte{append([]byte(nil), scanner.Bytes()...)}); err != nil {
				return err
			}
		}

		return scanner.Err()
	},
}

func publish(ctx context.Context, producer *client.Producer, topic string, bodies [][]byte) error {
	var err error

	switch {
	case batch && len(bodies) > 1:
		err = producer.PublishBatch(ctx, topic, bodies)

	case deferBy > 0:
		for _, body := range bodies {
			if err = producer.PublishDeferred(ctx, topic, deferBy, body); err != nil {
				break
			}
		}

	default:
		for _, body := range bodies {
			if err = producer.Publish(ctx, topic, body); err != nil {
				break
			}
		}
	}

	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	log.Debug("Published", zap.String("topic", topic), zap.Int("count", len(bodies)))
	return nil
}

func init() {
	flags := PubCmd.Flags()

	flags.DurationVar(&deferBy, "defer", 0, "Delay delivery of each message by this long")
	flags.BoolVar(&batch, "batch", false, "Publish all body arguments with a single MPUB")
}
