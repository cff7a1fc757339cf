package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/nsqc/client"
	"github.com/luma/nsqc/lookup"
)

var (
	// The channel to consume on
	channel string

	// The address to serve /ping, /stats and /metrics on
	httpAddress string

	// Exit after this many messages, 0 means never
	maxMessages int64
)

func init() {
	flags := TailCmd.Flags()

	flags.StringVarP(&channel, "channel", "c", "", "The channel to consume on, defaults to an ephemeral one")
	flags.StringVar(&httpAddress, "http-address", "", "The address to serve /ping, /stats and /metrics on")
	flags.Int64VarP(&maxMessages, "max-messages", "m", 0, "Exit after printing this many messages")
}

var TailCmd = &cobra.Command{
	Use:   "tail <topic>",
	Short: "Print every message published to a topic",
	Long: `Print every message published to a topic

With --lookupd-http-address the brokers are discovered, and followed as they
come and go. Otherwise the single broker at --nsqd-tcp-address is used.

Usage
	nsqc tail -l 127.0.0.1:4161 events
	nsqc tail -n 127.0.0.1:4150 --channel archive --http-address :4171 events

`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		topic := args[0]
		if channel == "" {
			channel = fmt.Sprintf("nsqc_tail%06d#ephemeral", rand.Intn(1000000))
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Debug("Set file limit", zap.Uint64("fileLimit", fileLimit))

		registry := prometheus.NewRegistry()

		metrics, err := client.NewMetrics(registry)
		if err != nil {
			return err
		}

		config, err := client.NewConfig(append(conf.ClientOptions(), client.WithMetrics(metrics))...)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := &printer{max: maxMessages, done: cancel}

		var (
			stats func() gin.H
			run   func(ctx context.Context) error
		)

		switch {
		case len(conf.LookupdAddresses) > 0:
			l, err := lookup.New(conf.LookupdAddresses, lookup.DefaultConfig(), log)
			if err != nil {
				return err
			}

			stats = func() gin.H {
				return gin.H{
					"topic":       topic,
					"channel":     channel,
					"subscribed":  l.Topics(),
					"producers":   l.Producers(topic),
					"connections": l.Connections(topic, channel),
				}
			}

			run = func(ctx context.Context) error {
				if err := l.Subscribe(topic, channel, out, config); err != nil {
					return err
				}

				<-ctx.Done()
				return l.Stop()
			}

		case conf.NSQDAddress != "":
			consumer := client.NewConsumer(conf.NSQDAddress, config, log)

			stats = func() gin.H {
				var connections []string
				if consumer.IsConnected() {
					connections = append(connections, consumer.Address())
				}

				return gin.H{
					"topic":       topic,
					"channel":     channel,
					"rdy":         consumer.RDY(),
					"connections": connections,
				}
			}

			run = func(ctx context.Context) error {
				return tailDirect(ctx, consumer, topic, out)
			}

		default:
			return errors.New("set --lookupd-http-address or --nsqd-tcp-address")
		}

		if httpAddress != "" {
			s, err := startStatusServer(registry, stats)
			if err != nil {
				return err
			}

			defer func() {
				// The context is used to inform the server it has 5 seconds to finish
				// the request it is currently handling
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				s.SetKeepAlivesEnabled(false)

				if err := s.Shutdown(shutdownCtx); err != nil {
					log.Error("Http server forced to shutdown", zap.Error(err))
				}
			}()
		}

		log.Info("Tailing",
			zap.String("topic", topic),
			zap.String("channel", channel),
			zap.Strings("lookupd", conf.LookupdAddresses),
			zap.String("nsqd", conf.NSQDAddress))

		if err := run(ctx); err != nil {
			return err
		}

		log.Info("Exiting", zap.Int64("printed", out.count()))
		return nil
	},
}

// tailDirect keeps one consumer subscribed until ctx is done, reconnecting
// with backoff whenever the connection drops.
func tailDirect(ctx context.Context, consumer *client.Consumer, topic string, handler client.Handler) error {
	backoff := client.NewBackoff(client.DefaultBackoffMin, client.DefaultBackoffMax, 0.2)

	for {
		err := backoff.Do(time.Now(), func() error {
			return subscribe(ctx, consumer, topic)
		})
		if err == nil {
			if err = consumer.Consume(ctx, handler); err == nil {
				err = client.ErrConnectionLost
			}
			if ctx.Err() == nil {
				consumer.Abort()
				backoff.Failure(time.Now())
			}
		}

		if ctx.Err() != nil {
			return consumer.Close()
		}

		wait := backoff.Wait(time.Now())
		if !errors.Is(err, client.ErrBackoff) {
			log.Warn("Consumer disconnected, reconnecting", zap.Duration("wait", wait), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func subscribe(ctx context.Context, consumer *client.Consumer, topic string) error {
	if err := consumer.Connect(ctx); err != nil {
		return err
	}

	if err := consumer.Subscribe(ctx, topic, channel); err != nil {
		consumer.Abort()
		return err
	}

	return nil
}

// printer writes each message body to stdout on its own line.
type printer struct {
	mu      sync.Mutex
	printed int64
	max     int64
	done    context.CancelFunc
}

func (p *printer) HandleMessage(msg *client.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.max > 0 && p.printed >= p.max {
		// Already done, let another consumer have it.
		return msg.Requeue(0)
	}

	if _, err := fmt.Fprintf(os.Stdout, "%s\n", msg.Body); err != nil {
		return err
	}

	p.printed++
	if p.max > 0 && p.printed >= p.max {
		p.done()
	}

	return nil
}

func (p *printer) count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.printed
}

func startStatusServer(registry *prometheus.Registry, stats func() gin.H) (*http.Server, error) {
	router := setupRouter(conf.DebugHTTP, log)

	// Ping test
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, stats())
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	listener, err := reuseport.Listen("tcp", httpAddress)
	if err != nil {
		return nil, err
	}

	s := &http.Server{
		Addr:    listener.Addr().String(),
		Handler: router,
	}

	// Serve in a goroutine so that it won't block consuming
	go func() {
		if err := s.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Http server errored", zap.Error(err))
		}
	}()

	log.Info("Serving status", zap.String("address", s.Addr))
	return s, nil
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs every request except health checks, RFC3339 in UTC.
	r.Use(ginzap.GinzapWithConfig(log.Named("http"), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
