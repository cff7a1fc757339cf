// Package lookup discovers the brokers serving a topic by polling one or
// more directory services over HTTP, and keeps a consumer connected to each
// of them for every subscribed channel.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/nsqc/client"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxBodySize    = 4 * 1024 * 1024
)

var (
	ErrAlreadySubscribed = errors.New("Subscription already exists")
	ErrNotSubscribed     = errors.New("Not subscribed")
	ErrStopped           = errors.New("Lookup has been stopped")
	ErrNoAddresses       = errors.New("No directory service addresses configured")
	ErrAllFailed         = errors.New("Every directory service request failed")
)

type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration

	// ReconnectMin and ReconnectMax bound the backoff between attempts to
	// reconnect a consumer to a broker that is still reported.
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64

	HTTPClient *http.Client
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    DefaultPollInterval,
		RequestTimeout:  DefaultRequestTimeout,
		ReconnectMin:    client.DefaultBackoffMin,
		ReconnectMax:    client.DefaultBackoffMax,
		ReconnectJitter: 0.2,
	}
}

// Lookup tracks the producers of every subscribed topic and reconciles a
// pool of consumers against them.
type Lookup struct {
	addresses []string
	config    Config
	http      *http.Client

	mu        sync.Mutex
	watchers  map[string]*watcher
	producers map[string][]Producer
	stopped   bool

	log *zap.Logger
}

func New(addresses []string, config Config, log *zap.Logger) (*Lookup, error) {
	if len(addresses) == 0 {
		return nil, ErrNoAddresses
	}

	if log == nil {
		log = zap.NewNop()
	}

	defaults := DefaultConfig()

	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}

	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	if config.ReconnectMin <= 0 {
		config.ReconnectMin = defaults.ReconnectMin
	}

	if config.ReconnectMax < config.ReconnectMin {
		config.ReconnectMax = config.ReconnectMin
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}

	normalised := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		normalised = append(normalised, strings.TrimSuffix(addr, "/"))
	}

	return &Lookup{
		addresses: normalised,
		config:    config,
		http:      httpClient,
		watchers:  make(map[string]*watcher),
		producers: make(map[string][]Producer),
		log:       log.Named("lookup"),
	}, nil
}

// Subscribe starts consuming topic on channel from every broker the
// directory services report for it, now and as that set changes.
func (l *Lookup) Subscribe(topic, channel string, handler client.Handler, config *client.Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrStopped
	}

	if config == nil {
		var err error
		if config, err = client.NewConfig(); err != nil {
			return err
		}
	}

	w, ok := l.watchers[topic]
	if !ok {
		w = newWatcher(l, topic)
		l.watchers[topic] = w
		go w.run()
	}

	if err := w.add(channel, handler, config); err != nil {
		return err
	}

	l.log.Info("Subscribed", zap.String("topic", topic), zap.String("channel", channel))
	return nil
}

// Unsubscribe closes the channel's consumers. The topic stops being polled
// once its last channel is gone.
func (l *Lookup) Unsubscribe(topic, channel string) error {
	l.mu.Lock()
	w, ok := l.watchers[topic]
	if !ok {
		l.mu.Unlock()
		return ErrNotSubscribed
	}

	sub, empty, err := w.detach(channel)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	if empty {
		delete(l.watchers, topic)
		delete(l.producers, topic)
	}
	l.mu.Unlock()

	err = sub.stop()
	if empty {
		err = multierr.Append(err, w.stop())
	}

	l.log.Info("Unsubscribed", zap.String("topic", topic), zap.String("channel", channel))
	return err
}

// Stop unsubscribes everything and closes every consumer. The Lookup can't
// be used afterwards.
func (l *Lookup) Stop() error {
	l.mu.Lock()
	l.stopped = true
	watchers := l.watchers
	l.watchers = make(map[string]*watcher)
	l.producers = make(map[string][]Producer)
	l.mu.Unlock()

	var err error
	for _, w := range watchers {
		err = multierr.Append(err, w.stop())
	}

	l.log.Info("Lookup stopped")
	return err
}

// Producers returns the producers found for topic by the last successful
// poll.
func (l *Lookup) Producers(topic string) []Producer {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Producer(nil), l.producers[topic]...)
}

// Topics returns the subscribed topics and their channels.
func (l *Lookup) Topics() map[string][]string {
	l.mu.Lock()
	watchers := make([]*watcher, 0, len(l.watchers))
	for _, w := range l.watchers {
		watchers = append(watchers, w)
	}
	l.mu.Unlock()

	topics := make(map[string][]string, len(watchers))
	for _, w := range watchers {
		topics[w.topic] = w.channelNames()
	}

	return topics
}

// Connections returns the broker addresses with a live consumer for
// topic/channel.
func (l *Lookup) Connections(topic, channel string) []string {
	l.mu.Lock()
	w, ok := l.watchers[topic]
	l.mu.Unlock()

	if !ok {
		return nil
	}

	return w.connections(channel)
}

func (l *Lookup) setProducers(topic string, producers []Producer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.watchers[topic]; ok {
		l.producers[topic] = producers
	}
}

// Query asks every directory service for topic once and returns the
// union of their answers. It only fails if every service does.
func (l *Lookup) Query(ctx context.Context, topic string) ([]Producer, error) {
	return l.fanOut(ctx, "/lookup?topic="+url.QueryEscape(topic))
}

// Nodes returns every producer known to any directory service, regardless
// of topic.
func (l *Lookup) Nodes(ctx context.Context) ([]Producer, error) {
	return l.fanOut(ctx, "/nodes")
}

func (l *Lookup) fanOut(ctx context.Context, path string) ([]Producer, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lists   [][]Producer
		errs    error
		success int
	)

	for _, addr := range l.addresses {
		wg.Add(1)

		go func(addr string) {
			defer wg.Done()

			resp, err := l.get(ctx, addr+path)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				l.log.Warn("Directory service request failed", zap.String("url", addr+path), zap.Error(err))
				errs = multierr.Append(errs, err)
				return
			}

			success++
			lists = append(lists, resp.Producers)
		}(addr)
	}

	wg.Wait()

	if success == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllFailed, errs)
	}

	return union(lists...), nil
}

func (l *Lookup) get(ctx context.Context, rawURL string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.nsq; version=1.0")

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBodySize))
	if err != nil {
		return nil, err
	}

	parsed, perr := ParseResponse(body)

	switch {
	case resp.StatusCode == http.StatusNotFound && perr == nil:
		return parsed, nil

	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("Directory service returned %s", resp.Status)
	}

	return parsed, perr
}
