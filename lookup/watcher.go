package lookup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/nsqc/client"
)

type subscription struct {
	channel string
	handler client.Handler
	config  *client.Config

	// guarded by watcher.mu
	consumers map[string]*managed
}

func (s *subscription) stop() error {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)

	for _, m := range s.consumers {
		wg.Add(1)

		go func(m *managed) {
			defer wg.Done()

			if cerr := m.stop(); cerr != nil {
				mu.Lock()
				err = multierr.Append(err, cerr)
				mu.Unlock()
			}
		}(m)
	}

	wg.Wait()
	s.consumers = make(map[string]*managed)

	return err
}

// watcher polls the producers of one topic and reconciles the consumers of
// every channel subscribed to it. Only its own goroutine changes the
// consumer pools, apart from subscriptions being detached.
type watcher struct {
	lookup *Lookup
	topic  string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu   sync.Mutex
	subs map[string]*subscription

	log *zap.Logger
}

func newWatcher(l *Lookup, topic string) *watcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &watcher{
		lookup: l,
		topic:  topic,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		subs:   make(map[string]*subscription),
		log:    l.log.Named("watcher").With(zap.String("topic", topic)),
	}
}

func (w *watcher) add(channel string, handler client.Handler, config *client.Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.subs[channel]; ok {
		return ErrAlreadySubscribed
	}

	w.subs[channel] = &subscription{
		channel:   channel,
		handler:   handler,
		config:    config,
		consumers: make(map[string]*managed),
	}

	// Poll now rather than waiting a whole interval for the new channel.
	select {
	case w.wake <- struct{}{}:
	default:
	}

	return nil
}

// detach removes the channel's subscription and reports whether it was the
// last one. The caller stops the returned subscription.
func (w *watcher) detach(channel string) (*subscription, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.subs[channel]
	if !ok {
		return nil, false, ErrNotSubscribed
	}

	delete(w.subs, channel)
	return sub, len(w.subs) == 0, nil
}

func (w *watcher) channelNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.subs))
	for name := range w.subs {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func (w *watcher) connections(channel string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.subs[channel]
	if !ok {
		return nil
	}

	var addrs []string
	for addr, m := range sub.consumers {
		if m.consumer.IsConnected() {
			addrs = append(addrs, addr)
		}
	}

	sort.Strings(addrs)
	return addrs
}

func (w *watcher) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.lookup.config.PollInterval)
	defer ticker.Stop()

	w.poll()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}

		w.poll()
	}
}

// poll queries the directory services and reconciles. If none of them
// answered the pools are left alone until the next tick.
func (w *watcher) poll() {
	producers, err := w.lookup.Query(w.ctx, w.topic)
	if err != nil {
		if w.ctx.Err() == nil {
			w.log.Warn("Skipping reconciliation, no directory service answered", zap.Error(err))
		}
		return
	}

	w.lookup.setProducers(w.topic, producers)

	addrs := make(map[string]struct{}, len(producers))
	for _, p := range producers {
		addrs[p.Address()] = struct{}{}
	}

	w.reconcile(addrs)
}

func (w *watcher) reconcile(addrs map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}

	for _, sub := range w.subs {
		for addr, m := range sub.consumers {
			if _, ok := addrs[addr]; ok {
				continue
			}

			w.log.Info("Producer gone, closing consumer", zap.String("channel", sub.channel), zap.String("addr", addr))
			delete(sub.consumers, addr)

			if err := m.stop(); err != nil {
				w.log.Warn("Consumer did not close cleanly", zap.String("addr", addr), zap.Error(err))
			}
		}

		for addr := range addrs {
			if _, ok := sub.consumers[addr]; ok {
				continue
			}

			w.log.Info("New producer, starting consumer", zap.String("channel", sub.channel), zap.String("addr", addr))
			sub.consumers[addr] = startManaged(w, sub, addr)
		}
	}
}

// stop ends polling and closes every consumer still attached.
func (w *watcher) stop() error {
	w.cancel()
	<-w.done

	w.mu.Lock()
	subs := w.subs
	w.subs = make(map[string]*subscription)
	w.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.stop())
	}

	return err
}

// managed keeps one consumer connected and subscribed for as long as its
// producer is reported, reconnecting with backoff when the connection drops.
type managed struct {
	consumer *client.Consumer
	backoff  *client.Backoff

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	log *zap.Logger
}

func startManaged(w *watcher, sub *subscription, addr string) *managed {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := w.lookup.config

	m := &managed{
		consumer: client.NewConsumer(addr, sub.config, w.log),
		backoff:  client.NewBackoff(cfg.ReconnectMin, cfg.ReconnectMax, cfg.ReconnectJitter),
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      w.log.With(zap.String("channel", sub.channel), zap.String("addr", addr)),
	}

	go m.run(ctx, w.topic, sub.channel, sub.handler)

	return m
}

func (m *managed) run(ctx context.Context, topic, channel string, handler client.Handler) {
	defer close(m.done)

	for {
		err := m.backoff.Do(time.Now(), func() error {
			return m.connect(ctx, topic, channel)
		})
		if err == nil {
			if err = m.consume(ctx, handler); ctx.Err() == nil {
				m.backoff.Failure(time.Now())
			}
		}

		if ctx.Err() != nil {
			if !errors.Is(err, context.Canceled) {
				m.err = err
			}
			return
		}

		wait := m.backoff.Wait(time.Now())
		if !errors.Is(err, client.ErrBackoff) {
			m.log.Warn("Consumer disconnected, reconnecting",
				zap.Duration("wait", wait),
				zap.Int("attempt", m.backoff.Attempt()),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *managed) connect(ctx context.Context, topic, channel string) error {
	if err := m.consumer.Connect(ctx); err != nil {
		return err
	}

	if err := m.consumer.Subscribe(ctx, topic, channel); err != nil {
		m.consumer.Abort()
		return err
	}

	return nil
}

// consume runs the subscribed connection until it drops. Cancelling ctx
// closes it gracefully.
func (m *managed) consume(ctx context.Context, handler client.Handler) error {
	err := m.consumer.Consume(ctx, handler)
	if ctx.Err() != nil {
		return m.consumer.Close()
	}

	m.consumer.Abort()
	if err == nil {
		err = client.ErrConnectionLost
	}

	return err
}

func (m *managed) stop() error {
	m.cancel()
	<-m.done

	return m.err
}
