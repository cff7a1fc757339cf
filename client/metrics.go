package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects client counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	connections     *prometheus.CounterVec
	disconnections  *prometheus.CounterVec
	heartbeats      *prometheus.CounterVec
	messages        *prometheus.CounterVec
	finished        *prometheus.CounterVec
	requeued        *prometheus.CounterVec
	touched         *prometheus.CounterVec
	rdyUpdates      *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
}

// NewMetrics registers the client counters with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsqc",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		connections:     counter("connections_total", "Connections established, handshake included.", "address"),
		disconnections:  counter("disconnections_total", "Connections torn down for any reason.", "address"),
		heartbeats:      counter("heartbeats_total", "Heartbeats answered with NOP.", "address"),
		messages:        counter("messages_received_total", "Messages delivered to consumers.", "topic", "channel"),
		finished:        counter("messages_finished_total", "Messages finished.", "topic", "channel"),
		requeued:        counter("messages_requeued_total", "Messages requeued.", "topic", "channel"),
		touched:         counter("messages_touched_total", "Message timeouts extended.", "topic", "channel"),
		rdyUpdates:      counter("rdy_updates_total", "RDY commands sent.", "address"),
		publishes:       counter("publishes_total", "Publish commands acknowledged by the server.", "command"),
		publishFailures: counter("publish_failures_total", "Publish commands that failed.", "command"),
	}

	for _, c := range []prometheus.Collector{
		m.connections, m.disconnections, m.heartbeats, m.messages, m.finished,
		m.requeued, m.touched, m.rdyUpdates, m.publishes, m.publishFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) connected(addr string) {
	if m == nil {
		return
	}

	m.connections.WithLabelValues(addr).Inc()
}

func (m *Metrics) disconnected(addr string) {
	if m == nil {
		return
	}

	m.disconnections.WithLabelValues(addr).Inc()
}

func (m *Metrics) heartbeat(addr string) {
	if m == nil {
		return
	}

	m.heartbeats.WithLabelValues(addr).Inc()
}

func (m *Metrics) received(topic, channel string) {
	if m == nil {
		return
	}

	m.messages.WithLabelValues(topic, channel).Inc()
}

func (m *Metrics) finish(topic, channel string) {
	if m == nil {
		return
	}

	m.finished.WithLabelValues(topic, channel).Inc()
}

func (m *Metrics) requeue(topic, channel string) {
	if m == nil {
		return
	}

	m.requeued.WithLabelValues(topic, channel).Inc()
}

func (m *Metrics) touch(topic, channel string) {
	if m == nil {
		return
	}

	m.touched.WithLabelValues(topic, channel).Inc()
}

func (m *Metrics) rdy(addr string) {
	if m == nil {
		return
	}

	m.rdyUpdates.WithLabelValues(addr).Inc()
}

func (m *Metrics) published(cmd string, err error) {
	if m == nil {
		return
	}

	if err != nil {
		m.publishFailures.WithLabelValues(cmd).Inc()
		return
	}

	m.publishes.WithLabelValues(cmd).Inc()
}
