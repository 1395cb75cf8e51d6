// Package metrics exposes Prometheus collectors for the gateway and voice
// connections.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Socket labels.
const (
	SocketGateway = "gateway"
	SocketVoice   = "voice"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace. It defaults to "cordwire".
	Namespace string
	// Registry is where collectors are registered. It defaults to
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	heartbeatLatency *prometheus.HistogramVec
	reconnects       *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	closes           *prometheus.CounterVec
	rateLimitWaits   prometheus.Counter
	rateLimitSeconds prometheus.Counter
	voicePackets     prometheus.Counter
	voiceBytes       prometheus.Counter
}

// New registers a new set of collectors.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "cordwire"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		heartbeatLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "heartbeat_latency_seconds",
			Help:      "Time between a heartbeat and its acknowledgement.",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"socket"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "reconnects_total",
			Help:      "Reconnections by socket and whether the session was resumed.",
		}, []string{"socket", "resume"}),

		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "events_dispatched_total",
			Help:      "Gateway events dispatched to handlers.",
		}, []string{"event"}),

		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "socket_closes_total",
			Help:      "Socket closures by close code.",
		}, []string{"socket", "code"}),

		rateLimitWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "ratelimit_waits_total",
			Help:      "Gateway sends that had to wait for the send bucket.",
		}),

		rateLimitSeconds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "ratelimit_wait_seconds_total",
			Help:      "Total time spent waiting for the send bucket.",
		}),

		voicePackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "voice_packets_sent_total",
			Help:      "RTP packets written to voice UDP sockets.",
		}),

		voiceBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "voice_bytes_sent_total",
			Help:      "Bytes written to voice UDP sockets.",
		}),
	}
}

// ObserveHeartbeat records one acknowledgement latency.
func (m *Metrics) ObserveHeartbeat(socket string, latency time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.WithLabelValues(socket).Observe(latency.Seconds())
}

// Reconnect records a reconnection attempt.
func (m *Metrics) Reconnect(socket string, resume bool) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(socket, strconv.FormatBool(resume)).Inc()
}

// Dispatched records a dispatched event.
func (m *Metrics) Dispatched(event string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(event).Inc()
}

// Closed records a socket closure. Code -1 stands for a dropped connection.
func (m *Metrics) Closed(socket string, code int) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(socket, strconv.Itoa(code)).Inc()
}

// RateLimited records a wait on the send bucket.
func (m *Metrics) RateLimited(wait time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWaits.Inc()
	m.rateLimitSeconds.Add(wait.Seconds())
}

// PacketSent records an RTP packet of n bytes.
func (m *Metrics) PacketSent(n int) {
	if m == nil {
		return
	}
	m.voicePackets.Inc()
	m.voiceBytes.Add(float64(n))
}
