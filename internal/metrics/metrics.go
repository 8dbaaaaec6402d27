// Package metrics provides Prometheus metrics for the tunnel client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tunnelclient"
)

// Metrics contains all Prometheus metrics for the client.
type Metrics struct {
	// Control channel metrics
	ControlChannelUp *prometheus.GaugeVec
	HandshakesTotal  *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	HeartbeatsTotal  *prometheus.CounterVec

	// Data-channel pool metrics
	PoolStreamsCreated  *prometheus.CounterVec
	PoolStreamsAcquired *prometheus.CounterVec
	PoolStreamsReturned *prometheus.CounterVec
	PoolStreamsExpired  *prometheus.CounterVec
	PoolIdle            *prometheus.GaugeVec
	PoolExhaustedTotal  *prometheus.CounterVec

	// SOCKS5 metrics
	SOCKS5SessionsActive prometheus.Gauge
	SOCKS5SessionsTotal  prometheus.Counter
	SOCKS5AuthFailures   prometheus.Counter
	SOCKS5ConnectLatency prometheus.Histogram
	SOCKS5BytesRelayed   *prometheus.CounterVec
	UDPDatagrams         *prometheus.CounterVec
	UDPTargetsActive     prometheus.Gauge

	// SSH metrics
	SSHSessionsActive prometheus.Gauge
	SSHSessionsTotal  prometheus.Counter
	SSHAuthFailures   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Control channel metrics
		ControlChannelUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channel_up",
			Help:      "Whether the service's control channel is in the Running state",
		}, []string{"service"}),
		HandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total control channel handshakes by result",
		}, []string{"service", "result"}),
		ReconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total control channel reconnection attempts",
		}, []string{"service"}),
		HeartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total heartbeats received on control channels",
		}, []string{"service"}),

		// Data-channel pool metrics
		PoolStreamsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_streams_created_total",
			Help:      "Total data channel streams created by kind",
		}, []string{"service", "kind"}),
		PoolStreamsAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_streams_acquired_total",
			Help:      "Total data channel streams handed out by kind",
		}, []string{"service", "kind"}),
		PoolStreamsReturned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_streams_returned_total",
			Help:      "Total data channel streams returned to the pool by kind",
		}, []string{"service", "kind"}),
		PoolStreamsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_streams_expired_total",
			Help:      "Total data channel streams discarded as stale or mismatched",
		}, []string{"service", "kind"}),
		PoolIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_streams",
			Help:      "Idle data channel streams currently pooled",
		}, []string{"service", "kind"}),
		PoolExhaustedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Total acquires that timed out with the pool exhausted",
		}, []string{"service", "kind"}),

		// SOCKS5 metrics
		SOCKS5SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_sessions_active",
			Help:      "Number of active SOCKS5 sessions",
		}),
		SOCKS5SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_sessions_total",
			Help:      "Total SOCKS5 sessions accepted",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of SOCKS5 CONNECT dial latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SOCKS5BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_bytes_relayed_total",
			Help:      "Total bytes relayed through SOCKS5 CONNECT by direction",
		}, []string{"direction"}),
		UDPDatagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "Total UDP datagrams forwarded by direction",
		}, []string{"direction"}),
		UDPTargetsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_targets_active",
			Help:      "Number of live per-target UDP forwarders",
		}),

		// SSH metrics
		SSHSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ssh_sessions_active",
			Help:      "Number of active SSH connections",
		}),
		SSHSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssh_sessions_total",
			Help:      "Total SSH connections accepted",
		}),
		SSHAuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssh_auth_failures_total",
			Help:      "Total SSH authentication failures",
		}),
	}

	return m
}

// Direction label values for byte and datagram counters.
const (
	DirectionUpstream   = "upstream"   // socks5 client -> target
	DirectionDownstream = "downstream" // target -> socks5 client
)

// Handshake result label values.
const (
	ResultOk              = "ok"
	ResultServiceNotExist = "service_not_exist"
	ResultAuthFailed      = "auth_failed"
	ResultError           = "error"
)
