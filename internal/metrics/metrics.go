// Package metrics exposes bridge counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "quicbridge"

// Registry holds every bridge collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Sessions accepted, by carrier.",
	}, []string{"transport"})
	sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently open, by carrier.",
	}, []string{"transport"})
	streamsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_total",
		Help:      "Logical streams accepted.",
	})
	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streams_active",
		Help:      "Forwarding units currently running.",
	})
	streamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_errors_total",
		Help:      "Forwarding units that ended with an error, by kind.",
	}, []string{"kind"})
	trafficBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traffic_bytes_total",
		Help:      "Bytes relayed, by direction.",
	}, []string{"direction"})
	backendDial = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_dial_seconds",
		Help:      "Time to establish backend connections.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	})
	backendUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_up",
		Help:      "1 while the backend health probe reports the target up.",
	})
)

// Stream error kinds.
const (
	KindInvalidTarget  = "invalid_target"
	KindConnectTimeout = "connect_timeout"
	KindConnectFailed  = "connect_failed"
	KindForwarding     = "forwarding"
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sessionsTotal, sessionsActive,
		streamsTotal, streamsActive, streamErrors,
		trafficBytes, backendDial, backendUp,
	)
	for _, kind := range []string{KindInvalidTarget, KindConnectTimeout, KindConnectFailed, KindForwarding} {
		streamErrors.WithLabelValues(kind)
	}
}

func IncSessions(transport string) {
	sessionsTotal.WithLabelValues(transport).Inc()
	sessionsActive.WithLabelValues(transport).Inc()
}

func DecSessions(transport string) { sessionsActive.WithLabelValues(transport).Dec() }

func IncStreams() { streamsTotal.Inc(); streamsActive.Inc() }
func DecStreams() { streamsActive.Dec() }

func IncStreamError(kind string) { streamErrors.WithLabelValues(kind).Inc() }

func AddTrafficUpstream(n int64)   { trafficBytes.WithLabelValues("upstream").Add(float64(n)) }
func AddTrafficDownstream(n int64) { trafficBytes.WithLabelValues("downstream").Add(float64(n)) }

func ObserveBackendDial(d time.Duration) { backendDial.Observe(d.Seconds()) }

func SetBackendUp(up bool) {
	if up {
		backendUp.Set(1)
		return
	}
	backendUp.Set(0)
}
