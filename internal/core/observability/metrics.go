package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	adapterResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overlay_adapter_results_total",
			Help: "Overlay adapter invocations by outcome (ok|no_data|error).",
		},
		[]string{"adapter", "outcome"},
	)

	overlaysMerged = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overlays_merged",
			Help:    "Number of overlays produced by one aggregation.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	messagesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_relayed_total",
			Help: "Cross-window messages delivered by the hub, by type.",
		},
		[]string{"type"},
	)

	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dropped_total",
			Help: "Cross-window messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	reducerDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "map_state_dispatches_total",
			Help: "Map state actions dispatched, by kind.",
		},
		[]string{"kind"},
	)

	windowsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_windows_connected",
			Help: "Windows currently connected to the message hub.",
		},
	)

	prefOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preference_operations_total",
			Help: "Preference store operations by op, backend and result.",
		},
		[]string{"op", "backend", "result"},
	)

	prefEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preference_events_dropped_total",
			Help: "Preference change events dropped because the publish queue was full.",
		},
	)

	prefEventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preference_events_consumed_total",
			Help: "Preference change events read from the topic, by outcome (evicted|own|decode_error).",
		},
		[]string{"outcome"},
	)
)

var initMu sync.Mutex

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		adapterResults, overlaysMerged, messagesRelayed, messagesDropped,
		reducerDispatches, windowsConnected, prefOps, prefEventsDropped,
		prefEventsConsumed,
	}
}

// Init registers the service collectors on reg. Calling it again with the
// same registry is a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	initMu.Lock()
	defer initMu.Unlock()
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

const (
	OutcomeOK     = "ok"
	OutcomeNoData = "no_data"
	OutcomeError  = "error"
)

func IncAdapterResult(adapter, outcome string) {
	adapterResults.WithLabelValues(adapter, outcome).Inc()
}

func ObserveOverlaysMerged(n int) {
	overlaysMerged.Observe(float64(n))
}

func IncMessageRelayed(typ string) {
	if typ == "" {
		typ = "unknown"
	}
	messagesRelayed.WithLabelValues(typ).Inc()
}

func IncMessageDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}

func IncDispatch(kind string) {
	reducerDispatches.WithLabelValues(kind).Inc()
}

func WindowConnected()    { windowsConnected.Inc() }
func WindowDisconnected() { windowsConnected.Dec() }

func ObservePrefOp(op, backend string, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	prefOps.WithLabelValues(op, backend, res).Inc()
}

func IncPrefEventDropped() { prefEventsDropped.Inc() }

func IncPrefEventConsumed(outcome string) { prefEventsConsumed.WithLabelValues(outcome).Inc() }
