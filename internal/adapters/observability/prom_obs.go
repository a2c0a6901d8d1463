package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftlabs/driftsync/internal/ports"
)

// PromObs implements the Observability port with Prometheus metrics and
// structured slog output.
type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the engine's metric set on the default registerer.
func NewPromObs(logger *slog.Logger) *PromObs {
	if logger == nil {
		logger = NewLogger("driftsync")
	}

	connects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_connects_total",
		Help: "Successful channel connections.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_reconnects_total",
		Help: "Automatic reconnection cycles entered.",
	})
	flushed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_mutations_flushed_total",
		Help: "Queued mutations acknowledged by the backend.",
	})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_queue_rejected_total",
		Help: "Enqueue attempts rejected because the offline queue was full.",
	})
	inboundDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_inbound_dropped_total",
		Help: "Malformed inbound messages dropped without tearing down the channel.",
	})
	subscriberDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_subscriber_dropped_total",
		Help: "Messages shed because a topic subscriber lagged.",
	})
	samplesDiscarded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_samples_discarded_total",
		Help: "Position samples discarded by the monotonic-timestamp guard.",
	})
	geofenceEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_geofence_events_total",
		Help: "Derived geofence and route-deviation events emitted.",
	})
	remoteStale := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_remote_stale_total",
		Help: "Duplicate or stale server updates suppressed by the reconciler.",
	})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_queue_depth",
		Help: "Mutations currently waiting in the offline queue.",
	})
	connState := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_connection_state",
		Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed).",
	})
	rtt := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_heartbeat_rtt_seconds",
		Help:    "Round-trip latency sampled from heartbeat acknowledgments.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	prometheus.MustRegister(connects, reconnects, flushed, rejected, inboundDropped,
		subscriberDropped, samplesDiscarded, geofenceEvents, remoteStale,
		queueDepth, connState, rtt)

	return &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			"drift_connects_total":           connects,
			"drift_reconnects_total":         reconnects,
			"drift_mutations_flushed_total":  flushed,
			"drift_queue_rejected_total":     rejected,
			"drift_inbound_dropped_total":    inboundDropped,
			"drift_subscriber_dropped_total": subscriberDropped,
			"drift_samples_discarded_total":  samplesDiscarded,
			"drift_geofence_events_total":    geofenceEvents,
			"drift_remote_stale_total":       remoteStale,
		},
		gauges: map[string]prometheus.Gauge{
			"drift_queue_depth":      queueDepth,
			"drift_connection_state": connState,
		},
		histos: map[string]prometheus.Observer{
			"drift_heartbeat_rtt_seconds": rtt,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, args(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append([]any{"error", err}, args(fields)...)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func args(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
