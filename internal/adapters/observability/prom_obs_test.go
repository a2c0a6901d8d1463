package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromObsMetrics(t *testing.T) {
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	obs := NewPromObs(nil)

	obs.IncCounter("drift_mutations_flushed_total", 5)
	if got := testutil.ToFloat64(obs.counters["drift_mutations_flushed_total"]); got != 5 {
		t.Fatalf("expected flushed counter 5, got %f", got)
	}

	obs.IncCounter("drift_queue_rejected_total", 2)
	if got := testutil.ToFloat64(obs.counters["drift_queue_rejected_total"]); got != 2 {
		t.Fatalf("expected rejected counter 2, got %f", got)
	}

	obs.SetGauge("drift_queue_depth", 42)
	if got := testutil.ToFloat64(obs.gauges["drift_queue_depth"]); got != 42 {
		t.Fatalf("expected depth gauge 42, got %f", got)
	}

	obs.ObserveLatency("drift_heartbeat_rtt_seconds", 0.05)
	hCollector := obs.histos["drift_heartbeat_rtt_seconds"].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected rtt histogram to record 1 sample, got %d", samples)
	}

	// Unknown metric names are ignored rather than panicking.
	obs.IncCounter("drift_does_not_exist_total", 1)
	obs.SetGauge("drift_does_not_exist", 1)
	obs.ObserveLatency("drift_does_not_exist_seconds", 1)
}
