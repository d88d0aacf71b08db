package queue

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the optional Prometheus instrumentation described in
// SPEC_FULL §4.G, re-expressed with client_golang the way the pack's other
// example repos (Bitcoin-Sprint's mempool, grafana-tempo's frontend queue)
// expose gauges/counters for a queue-shaped component.
type metrics struct {
	depth    prometheus.Gauge
	inFlight prometheus.Gauge
	retries  prometheus.Counter
	dropped  prometheus.Counter
}

// newMetrics builds the gauges/counters and registers them against reg if
// non-nil. A nil reg yields unregistered but still usable collectors, so
// callers never need a nil check before recording.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "requestqueue_depth",
			Help: "Number of requests currently durably queued.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "requestqueue_in_flight",
			Help: "Number of requests currently dispatched to the transport.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requestqueue_retries_total",
			Help: "Total number of requests re-queued after a retryable failure.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requestqueue_dropped_total",
			Help: "Total number of requests that reached a terminal, non-success outcome.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.depth, m.inFlight, m.retries, m.dropped)
	}
	return m
}
