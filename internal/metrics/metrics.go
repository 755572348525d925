// Package metrics exports Prometheus metrics for the Node Router and
// Worker Relay. It follows the teacher's master/exporters/prometheus
// pattern exactly: a handful of hand-written gauges registered against
// the default registry (mirroring shared/pkg/bandwidth.Monitor's
// prometheus.NewGaugeVec/MustRegister setup), plus a ServeHTTP that
// writes a few "# HELP"/"# TYPE" lines by hand for values that aren't
// registered collectors, then appends everything in the default registry
// via promclient.DefaultGatherer.Gather() and an expfmt text encoder.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/arcrelay/inferd/internal/models"
)

// Registry is the subset of *registry.Registry's API the exporter reads.
type Registry interface {
	SnapshotAll() []*models.Node
}

// Exporter serves /metrics with candidate-pool and retry-loop metrics
// (SPEC_FULL.md section 12).
type Exporter struct {
	registry  Registry
	startedAt time.Time

	nodesByStatus *promclient.GaugeVec
	inFlightTotal promclient.Gauge
	retryAttempts *promclient.CounterVec
	poolSize      promclient.Histogram
}

// NewExporter builds an Exporter and registers its collectors against the
// default Prometheus registry.
func NewExporter(reg Registry) *Exporter {
	e := &Exporter{
		registry:  reg,
		startedAt: time.Now(),
		nodesByStatus: promclient.NewGaugeVec(promclient.GaugeOpts{
			Name: "inferd_nodes_total",
			Help: "Known nodes by status.",
		}, []string{"status"}),
		inFlightTotal: promclient.NewGauge(promclient.GaugeOpts{
			Name: "inferd_node_in_flight_total",
			Help: "Sum of in-flight dispatches across all nodes.",
		}),
		retryAttempts: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "inferd_retry_attempts_total",
			Help: "Retry Coordinator attempt outcomes.",
		}, []string{"result"}),
		poolSize: promclient.NewHistogram(promclient.HistogramOpts{
			Name:    "inferd_candidate_pool_size",
			Help:    "Candidate pool size per call to the Retry Coordinator.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
	}
	promclient.MustRegister(e.nodesByStatus, e.inFlightTotal, e.retryAttempts, e.poolSize)
	return e
}

// RecordAttempt tallies one Retry Coordinator attempt outcome.
func (e *Exporter) RecordAttempt(result string) {
	e.retryAttempts.WithLabelValues(result).Inc()
}

// RecordPoolSize tallies one candidate pool's size.
func (e *Exporter) RecordPoolSize(n int) {
	e.poolSize.Observe(float64(n))
}

// refresh recomputes the gauges from a fresh registry snapshot just
// before serving, since the Node Registry (not this exporter) owns the
// authoritative counters.
func (e *Exporter) refresh() {
	nodes := e.registry.SnapshotAll()
	online, offline := 0, 0
	var totalInFlight int64
	for _, n := range nodes {
		if n.Status == models.NodeStatusOnline {
			online++
		} else {
			offline++
		}
		totalInFlight += n.InFlight
	}
	e.nodesByStatus.WithLabelValues("online").Set(float64(online))
	e.nodesByStatus.WithLabelValues("offline").Set(float64(offline))
	e.inFlightTotal.Set(float64(totalInFlight))
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics: one
// hand-written uptime gauge, then every registered collector rendered
// through the standard text encoder.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.refresh()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP inferd_gateway_uptime_seconds Gateway process uptime\n")
	fmt.Fprintf(w, "# TYPE inferd_gateway_uptime_seconds gauge\n")
	fmt.Fprintf(w, "inferd_gateway_uptime_seconds %.0f\n\n", time.Since(e.startedAt).Seconds())

	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
