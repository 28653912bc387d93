// Package metrics wires the engine's counters and histograms to Prometheus,
// following the storage-layer instrumentation pattern built on
// github.com/prometheus/client_golang.
// A nil *Recorder is valid and every method on it is a no-op, so components
// can take one unconditionally without a test harness having to construct a
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Name identifies one of the engine's counters or histograms.
type Name int

const (
	// CommitsTotal counts successful on_commit invocations, labeled by
	// replica set group id.
	CommitsTotal Name = iota
	// RollbacksTotal counts on_rollback invocations, labeled by group id.
	RollbacksTotal
	// FreePbaJournalAppendLatency observes the latency of a FreePbaJournal
	// Append+Flush pair, the hot path on every commit.
	FreePbaJournalAppendLatency
	// PbaResolverFetchLatency observes PbaResolver.Map's remote-fetch
	// latency on a materializing miss.
	PbaResolverFetchLatency
	// PbaResolverSingleflightCollapsedTotal counts Map calls that joined an
	// in-flight materialize rather than triggering their own fetch.
	PbaResolverSingleflightCollapsedTotal
)

// Recorder owns one Prometheus registry's worth of engine metrics. The zero
// value is not usable; construct with New. A nil *Recorder is usable: every
// method degrades to a no-op, which is what tests and example code that
// don't care about metrics should pass.
type Recorder struct {
	commits    *prometheus.CounterVec
	rollbacks  *prometheus.CounterVec
	fpjLatency prometheus.Histogram
	fetchLat   prometheus.Histogram
	collapsed  prometheus.Counter
}

// New registers the engine's metrics against reg and returns a Recorder.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homereplication",
			Name:      "commits_total",
			Help:      "Total ReplicaStateMachine commits, by replica set group id.",
		}, []string{"group_id"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homereplication",
			Name:      "rollbacks_total",
			Help:      "Total ReplicaStateMachine rollbacks, by replica set group id.",
		}, []string{"group_id"}),
		fpjLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "homereplication",
			Name:      "free_pba_journal_append_latency_seconds",
			Help:      "Latency of a FreePbaJournal Append+Flush pair.",
			Buckets:   prometheus.DefBuckets,
		}),
		fetchLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "homereplication",
			Name:      "pba_resolver_fetch_latency_seconds",
			Help:      "Latency of a PbaResolver remote materialize fetch.",
			Buckets:   prometheus.DefBuckets,
		}),
		collapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homereplication",
			Name:      "pba_resolver_singleflight_collapsed_total",
			Help:      "Map calls that joined an in-flight materialize instead of fetching.",
		}),
	}
	reg.MustRegister(r.commits, r.rollbacks, r.fpjLatency, r.fetchLat, r.collapsed)
	return r
}

// IncCounter increments the named counter, optionally labeled by groupID
// (ignored by counters that take no label).
func (r *Recorder) IncCounter(n Name, groupID string) {
	if r == nil {
		return
	}
	switch n {
	case CommitsTotal:
		r.commits.WithLabelValues(groupID).Inc()
	case RollbacksTotal:
		r.rollbacks.WithLabelValues(groupID).Inc()
	case PbaResolverSingleflightCollapsedTotal:
		r.collapsed.Inc()
	}
}

// StartTimer begins timing an observation for the named histogram and
// returns a func that records it when called. Safe to call on a nil
// Recorder; the returned func is then a no-op.
func (r *Recorder) StartTimer(n Name) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		elapsed := time.Since(start).Seconds()
		switch n {
		case FreePbaJournalAppendLatency:
			r.fpjLatency.Observe(elapsed)
		case PbaResolverFetchLatency:
			r.fetchLat.Observe(elapsed)
		}
	}
}
