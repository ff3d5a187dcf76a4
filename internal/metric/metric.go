// Package metric registers the prometheus counters and histograms that the
// replication driver, the restoration driver and the server's client
// request path update.
package metric

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	errFailedMatchedMetric     = errors.New("failed to register replication_matched metric")
	errFailedNoMajorityMetric  = errors.New("failed to register replication_no_majority metric")
	errFailedRestoresMetric    = errors.New("failed to register restoration_attempts metric")
	errFailedDispatchHistogram = errors.New("failed to register dispatch_duration_seconds metric")
)

// Set is the collection of metrics wired into the server event loop.
type Set struct {
	ReplicationMatched    prometheus.Counter
	ReplicationNoMajority prometheus.Counter
	RestorationAttempts   prometheus.Counter
	DispatchDuration      prometheus.Histogram
}

// New constructs and registers every metric in Set against reg.
func New(reg prometheus.Registerer) (*Set, error) {
	matched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orionmesh_replication_matched_total",
		Help: "Number of replicated requests that reached majority agreement.",
	})
	if err := reg.Register(matched); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedMatchedMetric, err)
	}

	noMajority := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orionmesh_replication_no_majority_total",
		Help: "Number of replicated requests that failed to reach majority agreement.",
	})
	if err := reg.Register(noMajority); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedNoMajorityMetric, err)
	}

	restores := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orionmesh_restoration_attempts_total",
		Help: "Number of restoration-driver fetches triggered by a local miss.",
	})
	if err := reg.Register(restores); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedRestoresMetric, err)
	}

	dispatch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orionmesh_dispatch_duration_seconds",
		Help:    "Time to serve one client request, from dispatch to its encoded outcome.",
		Buckets: prometheus.DefBuckets,
	})
	if err := reg.Register(dispatch); err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedDispatchHistogram, err)
	}

	return &Set{
		ReplicationMatched:    matched,
		ReplicationNoMajority: noMajority,
		RestorationAttempts:   restores,
		DispatchDuration:      dispatch,
	}, nil
}
