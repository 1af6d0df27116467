package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "raft"
	subsystem = "fsm"
	nameLabel = "name"
)

// PrometheusSink exports caller observations as histograms labelled by
// observation name.
type PrometheusSink struct {
	latency *prometheus.HistogramVec
	size    *prometheus.HistogramVec
}

// NewPrometheusSink creates the histograms and registers them in reg.
func NewPrometheusSink(reg prometheus.Registerer, constLabels prometheus.Labels) (*PrometheusSink, error) {
	s := &PrometheusSink{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "task_duration_seconds",
			Help:        "Time spent handling fsm caller tasks.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{nameLabel}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "batch_size",
			Help:        "Number of entries handed to the state machine per apply call.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{nameLabel}),
	}

	for _, c := range []prometheus.Collector{s.latency, s.size} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register collector: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) RecordLatency(name string, d time.Duration) {
	s.latency.WithLabelValues(name).Observe(d.Seconds())
}

func (s *PrometheusSink) RecordSize(name string, n int64) {
	s.size.WithLabelValues(name).Observe(float64(n))
}

// Noop drops every observation.
type Noop struct{}

func (Noop) RecordLatency(string, time.Duration) {}
func (Noop) RecordSize(string, int64) {}
