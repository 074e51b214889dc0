// Package metrics exposes migration outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "couchmodel"

// Collector is a prometheus.Collector counting migration outcomes and timing
// migration units. A nil *Collector discards observations.
type Collector struct {
	outcomes    *prometheus.CounterVec
	unitSeconds prometheus.Histogram
}

// NewCollector returns a new, unregistered Collector.
func NewCollector() *Collector {
	return &Collector{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "outcomes_total",
				Help:      "Migration units by outcome status.",
			}, []string{"status"},
		),
		unitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "unit_seconds",
				Help:      "Time spent planning or cleaning one design document.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
	}
}

// New returns a Collector registered with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := NewCollector()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.outcomes.Describe(ch)
	c.unitSeconds.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.outcomes.Collect(ch)
	c.unitSeconds.Collect(ch)
}

// Observe records one finished unit. status is the outcome status without
// the failure reason, which would make the label unbounded.
func (c *Collector) Observe(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(status).Inc()
	c.unitSeconds.Observe(d.Seconds())
}

// Router serves the metrics of g under /metrics.
func Router(g prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}
