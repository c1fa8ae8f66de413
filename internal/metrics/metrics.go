// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records merge and identity instrumentation. It satisfies the
// merge orchestrator's Metrics interface.
type Collector struct {
	mergeCommitted      prometheus.Counter
	mergeDuration       prometheus.Histogram
	mergeAggregateFails *prometheus.CounterVec
	itemsMerged         *prometheus.CounterVec
	identityBinds       *prometheus.CounterVec
	logins              *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with the
// given registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		mergeCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accountd_merges_committed_total",
			Help: "Total number of committed account merges.",
		}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accountd_merge_duration_seconds",
			Help:    "Duration of committed account merges in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		mergeAggregateFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accountd_merge_aggregate_failures_total",
			Help: "Total number of aggregate merge step failures.",
		}, []string{"aggregate"}),
		itemsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accountd_merge_items_total",
			Help: "Total number of items consolidated into target accounts.",
		}, []string{"aggregate"}),
		identityBinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accountd_identity_binds_total",
			Help: "Total number of identities bound, by provider.",
		}, []string{"provider"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accountd_logins_total",
			Help: "Total number of logins, by provider.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		c.mergeCommitted,
		c.mergeDuration,
		c.mergeAggregateFails,
		c.itemsMerged,
		c.identityBinds,
		c.logins,
	)

	return c
}

// MergeCommitted records a committed merge and its duration.
func (c *Collector) MergeCommitted(duration time.Duration) {
	c.mergeCommitted.Inc()
	c.mergeDuration.Observe(duration.Seconds())
}

// MergeAggregateFailed records a failed aggregate merge step.
func (c *Collector) MergeAggregateFailed(aggregate string) {
	c.mergeAggregateFails.WithLabelValues(aggregate).Inc()
}

// ItemsMerged records items consolidated by one aggregate step.
func (c *Collector) ItemsMerged(aggregate string, count int) {
	c.itemsMerged.WithLabelValues(aggregate).Add(float64(count))
}

// IdentityBound records a successful identity bind.
func (c *Collector) IdentityBound(provider string) {
	c.identityBinds.WithLabelValues(provider).Inc()
}

// Login records a successful login.
func (c *Collector) Login(provider string) {
	c.logins.WithLabelValues(provider).Inc()
}

// Handler returns the HTTP handler serving the registry's metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
