// Package metrics exposes generation counters in Prometheus format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups the generation metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	sessionsTotal   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	tokensGenerated *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	backendWait     prometheus.Histogram
	tokensPerSecond *prometheus.HistogramVec
	cacheBytes      *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jovia_sessions_total",
			Help: "Generation sessions that ended, by stop reason",
		}, []string{"reason"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "jovia_sessions_active",
			Help: "Generation sessions currently running",
		}),
		tokensGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jovia_tokens_generated_total",
			Help: "Tokens sampled, by backend",
		}, []string{"backend"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jovia_step_duration_seconds",
			Help:    "Forward pass plus sampling time per step",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"backend"}),
		backendWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "jovia_backend_wait_seconds",
			Help:    "Time spent waiting for the shared backend lock",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
		}),
		tokensPerSecond: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jovia_tokens_per_second",
			Help:    "Throughput of finished sessions",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"backend"}),
		cacheBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jovia_kv_cache_bytes",
			Help: "KV cache size of the most recently finished session",
		}, []string{"backend"}),
	}
}

func (c *Collectors) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// SessionEnded records the stop reason and final throughput.
func (c *Collectors) SessionEnded(backend, reason string, tps float64, cacheBytes int64) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsTotal.WithLabelValues(reason).Inc()
	if tps > 0 {
		c.tokensPerSecond.WithLabelValues(backend).Observe(tps)
	}
	c.cacheBytes.WithLabelValues(backend).Set(float64(cacheBytes))
}

// Step records one sampled token.
func (c *Collectors) Step(backend string, d time.Duration) {
	if c == nil {
		return
	}
	c.tokensGenerated.WithLabelValues(backend).Inc()
	c.stepDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (c *Collectors) BackendWait(d time.Duration) {
	if c == nil {
		return
	}
	c.backendWait.Observe(d.Seconds())
}
