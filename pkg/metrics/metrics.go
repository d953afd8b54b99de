// Package metrics exposes the chat service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultOK     = "ok"
	ResultReused = "reused"
	ResultError  = "error"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	loads    *prometheus.CounterVec
	asks     *prometheus.CounterVec
	cleanups *prometheus.CounterVec
	chunks   prometheus.Histogram
	answers  prometheus.Histogram
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitechat_loads_total",
			Help: "URL loads by result.",
		}, []string{"result"}),
		asks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitechat_asks_total",
			Help: "Questions answered by result.",
		}, []string{"result"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitechat_cleanups_total",
			Help: "Namespace deletions by result.",
		}, []string{"result"}),
		chunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitechat_index_chunks",
			Help:    "Chunks stored per successful load.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		answers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitechat_answer_seconds",
			Help:    "Time spent generating an answer.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.loads, m.asks, m.cleanups, m.chunks, m.answers)
	}
	return m
}

func (m *Metrics) Load(result string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(result).Inc()
}

func (m *Metrics) Ask(result string) {
	if m == nil {
		return
	}
	m.asks.WithLabelValues(result).Inc()
}

func (m *Metrics) Cleanup(result string) {
	if m == nil {
		return
	}
	m.cleanups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveChunks(n int) {
	if m == nil {
		return
	}
	m.chunks.Observe(float64(n))
}

func (m *Metrics) ObserveAnswer(d time.Duration) {
	if m == nil {
		return
	}
	m.answers.Observe(d.Seconds())
}
