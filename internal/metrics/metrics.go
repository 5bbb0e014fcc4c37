// Package metrics holds the prometheus collectors for sync activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
)

// Metrics is safe to use as a nil pointer, in which case every call is a
// no-op.
type Metrics struct {
	Cycles         *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	RecordsPulled  prometheus.Counter
	RecordsPushed  prometheus.Counter
	RecordsFailed  *prometheus.CounterVec
	DeletesPushed  prometheus.Counter
	LastSuccess    prometheus.Gauge
	PushesDebounce prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rapport_sync_cycles_total",
			Help: "Sync cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapport_sync_cycle_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RecordsPulled: f.NewCounter(prometheus.CounterOpts{
			Name: "rapport_sync_records_pulled_total",
			Help: "Records received from the remote",
		}),
		RecordsPushed: f.NewCounter(prometheus.CounterOpts{
			Name: "rapport_sync_records_pushed_total",
			Help: "Records accepted by the remote",
		}),
		RecordsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rapport_sync_records_failed_total",
			Help: "Records that could not be decoded or were refused",
		}, []string{"stage"}),
		DeletesPushed: f.NewCounter(prometheus.CounterOpts{
			Name: "rapport_sync_deletes_pushed_total",
			Help: "Local deletions confirmed by the remote",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "rapport_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync cycle",
		}),
		PushesDebounce: f.NewCounter(prometheus.CounterOpts{
			Name: "rapport_push_requests_total",
			Help: "Push requests received by the scheduler",
		}),
	}
}

func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) AddPulled(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsPulled.Add(float64(n))
}

func (m *Metrics) AddPushed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsPushed.Add(float64(n))
}

// AddFailed counts failures at stage "decode" or "push".
func (m *Metrics) AddFailed(stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsFailed.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) AddDeletes(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DeletesPushed.Add(float64(n))
}

func (m *Metrics) SetLastSuccess(t time.Time) {
	if m == nil {
		return
	}
	m.LastSuccess.Set(float64(t.Unix()))
}

func (m *Metrics) PushRequested() {
	if m == nil {
		return
	}
	m.PushesDebounce.Inc()
}
