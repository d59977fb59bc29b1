// Package metrics exposes ladder activity to Prometheus:
//
//	ladder_submissions_total{result}  submissions accepted or rejected
//	ladder_rejections_total{rule}     rejections by violated rule
//	quote_lock_failures_total         live quotes that could not be obtained
//	breakeven_promotions_total        stops moved to entry
//	tp_triggers_total{kind}           rungs filled, by limit or market
//	exposure_recomputations_total     exposure views computed
//	exposure_drift_amount             last stored-minus-computed remaining risk
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Prometheus struct {
	submissions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	quoteFailures prometheus.Counter
	breakevens    prometheus.Counter
	triggers      *prometheus.CounterVec
	recomputes    prometheus.Counter
	drift         prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ladder_submissions_total", Help: "Ladder submissions by result"},
			[]string{"result"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ladder_rejections_total", Help: "Rejected ladder submissions by violated rule"},
			[]string{"rule"},
		),
		quoteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "quote_lock_failures_total", Help: "Live quotes that could not be resolved or had expired"},
		),
		breakevens: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "breakeven_promotions_total", Help: "Stops moved to entry"},
		),
		triggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tp_triggers_total", Help: "Take-profit rungs filled"},
			[]string{"kind"},
		),
		recomputes: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "exposure_recomputations_total", Help: "Exposure views computed"},
		),
		drift: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "exposure_drift_amount", Help: "Stored minus computed remaining risk of the last recomputed trade"},
		),
	}
	reg.MustRegister(m.submissions, m.rejections, m.quoteFailures, m.breakevens, m.triggers, m.recomputes, m.drift)
	return m
}

func (m *Prometheus) LadderSubmitted(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Prometheus) LadderRejected(rule string) {
	m.rejections.WithLabelValues(rule).Inc()
}

func (m *Prometheus) QuoteLockFailed() { m.quoteFailures.Inc() }

func (m *Prometheus) BreakevenPromoted() { m.breakevens.Inc() }

func (m *Prometheus) TPTriggered(kind string) {
	m.triggers.WithLabelValues(kind).Inc()
}

func (m *Prometheus) ExposureRecomputed(drift float64) {
	m.recomputes.Inc()
	m.drift.Set(drift)
}
