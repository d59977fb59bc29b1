package usecase

// Metrics receives counters from the ladder service. The Prometheus
// implementation lives in infrastructure/metrics.
type Metrics interface {
	LadderSubmitted(accepted bool)
	LadderRejected(rule string)
	QuoteLockFailed()
	BreakevenPromoted()
	TPTriggered(kind string)
	ExposureRecomputed(drift float64)
}

type NopMetrics struct{}

func (NopMetrics) LadderSubmitted(bool)       {}
func (NopMetrics) LadderRejected(string)      {}
func (NopMetrics) QuoteLockFailed()           {}
func (NopMetrics) BreakevenPromoted()         {}
func (NopMetrics) TPTriggered(string)         {}
func (NopMetrics) ExposureRecomputed(float64) {}
