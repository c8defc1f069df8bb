package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the subset of metrics the pipelines report to.
type Recorder interface {
	IncSubmission(pipeline, outcome string)
	SetPipelineState(pipeline string, state int)
	SetBestHeight(chain string, height uint64)
	IncEquivocation(event string)
	SetSpecVersion(version uint32)
}

type PrometheusMetrics struct {
	Registry          *prometheus.Registry
	SubmissionCounter *prometheus.CounterVec
	PipelineState     *prometheus.GaugeVec
	BestHeightGauge   *prometheus.GaugeVec
	EquivocationCount *prometheus.CounterVec
	SpecVersionGauge  prometheus.Gauge
}

var _ Recorder = (*PrometheusMetrics)(nil)

func (m *PrometheusMetrics) IncSubmission(pipeline, outcome string) {
	m.SubmissionCounter.WithLabelValues(pipeline, outcome).Inc()
}

func (m *PrometheusMetrics) SetPipelineState(pipeline string, state int) {
	m.PipelineState.WithLabelValues(pipeline).Set(float64(state))
}

func (m *PrometheusMetrics) SetBestHeight(chain string, height uint64) {
	m.BestHeightGauge.WithLabelValues(chain).Set(float64(height))
}

func (m *PrometheusMetrics) IncEquivocation(event string) {
	m.EquivocationCount.WithLabelValues(event).Inc()
}

func (m *PrometheusMetrics) SetSpecVersion(version uint32) {
	m.SpecVersionGauge.Set(float64(version))
}

func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registerer := promauto.With(registry)
	return &PrometheusMetrics{
		Registry: registry,
		SubmissionCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "finality_relay_submissions",
			Help: "The total number of submissions to the target chain by outcome",
		}, []string{"pipeline", "outcome"}),
		PipelineState: registerer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finality_relay_pipeline_state",
			Help: "The current state of each relay pipeline",
		}, []string{"pipeline"}),
		BestHeightGauge: registerer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finality_relay_best_height",
			Help: "The best finalized height seen on the source and accepted by the target",
		}, []string{"chain"}),
		EquivocationCount: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "finality_relay_equivocations",
			Help: "The total number of equivocation reports by handling result",
		}, []string{"event"}),
		SpecVersionGauge: registerer.NewGauge(prometheus.GaugeOpts{
			Name: "finality_relay_target_spec_version",
			Help: "The target runtime spec version recorded by the version guard",
		}),
	}
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) IncSubmission(string, string) {}
func (Nop) SetPipelineState(string, int) {}
func (Nop) SetBestHeight(string, uint64) {}
func (Nop) IncEquivocation(string) {}
func (Nop) SetSpecVersion(uint32) {}
