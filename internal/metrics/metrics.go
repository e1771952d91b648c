// Package metrics exposes the runtime's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/oxide/internal/output"
)

// Recorder implements exec.Recorder on Prometheus counters.
type Recorder struct {
	inputTokens  prometheus.Counter
	outputTokens prometheus.Counter
	events       *prometheus.CounterVec
}

// NewRecorder creates and registers the runtime metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		inputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxide_llm_input_tokens_total",
			Help: "Input tokens consumed by LLM calls.",
		}),
		outputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxide_llm_output_tokens_total",
			Help: "Output tokens produced by LLM calls.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxide_events_total",
			Help: "Runtime events by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(r.inputTokens, r.outputTokens, r.events)
	}
	return r
}

// ObserveUsage records token usage.
func (r *Recorder) ObserveUsage(usage output.Usage) {
	r.inputTokens.Add(float64(usage.InputTokens))
	r.outputTokens.Add(float64(usage.OutputTokens))
}

// ObserveEvent counts an event by kind.
func (r *Recorder) ObserveEvent(kind string) {
	r.events.WithLabelValues(kind).Inc()
}
