package metrics

import "github.com/prometheus/client_golang/prometheus"

// AssistantMetrics exposes counters/histograms for conversational turns.
type AssistantMetrics struct {
	turnsTotal        *prometheus.CounterVec
	turnLatency       *prometheus.HistogramVec
	streamEventsTotal *prometheus.CounterVec
	llmFallbackTotal  prometheus.Counter
}

func NewAssistantMetrics(reg prometheus.Registerer) *AssistantMetrics {
	m := &AssistantMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinica",
			Subsystem: "assistant",
			Name:      "turns_total",
			Help:      "Total processed conversational turns",
		}, []string{"intent", "status"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinica",
			Subsystem: "assistant",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end latency of a conversational turn",
			Buckets:   prometheus.DefBuckets,
		}, []string{"intent"}),
		streamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinica",
			Subsystem: "assistant",
			Name:      "stream_events_total",
			Help:      "Total emitted turn stream events",
		}, []string{"event"}),
		llmFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinica",
			Subsystem: "assistant",
			Name:      "llm_fallback_total",
			Help:      "Total completions served by the fallback provider",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.turnLatency, m.streamEventsTotal, m.llmFallbackTotal)
	return m
}

// ObserveTurn records one finished turn with its classified intent, outcome
// and latency.
func (m *AssistantMetrics) ObserveTurn(intent, status string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(intent, status).Inc()
	m.turnLatency.WithLabelValues(intent).Observe(seconds)
}

// ObserveStreamEvent records one emitted stream event.
func (m *AssistantMetrics) ObserveStreamEvent(event string) {
	if m == nil {
		return
	}
	m.streamEventsTotal.WithLabelValues(event).Inc()
}

// ObserveLLMFallback records a completion served by the fallback provider.
func (m *AssistantMetrics) ObserveLLMFallback() {
	if m == nil {
		return
	}
	m.llmFallbackTotal.Inc()
}
