// Package metrics exposes the pipeline's observable series on a Prometheus
// registry. All helpers are nil-receiver safe so library code can run
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every series the digest pipeline emits.
type Metrics struct {
	registry *prometheus.Registry

	DigestBuildSeconds prometheus.Summary
	LLMLatencyMS       prometheus.Histogram
	LLMTokensIn        prometheus.Counter
	LLMTokensOut       prometheus.Counter
	EmailsTotal        *prometheus.CounterVec // status
	RunsTotal          *prometheus.CounterVec // status: ok|retry|failed
	CitationFailures   *prometheus.CounterVec // failure_type
	CitationsPerItem   prometheus.Histogram
	RankScoreHist      prometheus.Histogram
	Top10ActionsShare  prometheus.Gauge
	ActionsFound       *prometheus.CounterVec // action_type
	RankingEnabled     prometheus.Gauge
	ExtractorErrors    prometheus.Counter
}

// New builds a fresh registry with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		DigestBuildSeconds: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "digest_build_seconds",
			Help:       "Wall-clock duration of digest builds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		LLMLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_latency_ms",
			Help:    "Latency of gateway calls in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_tokens_in_total", Help: "Prompt tokens sent to the gateway.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_tokens_out_total", Help: "Completion tokens received from the gateway.",
		}),
		EmailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_total", Help: "Messages seen per processing status.",
		}, []string{"status"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_total", Help: "Digest runs per terminal status.",
		}, []string{"status"}),
		CitationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citation_validation_failures_total", Help: "Citation invariant violations.",
		}, []string{"failure_type"}),
		CitationsPerItem: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "citations_per_item_histogram",
			Help:    "Citations attached per extracted item.",
			Buckets: prometheus.LinearBuckets(0, 1, 8),
		}),
		RankScoreHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rank_score_histogram",
			Help:    "Distribution of item rank scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		Top10ActionsShare: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "top10_actions_share", Help: "Share of actionable kinds in the top 10 items.",
		}),
		ActionsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actions_found_total", Help: "Extracted items per kind.",
		}, []string{"action_type"}),
		RankingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ranking_enabled", Help: "1 when the ranker is enabled.",
		}),
		ExtractorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractor_errors_total", Help: "Malformed user-supplied extractor patterns skipped.",
		}),
	}
	reg.MustRegister(
		m.DigestBuildSeconds, m.LLMLatencyMS, m.LLMTokensIn, m.LLMTokensOut,
		m.EmailsTotal, m.RunsTotal, m.CitationFailures, m.CitationsPerItem,
		m.RankScoreHist, m.Top10ActionsShare, m.ActionsFound, m.RankingEnabled,
		m.ExtractorErrors,
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a scrape endpoint on addr; it blocks until the server stops.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

// Safe accessors below keep call sites free of nil checks when metrics are
// disabled (tests, library embedding).

func (m *Metrics) ObserveBuild(seconds float64) {
	if m != nil {
		m.DigestBuildSeconds.Observe(seconds)
	}
}

func (m *Metrics) ObserveLLMLatency(ms float64) {
	if m != nil {
		m.LLMLatencyMS.Observe(ms)
	}
}

func (m *Metrics) AddTokens(in, out int) {
	if m != nil {
		m.LLMTokensIn.Add(float64(in))
		m.LLMTokensOut.Add(float64(out))
	}
}

func (m *Metrics) CountEmail(status string) {
	if m != nil {
		m.EmailsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) CountRun(status string) {
	if m != nil {
		m.RunsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) CountCitationFailure(failureType string) {
	if m != nil {
		m.CitationFailures.WithLabelValues(failureType).Inc()
	}
}

func (m *Metrics) ObserveCitationsPerItem(n int) {
	if m != nil {
		m.CitationsPerItem.Observe(float64(n))
	}
}

func (m *Metrics) ObserveRankScore(score float64) {
	if m != nil {
		m.RankScoreHist.Observe(score)
	}
}

func (m *Metrics) SetTop10ActionsShare(share float64) {
	if m != nil {
		m.Top10ActionsShare.Set(share)
	}
}

func (m *Metrics) CountAction(kind string) {
	if m != nil {
		m.ActionsFound.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetRankingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.RankingEnabled.Set(1)
	} else {
		m.RankingEnabled.Set(0)
	}
}

func (m *Metrics) CountExtractorErrors(n int) {
	if m != nil && n > 0 {
		m.ExtractorErrors.Add(float64(n))
	}
}
