package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "episignal_pipeline_runs_total",
			Help: "Total pipeline runs by outcome",
		},
		[]string{"status"},
	)

	ArticlesFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "episignal_articles_fetched_total",
			Help: "Total articles fetched from the upstream source",
		},
	)

	ArticlesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "episignal_articles_processed_total",
			Help: "Total articles evaluated and committed",
		},
	)

	ArticlesErrored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "episignal_articles_errored_total",
			Help: "Total articles that failed evaluation or persistence",
		},
	)

	TrueSignals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "episignal_true_signals_total",
			Help: "Total committed signals whose score marked them as true signals",
		},
	)

	FetchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "episignal_fetch_errors_total",
			Help: "Total non-fatal upstream fetch errors",
		},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "episignal_evaluation_duration_seconds",
			Help:    "Per-article evaluation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "episignal_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "episignal_upstream_requests_total",
			Help: "Total upstream API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	SignalsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "episignal_signals_by_status",
			Help: "Current signal counts per workflow status",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(ArticlesFetched)
	prometheus.MustRegister(ArticlesProcessed)
	prometheus.MustRegister(ArticlesErrored)
	prometheus.MustRegister(TrueSignals)
	prometheus.MustRegister(FetchErrors)
	prometheus.MustRegister(EvaluationDuration)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(UpstreamRequests)
	prometheus.MustRegister(SignalsByStatus)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
