package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the harness's Prometheus metrics: trial throughput,
// model call latency, token consumption, and error rates. Registered with
// the default registry; exposed via promhttp when a metrics address is set.
type Metrics struct {
	// TrialCounter counts finished trials.
	// Labels: scenario, profile, status (success|failure|error)
	TrialCounter *prometheus.CounterVec

	// TrialDuration measures whole-trial wall time in seconds.
	// Labels: scenario, profile
	TrialDuration *prometheus.HistogramVec

	// ModelCallDuration measures model call latency in seconds.
	// Labels: provider, model, role (ego|superego|learner|judge)
	ModelCallDuration *prometheus.HistogramVec

	// ModelCallCounter counts model calls.
	// Labels: provider, model, status (success|error)
	ModelCallCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ErrorCounter tracks errors by component and class.
	// Labels: component (backend|dialogue|judge|store), reason
	ErrorCounter *prometheus.CounterVec

	// ActiveWorkers gauges currently busy workers.
	ActiveWorkers prometheus.Gauge

	// JudgementCounter counts judge applications.
	// Labels: judge_model, status (success|parse_error|error)
	JudgementCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all harness metrics. Call once at
// process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TrialCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorbench_trials_total",
				Help: "Finished trials by scenario, profile, and status.",
			},
			[]string{"scenario", "profile", "status"},
		),
		TrialDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutorbench_trial_duration_seconds",
				Help:    "Whole-trial wall time.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"scenario", "profile"},
		),
		ModelCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutorbench_model_call_duration_seconds",
				Help:    "Model call latency including retries.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model", "role"},
		),
		ModelCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorbench_model_calls_total",
				Help: "Model calls by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),
		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorbench_tokens_total",
				Help: "Token consumption by provider, model, and direction.",
			},
			[]string{"provider", "model", "type"},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorbench_errors_total",
				Help: "Errors by component and reason.",
			},
			[]string{"component", "reason"},
		),
		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tutorbench_active_workers",
				Help: "Workers currently executing a trial.",
			},
		),
		JudgementCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutorbench_judgements_total",
				Help: "Judge applications by model and status.",
			},
			[]string{"judge_model", "status"},
		),
	}
}
