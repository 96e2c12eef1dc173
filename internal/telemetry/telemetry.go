package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/parsmind/deepresearch/config"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepresearch_runs_total",
		Help: "Orchestration runs by terminal outcome.",
	}, []string{"outcome"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepresearch_phase_duration_seconds",
		Help:    "Wall time spent per orchestration phase.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"phase"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepresearch_llm_tokens_total",
		Help: "Tokens consumed by model calls.",
	}, []string{"model", "kind"})

	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepresearch_tool_calls_total",
		Help: "Tool invocations by result.",
	}, []string{"tool", "outcome"})

	dialogueRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepresearch_dialogue_rounds",
		Help:    "Role-playing rounds consumed per research sub plan.",
		Buckets: prometheus.LinearBuckets(1, 1, 15),
	})
)

// Telemetry aggregates run metrics and token accounting across the
// process. Prometheus series are updated on every record call; the
// in-memory aggregates back the periodic log reports.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu             sync.Mutex
	totalRuns      int64
	succeededRuns  int64
	failedRuns     int64
	pausedRuns     int64
	averageRunTime time.Duration
	totalTokens    int64
}

// RunEvent describes one completed (or paused) orchestration run.
type RunEvent struct {
	ConversationID string
	Query          string
	Duration       time.Duration
	Outcome        string // completed, failed, paused
	Err            string
}

// NewTelemetry creates a telemetry instance. Periodic log reports can
// be disabled via config.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
	}
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsReporting()
	}
	return t
}

// Tracer returns the process tracer for the named component.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Handler exposes the prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records a finished orchestration run.
func (t *Telemetry) RecordRun(event RunEvent) {
	if !t.config.Enabled {
		return
	}
	runsTotal.WithLabelValues(event.Outcome).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRuns++
	switch event.Outcome {
	case "completed":
		t.succeededRuns++
	case "failed":
		t.failedRuns++
	case "paused":
		t.pausedRuns++
	}
	if t.totalRuns == 1 {
		t.averageRunTime = event.Duration
	} else {
		total := t.averageRunTime * time.Duration(t.totalRuns-1)
		t.averageRunTime = (total + event.Duration) / time.Duration(t.totalRuns)
	}

	t.logger.Printf("Run: conversation=%s outcome=%s duration=%v", event.ConversationID, event.Outcome, event.Duration)
}

// RecordPhase records time spent in one orchestration phase.
func (t *Telemetry) RecordPhase(phase string, d time.Duration) {
	if !t.config.Enabled {
		return
	}
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordLLMUsage records token consumption for one model turn.
func (t *Telemetry) RecordLLMUsage(model string, promptTokens, completionTokens int) {
	if !t.config.Enabled {
		return
	}
	llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))

	t.mu.Lock()
	t.totalTokens += int64(promptTokens + completionTokens)
	t.mu.Unlock()
}

// RecordToolCall records one tool invocation.
func (t *Telemetry) RecordToolCall(tool string, success bool) {
	if !t.config.Enabled {
		return
	}
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	toolCalls.WithLabelValues(tool, outcome).Inc()
}

// RecordDialogue records the round count of one finished research dialogue.
func (t *Telemetry) RecordDialogue(rounds int) {
	if !t.config.Enabled {
		return
	}
	dialogueRounds.Observe(float64(rounds))
}

// Snapshot returns the aggregate counters for reporting.
func (t *Telemetry) Snapshot() (total, succeeded, failed, paused int64, avg time.Duration, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalRuns, t.succeededRuns, t.failedRuns, t.pausedRuns, t.averageRunTime, t.totalTokens
}

func (t *Telemetry) startMetricsReporting() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		total, succeeded, failed, paused, avg, tokens := t.Snapshot()
		t.logger.Printf("Metrics Snapshot: Runs=%d (ok=%d failed=%d paused=%d), AvgTime=%v, Tokens=%d",
			total, succeeded, failed, paused, avg, tokens)
	}
}
