// Package observability provides lightweight tracing and Prometheus
// metrics for the bandit runtime: serve latency, guardrail evaluations,
// rollbacks, and decision verdicts.
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Trace Spans — lightweight span tracking without an external OTel SDK ───

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanServer
	SpanClient
)

// Span represents a unit of work within a serve or evaluation trace, e.g.
// assign -> select -> log, or one guardrail/decision evaluation pass.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	Kind      SpanKind          `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer provides lightweight in-process tracing, storing spans in a ring
// buffer for inspection and export rather than shipping to a collector.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 10_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span with the given operation name.
// Returns the span (caller must call EndSpan when done).
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}

	span := &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		Kind:      SpanInternal,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}

	return span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}

	// Return most recent spans
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "banditd-trace-id"
	spanIDKey  contextKey = "banditd-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// generateID creates a short unique ID (not cryptographically secure — fine for tracing).
var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Serve Metrics ──────────────────────────────────────────────────────────

// ServeLatency tracks end-to-end assign+select latency per surface.
var ServeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "banditd",
	Subsystem: "serve",
	Name:      "latency_ms",
	Help:      "Serve request latency in milliseconds.",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
}, []string{"surface"})

// ServeRequests tracks total serve requests by outcome (served, degraded,
// no_experiment).
var ServeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "serve",
	Name:      "requests_total",
	Help:      "Total serve requests by outcome.",
}, []string{"surface", "outcome"})

// RewardsAttributed tracks total reward events successfully attributed to a
// serve event.
var RewardsAttributed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "reward",
	Name:      "attributed_total",
	Help:      "Total reward events attributed to a serve event, by kind.",
}, []string{"kind"})

// ─── Experiment Metrics ─────────────────────────────────────────────────────

// ExperimentTrafficFraction tracks the current traffic ramp for each active
// experiment.
var ExperimentTrafficFraction = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "banditd",
	Subsystem: "experiment",
	Name:      "traffic_fraction",
	Help:      "Current traffic_fraction for an active experiment.",
}, []string{"experiment_id"})

// ExperimentStatusTransitions tracks lifecycle transitions by target status.
var ExperimentStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "experiment",
	Name:      "status_transitions_total",
	Help:      "Total experiment status transitions, by target status.",
}, []string{"status"})

// ─── Guardrail Metrics ──────────────────────────────────────────────────────

// GuardrailStatus tracks the most recent pass/fail state of each guardrail
// check per experiment (0=pass, 1=fail).
var GuardrailStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "banditd",
	Subsystem: "guardrail",
	Name:      "check_status",
	Help:      "Most recent guardrail check status (0=pass, 1=fail) by experiment and check name.",
}, []string{"experiment_id", "check"})

// GuardrailEvaluations tracks total guardrail evaluations run, by check and
// pass/fail.
var GuardrailEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "guardrail",
	Name:      "evaluations_total",
	Help:      "Total guardrail evaluations by check name and passed/failed.",
}, []string{"check", "passed"})

// Rollbacks tracks total automatic rollbacks triggered by a guardrail
// breach, by triggering check.
var Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "guardrail",
	Name:      "rollbacks_total",
	Help:      "Total automatic rollbacks triggered by a guardrail breach.",
}, []string{"check"})

// ─── Decision Metrics ───────────────────────────────────────────────────────

// DecisionVerdicts tracks total decision evaluations by verdict
// (ship/kill/iterate/continue).
var DecisionVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "decision",
	Name:      "verdicts_total",
	Help:      "Total decision evaluations by verdict.",
}, []string{"verdict"})

// DecisionUplift tracks the relative uplift reported by the most recent
// decision evaluation for each experiment.
var DecisionUplift = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "banditd",
	Subsystem: "decision",
	Name:      "uplift",
	Help:      "Relative uplift of the winning policy in the most recent decision evaluation.",
}, []string{"experiment_id"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "banditd",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
