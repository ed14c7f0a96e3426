package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/agentbench/internal/container"
	"github.com/jkaninda/agentbench/internal/llm"
	"github.com/jkaninda/agentbench/internal/sandbox"
	"github.com/jkaninda/agentbench/internal/tools"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  *TracerSetup
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  ts,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	ctx, span := p.tracer.StartSpan(ctx, SpanModelCall,
		attribute.String("llm.provider", provider),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	)

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()
	EndSpan(span, err)

	status := "success"
	if err != nil {
		status = "error"
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_request")
		} else {
			p.anomaly.RecordSuccess("llm_request")
		}
	}

	return resp, err
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  *TracerSetup
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  ts,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, h *container.Handle, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	attrs := []attribute.KeyValue{attribute.String("sandbox.timeout", req.Timeout.String())}
	if h != nil {
		attrs = append(attrs, attribute.String("sandbox.container", h.Name))
	}
	ctx, span := s.tracer.StartSpan(ctx, SpanExec, attrs...)

	start := time.Now()
	result, err := s.inner.Execute(ctx, h, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, container.ErrUnavailable):
		status = "unavailable"
	case err != nil:
		status = "error"
	case result != nil && result.TimedOut:
		status = "timed_out"
	}
	if result != nil {
		span.SetAttributes(
			attribute.Bool("sandbox.timed_out", result.TimedOut),
			attribute.Int("sandbox.output_bytes", len(result.Output)),
		)
	}
	EndSpan(span, err)

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(status).Observe(duration)
	}

	// A timeout is how servers are started; only failures count as anomalies.
	if s.anomaly != nil {
		if err != nil {
			s.anomaly.RecordError("sandbox_exec")
		} else {
			s.anomaly.RecordSuccess("sandbox_exec")
		}
	}

	return result, err
}

// --- InstrumentedTool ---

// InstrumentedTool wraps a tools.Tool with metrics and tracing.
type InstrumentedTool struct {
	tools.Tool
	metrics *MetricsCollector
	tracer  *TracerSetup
}

// InstrumentRegistry returns a registry holding every tool of reg wrapped
// with observability, in the same order. With neither metrics nor tracing
// enabled it returns reg unchanged.
func InstrumentRegistry(reg *tools.Registry, metrics *MetricsCollector, ts *TracerSetup) *tools.Registry {
	if metrics == nil && ts == nil {
		return reg
	}
	out := tools.NewRegistry()
	for _, t := range reg.All() {
		out.Register(&InstrumentedTool{Tool: t, metrics: metrics, tracer: ts})
	}
	return out
}

func (t *InstrumentedTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	name := t.Name()
	ctx, span := t.tracer.StartSpan(ctx, SpanToolCall, attribute.String("tool.name", name))

	start := time.Now()
	res, err := t.Tool.Execute(ctx, params)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, tools.ErrFatal):
		status = "fatal"
	case err != nil:
		status = "error"
	case res != nil && !res.Success:
		status = "failure"
	}
	span.SetAttributes(attribute.String("tool.status", status))
	EndSpan(span, err)

	if t.metrics != nil {
		t.metrics.ToolExecutionsTotal.WithLabelValues(name, status).Inc()
		t.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(duration)
	}
	return res, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider    = (*InstrumentedProvider)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
	_ tools.Tool      = (*InstrumentedTool)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
