package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatherCounter returns the counter value for the named metric with the given
// label values, or -1 when absent.
func gatherCounter(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func matchLabels(metric *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if obs != nil {
		t.Fatal("nil config should yield a nil facade")
	}

	// Everything on the nil facade is safe to call.
	obs.Shutdown(context.Background())
	if obs.MetricsOrNil() != nil {
		t.Error("MetricsOrNil on nil facade should be nil")
	}
	if obs.TracerOrNil() != nil {
		t.Error("TracerOrNil on nil facade should be nil")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, testLogger())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if obs == nil {
		t.Fatal("non-nil config should yield a facade")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("disabled features should stay nil")
	}
	if obs.Health == nil {
		t.Error("health checker is always created")
	}
	obs.Shutdown(context.Background())
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Fatal("metrics should be enabled")
	}
	if _, err := obs.Metrics.Registry.Gather(); err != nil {
		t.Errorf("Gather error: %v", err)
	}
}

// --- Metrics ---

func TestMetricsCollector_CountersRegistered(t *testing.T) {
	m := NewMetricsCollector()

	m.ToolExecutionsTotal.WithLabelValues("execute_python", "success").Inc()
	m.ToolExecutionsTotal.WithLabelValues("execute_python", "success").Inc()
	m.SandboxLifecycleTotal.WithLabelValues("recovery").Inc()
	m.AgentTurnsTotal.WithLabelValues("tool_use_exhausted").Inc()

	if got := gatherCounter(t, m, "sanduku_tool_executions_total",
		map[string]string{"tool": "execute_python", "status": "success"}); got != 2 {
		t.Errorf("tool executions counter = %v, want 2", got)
	}
	if got := gatherCounter(t, m, "sanduku_sandbox_lifecycle_total",
		map[string]string{"operation": "recovery"}); got != 1 {
		t.Errorf("sandbox lifecycle counter = %v, want 1", got)
	}
	if got := gatherCounter(t, m, "sanduku_agent_turns_total",
		map[string]string{"termination_reason": "tool_use_exhausted"}); got != 1 {
		t.Errorf("agent turns counter = %v, want 1", got)
	}
}

// --- Instrumented provider ---

type stubProvider struct {
	resp *llm.Response
	err  error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) SendMessage(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	return p.resp, p.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	m := NewMetricsCollector()
	inner := &stubProvider{resp: &llm.Response{
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 50},
	}}
	p := NewInstrumentedProvider(inner, m, nil, nil)

	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if p.Name() != "stub" {
		t.Errorf("Name = %q", p.Name())
	}

	if got := gatherCounter(t, m, "sanduku_llm_requests_total",
		map[string]string{"provider": "stub", "stop_reason": "end_turn"}); got != 1 {
		t.Errorf("requests counter = %v, want 1", got)
	}
	if got := gatherCounter(t, m, "sanduku_llm_tokens_total",
		map[string]string{"provider": "stub", "direction": "input"}); got != 100 {
		t.Errorf("input tokens counter = %v, want 100", got)
	}
	if got := gatherCounter(t, m, "sanduku_llm_tokens_total",
		map[string]string{"provider": "stub", "direction": "output"}); got != 50 {
		t.Errorf("output tokens counter = %v, want 50", got)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	m := NewMetricsCollector()
	sendErr := errors.New("api: overloaded")
	p := NewInstrumentedProvider(&stubProvider{err: sendErr}, m, nil, nil)

	if _, err := p.SendMessage(context.Background(), &llm.Request{}); !errors.Is(err, sendErr) {
		t.Fatalf("error = %v, want %v", err, sendErr)
	}
	if got := gatherCounter(t, m, "sanduku_llm_requests_total",
		map[string]string{"provider": "stub", "stop_reason": "error"}); got != 1 {
		t.Errorf("error counter = %v, want 1", got)
	}
}

// --- Health ---

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(testLogger())

	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q, want ok", got.Status)
	}
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("readiness with no checks = %q, want ok", got.Status)
	}

	h.AddCheck("database", func(_ context.Context) error { return nil })
	h.AddCheck("broker", func(_ context.Context) error { return errors.New("down") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("readiness = %q, want degraded", got.Status)
	}
	if got.Checks["database"].Status != "ok" {
		t.Errorf("database check = %+v", got.Checks["database"])
	}
	if got.Checks["broker"].Status != "fail" || got.Checks["broker"].Message != "down" {
		t.Errorf("broker check = %+v", got.Checks["broker"])
	}
}

// --- Anomaly ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("llm_request")
	a.RecordSuccess("llm_request")
}

func TestAnomalyDetector_Records(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, testLogger())

	for i := 0; i < 4; i++ {
		a.RecordError("sandbox_recovery")
	}
	a.RecordSuccess("sandbox_recovery")

	if got := a.errorCounts["sandbox_recovery"].sum(); got != 4 {
		t.Errorf("error sum = %v, want 4", got)
	}
	if got := a.successCounts["sandbox_recovery"].sum(); got != 1 {
		t.Errorf("success sum = %v, want 1", got)
	}
}
