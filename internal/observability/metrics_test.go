package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	metrics, _, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	return metrics
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordAgentMetrics(t *testing.T) {
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordAgentState(ctx, "agent-1", true, false)
	metrics.RecordJobCounts(ctx, "agent-1", map[string]int64{"pending": 3, "acked": 1})
	metrics.RecordJobFinished(ctx, "agent-1", "SUCCEEDED", 42)
	metrics.RecordAction(ctx, "create", true, 0.01)
	metrics.RecordAction(ctx, "update", false, 0.02)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"process_agent_ready",
		"process_agent_jobs",
		"process_agent_actions_total",
		"process_agent_job_duration_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t)

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/health", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs", 204, 0.050)
	metrics.RecordHTTPRequest(ctx, "PUT", "/v1/jobs", 503, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/agents/abc/stats", 404, 0.005)
}

func TestRecordGovernorMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t)

	metrics.RecordContainerStarted(ctx, "alpine:latest")
	metrics.RecordContainerFinished(ctx, "alpine:latest", "SUCCEEDED")
	metrics.RecordContainersRunning(ctx, 2)
	metrics.RecordGovernorPoll(ctx, true)
	metrics.RecordGovernorPoll(ctx, false)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/v1/health", "/v1/health"},
		{"/metrics", "/metrics"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/agents/", "/v1/agents/"},
		{"/v1/agents/abc123", "/v1/agents/{agentId}"},
		{"/v1/agents/abc123/stats", "/v1/agents/{agentId}/stats"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
