package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the metrics of the process agent and its collaborators:
// - Agent: readiness, job counts by state, action throughput and latency
// - HTTP: request latency, traffic and errors
// - Dispatcher: webhook delivery
// - Governor: containers started and finished
type Metrics struct {
	meter metric.Meter

	// Agent metrics
	AgentReady         metric.Int64Gauge
	AgentShutdown      metric.Int64Gauge
	AgentJobs          metric.Int64Gauge
	AgentLastUpdate    metric.Float64Gauge
	JobDuration        metric.Float64Histogram
	ActionsTotal       metric.Int64Counter
	ActionDuration     metric.Float64Histogram
	ActionErrorsTotal  metric.Int64Counter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge

	// Governor metrics
	ContainersStarted  metric.Int64Counter
	ContainersFinished metric.Int64Counter
	ContainersRunning  metric.Int64Gauge
	GovernorPolls      metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("processagent")}
	if err := m.registerAgent(); err != nil {
		return nil, nil, err
	}
	if err := m.registerHTTP(); err != nil {
		return nil, nil, err
	}
	if err := m.registerDispatcher(); err != nil {
		return nil, nil, err
	}
	if err := m.registerGovernor(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) registerAgent() error {
	var err error
	if m.AgentReady, err = m.meter.Int64Gauge(
		"process_agent_ready",
		metric.WithDescription("1 while the agent loop is running"),
	); err != nil {
		return err
	}
	if m.AgentShutdown, err = m.meter.Int64Gauge(
		"process_agent_shutdown",
		metric.WithDescription("1 once the agent was shut down"),
	); err != nil {
		return err
	}
	if m.AgentJobs, err = m.meter.Int64Gauge(
		"process_agent_jobs",
		metric.WithDescription("Number of jobs of an agent by status"),
	); err != nil {
		return err
	}
	if m.AgentLastUpdate, err = m.meter.Float64Gauge(
		"process_agent_last_update_timestamp_seconds",
		metric.WithDescription("Unix time of the last processed action"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if m.JobDuration, err = m.meter.Float64Histogram(
		"process_agent_job_duration_seconds",
		metric.WithDescription("Duration of the last run of finished jobs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400),
	); err != nil {
		return err
	}
	if m.ActionsTotal, err = m.meter.Int64Counter(
		"process_agent_actions_total",
		metric.WithDescription("Total number of actions processed by agent loops"),
	); err != nil {
		return err
	}
	if m.ActionErrorsTotal, err = m.meter.Int64Counter(
		"process_agent_action_errors_total",
		metric.WithDescription("Total number of failed actions"),
	); err != nil {
		return err
	}
	m.ActionDuration, err = m.meter.Float64Histogram(
		"process_agent_action_duration_seconds",
		metric.WithDescription("Action processing latency in seconds, usercode included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	return err
}

func (m *Metrics) registerHTTP() error {
	var err error
	if m.HTTPRequestDuration, err = m.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.HTTPRequestsTotal, err = m.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return err
	}
	m.HTTPErrorsTotal, err = m.meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	return err
}

func (m *Metrics) registerDispatcher() error {
	var err error
	if m.DispatcherDuration, err = m.meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.DispatcherDelivered, err = m.meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	); err != nil {
		return err
	}
	if m.DispatcherFailed, err = m.meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	); err != nil {
		return err
	}
	if m.DispatcherDropped, err = m.meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	); err != nil {
		return err
	}
	if m.DispatcherRequeued, err = m.meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	); err != nil {
		return err
	}
	m.DispatcherQueueSize, err = m.meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	return err
}

func (m *Metrics) registerGovernor() error {
	var err error
	if m.ContainersStarted, err = m.meter.Int64Counter(
		"governor_containers_started_total",
		metric.WithDescription("Total number of job containers started"),
	); err != nil {
		return err
	}
	if m.ContainersFinished, err = m.meter.Int64Counter(
		"governor_containers_finished_total",
		metric.WithDescription("Total number of job containers that reached a final state"),
	); err != nil {
		return err
	}
	if m.ContainersRunning, err = m.meter.Int64Gauge(
		"governor_containers_running",
		metric.WithDescription("Number of job containers currently running (saturation)"),
	); err != nil {
		return err
	}
	m.GovernorPolls, err = m.meter.Int64Counter(
		"governor_polls_total",
		metric.WithDescription("Total number of governor polls of the agent API"),
	)
	return err
}

// RecordAction records one action processed by an agent loop.
func (m *Metrics) RecordAction(ctx context.Context, actionType string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(actionTypeAttr(actionType), successAttr(success))
	m.ActionsTotal.Add(ctx, 1, attrs)
	m.ActionDuration.Record(ctx, durationSeconds, metric.WithAttributes(actionTypeAttr(actionType)))
	if !success {
		m.ActionErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordAgentState records the readiness flags of an agent.
func (m *Metrics) RecordAgentState(ctx context.Context, agentID string, ready, shutdown bool) {
	attrs := metric.WithAttributes(agentAttr(agentID))
	m.AgentReady.Record(ctx, boolToInt(ready), attrs)
	m.AgentShutdown.Record(ctx, boolToInt(shutdown), attrs)
}

// RecordJobCounts records the number of jobs of an agent by status.
func (m *Metrics) RecordJobCounts(ctx context.Context, agentID string, counts map[string]int64) {
	for status, n := range counts {
		m.AgentJobs.Record(ctx, n, metric.WithAttributes(agentAttr(agentID), stateAttr(status)))
	}
	m.AgentLastUpdate.Record(ctx, float64(time.Now().Unix()), metric.WithAttributes(agentAttr(agentID)))
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, agentID, state string, durationSeconds float64) {
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(agentAttr(agentID), stateAttr(state)))
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}

// RecordContainerStarted records a job container being started.
func (m *Metrics) RecordContainerStarted(ctx context.Context, image string) {
	m.ContainersStarted.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordContainerFinished records a job container reaching a final state.
func (m *Metrics) RecordContainerFinished(ctx context.Context, image, state string) {
	m.ContainersFinished.Add(ctx, 1, metric.WithAttributes(imageAttr(image), stateAttr(state)))
}

// RecordContainersRunning records how many job containers are running.
func (m *Metrics) RecordContainersRunning(ctx context.Context, n int64) {
	m.ContainersRunning.Record(ctx, n)
}

// RecordGovernorPoll records one poll of the agent API.
func (m *Metrics) RecordGovernorPoll(ctx context.Context, success bool) {
	m.GovernorPolls.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
