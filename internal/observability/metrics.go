package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the drover daemon.
type MetricsCollector struct {
	meter metric.Meter

	// Task lifecycle metrics
	tasksSpawned metric.Int64Counter
	tasksDone    metric.Int64Counter
	tasksRunning metric.Int64UpDownCounter
	taskDuration metric.Float64Histogram

	// Subagent metrics
	subagentTurns metric.Int64Counter

	// Event metrics
	eventsPublished metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("drover")

	tasksSpawned, err := meter.Int64Counter(
		"drover.tasks.spawned.total",
		metric.WithDescription("Total number of background tasks spawned"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_spawned counter: %w", err)
	}

	tasksDone, err := meter.Int64Counter(
		"drover.tasks.completed.total",
		metric.WithDescription("Total number of background tasks that reached a terminal status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_completed counter: %w", err)
	}

	tasksRunning, err := meter.Int64UpDownCounter(
		"drover.tasks.running",
		metric.WithDescription("Number of background tasks currently running"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_running gauge: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"drover.tasks.duration",
		metric.WithDescription("Background task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}

	subagentTurns, err := meter.Int64Counter(
		"drover.subagent.turns.total",
		metric.WithDescription("Total number of subagent conversation turns"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subagent_turns counter: %w", err)
	}

	eventsPublished, err := meter.Int64Counter(
		"drover.events.published.total",
		metric.WithDescription("Total number of task events published on the bus"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_published counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:           meter,
		tasksSpawned:    tasksSpawned,
		tasksDone:       tasksDone,
		tasksRunning:    tasksRunning,
		taskDuration:    taskDuration,
		subagentTurns:   subagentTurns,
		eventsPublished: eventsPublished,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.prometheusServer == nil {
		return nil
	}
	return m.prometheusServer.Shutdown(ctx)
}

// Handler returns the Prometheus scrape handler for embedding in an
// existing HTTP server.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordTaskSpawned records a spawned background task.
func (m *MetricsCollector) RecordTaskSpawned(ctx context.Context, kind string) {
	if m == nil || m.tasksSpawned == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.tasksSpawned.Add(ctx, 1, attrs)
	m.tasksRunning.Add(ctx, 1, attrs)
}

// RecordTaskFinished records a task reaching a terminal status.
func (m *MetricsCollector) RecordTaskFinished(ctx context.Context, kind string, status string, duration time.Duration) {
	if m == nil || m.tasksDone == nil {
		return
	}

	kindAttr := metric.WithAttributes(attribute.String("kind", kind))
	m.tasksRunning.Add(ctx, -1, kindAttr)
	m.tasksDone.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordSubagentTurns records the number of turns a subagent run consumed.
func (m *MetricsCollector) RecordSubagentTurns(ctx context.Context, turns int) {
	if m == nil || m.subagentTurns == nil {
		return
	}
	m.subagentTurns.Add(ctx, int64(turns))
}

// RecordEventPublished records an event published on the bus.
func (m *MetricsCollector) RecordEventPublished(ctx context.Context, topic string) {
	if m == nil || m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
