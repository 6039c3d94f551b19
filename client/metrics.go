package client

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type clientMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Int64Histogram
	connectRetries  metric.Int64Counter
	pushes          metric.Int64Counter
	repairs         metric.Int64Counter
}

func newClientMetrics(provider metric.MeterProvider, logger pslog.Base) *clientMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("pkt.systems/reportsync/client")
	m := &clientMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"reportsync.client.requests",
		metric.WithDescription("HTTP requests issued to report servers"),
	)
	logMetricInitError(logger, "reportsync.client.requests", err)

	m.requestDuration, err = meter.Int64Histogram(
		"reportsync.client.request.duration_ms",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "reportsync.client.request.duration_ms", err)

	m.connectRetries, err = meter.Int64Counter(
		"reportsync.client.connect_retries",
		metric.WithDescription("Requests re-sent after a connect-phase failure"),
	)
	logMetricInitError(logger, "reportsync.client.connect_retries", err)

	m.pushes, err = meter.Int64Counter(
		"reportsync.client.pushes",
		metric.WithDescription("Resource pushes"),
	)
	logMetricInitError(logger, "reportsync.client.pushes", err)

	m.repairs, err = meter.Int64Counter(
		"reportsync.client.repairs",
		metric.WithDescription("Invalid foreign key repairs attempted"),
	)
	logMetricInitError(logger, "reportsync.client.repairs", err)
	return m
}

func logMetricInitError(logger pslog.Base, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *clientMetrics) recordRequest(ctx context.Context, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.status", strconv.Itoa(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *clientMetrics) recordConnectRetry(ctx context.Context) {
	if m == nil || m.connectRetries == nil {
		return
	}
	m.connectRetries.Add(ctx, 1)
}

func (m *clientMetrics) recordPush(ctx context.Context, kind string, err error) {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reportsync.kind", kind),
		attribute.String("reportsync.result", resultLabel(err)),
	))
}

func (m *clientMetrics) recordRepair(ctx context.Context, err error) {
	if m == nil || m.repairs == nil {
		return
	}
	m.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("reportsync.result", resultLabel(err))))
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
