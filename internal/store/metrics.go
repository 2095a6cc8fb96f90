package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type storeMetrics struct {
	appends        metric.Int64Counter
	appendErrors   metric.Int64Counter
	appendDuration metric.Float64Histogram
	documentSize   metric.Int64Histogram
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/postbox/store")
	m := &storeMetrics{}
	var err error

	m.appends, err = meter.Int64Counter(
		"postbox.store.appends",
		metric.WithDescription("Records appended to the message document"),
	)
	logMetricInitError(logger, "postbox.store.appends", err)

	m.appendErrors, err = meter.Int64Counter(
		"postbox.store.append_errors",
		metric.WithDescription("Failed appends by reason"),
	)
	logMetricInitError(logger, "postbox.store.append_errors", err)

	m.appendDuration, err = meter.Float64Histogram(
		"postbox.store.append.duration_ms",
		metric.WithDescription("Read-modify-write duration of one append"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "postbox.store.append.duration_ms", err)

	m.documentSize, err = meter.Int64Histogram(
		"postbox.store.document.size",
		metric.WithDescription("Size of the message document after an append"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "postbox.store.document.size", err)
	return m
}

func (m *storeMetrics) recordAppend(ctx context.Context, ms float64, size int) {
	if m == nil {
		return
	}
	if m.appends != nil {
		m.appends.Add(ctx, 1)
	}
	if m.appendDuration != nil {
		m.appendDuration.Record(ctx, ms)
	}
	if m.documentSize != nil {
		m.documentSize.Record(ctx, int64(size))
	}
}

func (m *storeMetrics) recordAppendError(ctx context.Context, reason string) {
	if m == nil || m.appendErrors == nil {
		return
	}
	m.appendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
