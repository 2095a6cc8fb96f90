package ingest

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type ingestMetrics struct {
	messages     metric.Int64Counter
	decodeErrors metric.Int64Counter
	appendErrors metric.Int64Counter
}

func newIngestMetrics(logger pslog.Logger) *ingestMetrics {
	meter := otel.Meter("pkt.systems/postbox/ingest")
	m := &ingestMetrics{}
	var err error

	m.messages, err = meter.Int64Counter(
		"postbox.ingest.messages",
		metric.WithDescription("Messages read by the ingest receiver"),
	)
	logMetricInitError(logger, "postbox.ingest.messages", err)

	m.decodeErrors, err = meter.Int64Counter(
		"postbox.ingest.decode_errors",
		metric.WithDescription("Messages dropped because they did not decode as a record"),
	)
	logMetricInitError(logger, "postbox.ingest.decode_errors", err)

	m.appendErrors, err = meter.Int64Counter(
		"postbox.ingest.append_errors",
		metric.WithDescription("Decoded records the store refused, by reason"),
	)
	logMetricInitError(logger, "postbox.ingest.append_errors", err)
	return m
}

func (m *ingestMetrics) recordMessage(ctx context.Context) {
	if m != nil && m.messages != nil {
		m.messages.Add(ctx, 1)
	}
}

func (m *ingestMetrics) recordDecodeError(ctx context.Context) {
	if m != nil && m.decodeErrors != nil {
		m.decodeErrors.Add(ctx, 1)
	}
}

func (m *ingestMetrics) recordAppendError(ctx context.Context, reason string) {
	if m != nil && m.appendErrors != nil {
		m.appendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
