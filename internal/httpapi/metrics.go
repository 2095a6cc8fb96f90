package httpapi

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type httpMetrics struct {
	submissions metric.Int64Counter
}

func newHTTPMetrics(logger pslog.Logger) *httpMetrics {
	meter := otel.Meter("pkt.systems/postbox/httpapi")
	m := &httpMetrics{}
	var err error
	m.submissions, err = meter.Int64Counter(
		"postbox.http.submissions",
		metric.WithDescription("Form submissions by outcome"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "postbox.http.submissions", "error", err)
	}
	return m
}

func (m *httpMetrics) recordSubmission(ctx context.Context, outcome string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
