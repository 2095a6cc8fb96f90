// Package logging decorates a storage.Backend with debug logging and an
// OpenTelemetry span per call.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/correlation"
	"pkt.systems/postbox/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/postbox/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "postbox.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("postbox.storage.operation", op),
		attribute.String("postbox.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("postbox.correlation_id", corr))
	}
	logger.Trace("storage."+op+".begin", "backend", b.sys)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		span.SetAttributes(attribute.Int64("postbox.storage.duration_ms", elapsed.Milliseconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "backend", b.sys, "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("storage."+op+".success", "backend", b.sys, "elapsed", elapsed)
	}
}

func (b *backend) ReadDocument(ctx context.Context) ([]byte, error) {
	ctx, span, _, finish := b.start(ctx, "read_document")
	defer span.End()
	data, err := b.inner.ReadDocument(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("postbox.storage.bytes", len(data)))
	}
	finish(err)
	return data, err
}

func (b *backend) WriteDocument(ctx context.Context, data []byte) error {
	ctx, span, _, finish := b.start(ctx, "write_document")
	defer span.End()
	span.SetAttributes(attribute.Int("postbox.storage.bytes", len(data)))
	err := b.inner.WriteDocument(ctx, data)
	finish(err)
	return err
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "backend", b.sys, "error", err)
	}
	return err
}

func (b *backend) Unwrap() storage.Backend { return b.inner }
