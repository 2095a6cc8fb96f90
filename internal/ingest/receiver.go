// Package ingest moves submitted records from the HTTP front door to the
// store: a Sender hands each record off as one fire-and-forget message and a
// Receiver loop decodes messages and appends them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/record"
	"pkt.systems/postbox/internal/store"
)

// Appender stores one record keyed by the current time.
type Appender interface {
	AppendNow(ctx context.Context, rec record.Record) (string, error)
}

// Receiver decodes messages from a Source and appends them to the store.
type Receiver struct {
	source        Source
	store         Appender
	logger        pslog.Logger
	appendTimeout time.Duration
	metrics       *ingestMetrics
	readBackoff   time.Duration
}

// ReceiverOption customises a Receiver.
type ReceiverOption func(*Receiver)

// WithLogger sets the receiver logger.
func WithLogger(l pslog.Logger) ReceiverOption {
	return func(r *Receiver) { r.logger = l }
}

// WithAppendTimeout bounds each append. Zero disables the bound.
func WithAppendTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) { r.appendTimeout = d }
}

// NewReceiver wires source to store.
func NewReceiver(source Source, st Appender, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		source:      source,
		store:       st,
		readBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithSubsystem(r.logger, "ingest.receiver")
	r.metrics = newIngestMetrics(r.logger)
	return r
}

// String names the receiver in supervisor events.
func (r *Receiver) String() string { return "ingest" }

// Serve runs the receive loop until ctx is done. Undecodable messages and
// failed appends are logged and skipped; only a closed source ends the loop
// early.
func (r *Receiver) Serve(ctx context.Context) error {
	r.logger.Info("ingest.receiver.start")
	defer r.logger.Info("ingest.receiver.stop")
	for {
		dg, err := r.source.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, ErrClosed):
				return fmt.Errorf("ingest: source closed: %w", err)
			case errors.Is(err, ErrTruncated):
				r.metrics.recordMessage(ctx)
				r.metrics.recordDecodeError(ctx)
				r.logger.Warn("ingest.decode_error", "from", dg.From, "bytes", len(dg.Payload), "error", err)
				continue
			}
			r.logger.Warn("ingest.receive.error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.readBackoff):
			}
			continue
		}
		r.handle(ctx, dg)
	}
}

func (r *Receiver) handle(ctx context.Context, dg Datagram) {
	r.metrics.recordMessage(ctx)
	rec, err := record.Unmarshal(dg.Payload)
	if err != nil {
		r.metrics.recordDecodeError(ctx)
		r.logger.Warn("ingest.decode_error", "from", dg.From, "bytes", len(dg.Payload), "error", err)
		return
	}
	// An append that started before shutdown runs to completion.
	appendCtx := context.WithoutCancel(ctx)
	if r.appendTimeout > 0 {
		var cancel context.CancelFunc
		appendCtx, cancel = context.WithTimeout(appendCtx, r.appendTimeout)
		defer cancel()
	}
	key, err := r.store.AppendNow(appendCtx, rec)
	if err != nil {
		reason := appendFailureReason(err)
		r.metrics.recordAppendError(ctx, reason)
		r.logger.Error("ingest.append.error", "from", dg.From, "fields", len(rec), "reason", reason, "error", err)
		return
	}
	r.logger.Debug("ingest.append.success", "from", dg.From, "key", key, "fields", len(rec))
}

func appendFailureReason(err error) string {
	switch {
	case errors.Is(err, store.ErrCorruptStore):
		return "corrupt"
	case errors.Is(err, store.ErrMissingStore):
		return "missing"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "backend"
}
