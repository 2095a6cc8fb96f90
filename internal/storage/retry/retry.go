// Package retry decorates a storage.Backend with bounded exponential backoff
// for errors the backend marked as transient.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/clock"
	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logging.Ensure(logger),
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ReadDocument(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.withRetry(ctx, "read_document", func(ctx context.Context) error {
		var err error
		data, err = b.inner.ReadDocument(ctx)
		return err
	})
	return data, err
}

func (b *backend) WriteDocument(ctx context.Context, data []byte) error {
	return b.withRetry(ctx, "write_document", func(ctx context.Context) error {
		return b.inner.WriteDocument(ctx, data)
	})
}

func (b *backend) Close() error { return b.inner.Close() }

func (b *backend) Unwrap() storage.Backend { return b.inner }

func (b *backend) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient_error",
			"operation", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
