package storage_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/postbox/internal/storage"
	"pkt.systems/postbox/internal/storage/memory"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if wrapped == nil {
		t.Fatal("expected wrapped error")
	}
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil error should stay nil")
	}
}

type decorator struct {
	storage.Backend
}

func (d decorator) Unwrap() storage.Backend { return d.Backend }

type lockingBackend struct {
	storage.Backend
	locks int
}

func (l *lockingBackend) Lock(context.Context) (func() error, error) {
	l.locks++
	return func() error { return nil }, nil
}

func TestAsLockerWalksDecorators(t *testing.T) {
	t.Parallel()

	inner := &lockingBackend{Backend: memory.New()}
	wrapped := decorator{Backend: decorator{Backend: inner}}
	locker, ok := storage.AsLocker(wrapped)
	if !ok {
		t.Fatal("expected locker to be found through decorators")
	}
	unlock, err := locker.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	_ = unlock()
	if inner.locks != 1 {
		t.Fatalf("expected inner lock to be taken once, got %d", inner.locks)
	}
	if _, ok := storage.AsLocker(decorator{Backend: memory.New()}); ok {
		t.Fatal("memory backend should not report a locker")
	}
}

func TestDescribeWalksDecorators(t *testing.T) {
	t.Parallel()

	if got := storage.Describe(decorator{Backend: memory.New()}); got != "mem://" {
		t.Fatalf("Describe = %q, want mem://", got)
	}
}
