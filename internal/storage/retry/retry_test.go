package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/postbox/internal/storage"
	"pkt.systems/postbox/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
	ch <- f.now
	return ch
}

type stubBackend struct {
	readErrs   []error
	readCalls  int
	writeErrs  []error
	writeCalls int
	written    []string
	closed     bool
}

func (s *stubBackend) ReadDocument(context.Context) ([]byte, error) {
	s.readCalls++
	if idx := s.readCalls - 1; idx < len(s.readErrs) && s.readErrs[idx] != nil {
		return nil, s.readErrs[idx]
	}
	return []byte("{}"), nil
}

func (s *stubBackend) WriteDocument(_ context.Context, data []byte) error {
	s.writeCalls++
	if idx := s.writeCalls - 1; idx < len(s.writeErrs) && s.writeErrs[idx] != nil {
		return s.writeErrs[idx]
	}
	s.written = append(s.written, string(data))
	return nil
}

func (s *stubBackend) Close() error {
	s.closed = true
	return nil
}

func TestRetryTransientReadSucceeds(t *testing.T) {
	stub := &stubBackend{readErrs: []error{
		storage.NewTransientError(errors.New("503")),
		storage.NewTransientError(errors.New("503")),
	}}
	clk := &fakeClock{}
	b := retry.Wrap(stub, nil, clk, retry.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second})

	data, err := b.ReadDocument(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("unexpected data %q", data)
	}
	if stub.readCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.readCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, clk.sleeps[i], want[i])
		}
	}
}

func TestRetryCapsDelayAndGivesUp(t *testing.T) {
	transient := storage.NewTransientError(errors.New("throttled"))
	stub := &stubBackend{writeErrs: []error{transient, transient, transient, transient}}
	clk := &fakeClock{}
	b := retry.Wrap(stub, nil, clk, retry.Config{MaxAttempts: 4, BaseDelay: 40 * time.Millisecond, Multiplier: 3, MaxDelay: 100 * time.Millisecond})

	err := b.WriteDocument(context.Background(), []byte("{}"))
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error after exhausting attempts, got %v", err)
	}
	if stub.writeCalls != 4 {
		t.Fatalf("expected 4 attempts, got %d", stub.writeCalls)
	}
	want := []time.Duration{40 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, clk.sleeps[i], want[i])
		}
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	stub := &stubBackend{readErrs: []error{storage.ErrNotFound}}
	b := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})

	if _, err := b.ReadDocument(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if stub.readCalls != 1 {
		t.Fatalf("expected a single call, got %d", stub.readCalls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	stub := &stubBackend{writeErrs: []error{storage.NewTransientError(errors.New("timeout"))}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := retry.Wrap(stub, nil, blockingClock{}, retry.Config{MaxAttempts: 3})

	if err := b.WriteDocument(ctx, []byte("{}")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stub.writeCalls != 1 {
		t.Fatalf("expected one attempt before cancellation, got %d", stub.writeCalls)
	}
}

func TestRetryExposesInnerBackend(t *testing.T) {
	stub := &stubBackend{}
	b := retry.Wrap(stub, nil, nil, retry.Config{})
	u, ok := b.(storage.Unwrapper)
	if !ok || u.Unwrap() != storage.Backend(stub) {
		t.Fatal("expected Unwrap to return the inner backend")
	}
	if err := b.Close(); err != nil || !stub.closed {
		t.Fatalf("expected Close to reach inner backend: %v", err)
	}
}

type blockingClock struct{}

func (blockingClock) Now() time.Time                       { return time.Unix(0, 0) }
func (blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
