package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pkt.systems/postbox/internal/clock"
	"pkt.systems/postbox/internal/record"
	"pkt.systems/postbox/internal/storage/memory"
	"pkt.systems/postbox/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	st := store.New(memory.New(), store.WithClock(clock.NewTicking(start, time.Microsecond)))
	if _, err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return st
}

func runReceiver(t *testing.T, r *Receiver) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel, done
}

func waitForEntries(t *testing.T, st *store.Store, want int) store.Document {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		doc, err := st.Load(context.Background())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(doc) >= want {
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d entries, have %d", want, len(doc))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newUDPPair(t *testing.T) (*UDPSource, *UDPSender) {
	t.Helper()
	src, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	sender, err := DialUDP(src.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { sender.Close() })
	return src, sender
}

func TestUDPRoundTrip(t *testing.T) {
	src, sender := newUDPPair(t)
	st := newTestStore(t)
	runReceiver(t, NewReceiver(src, st))

	rec := record.Record{"username": "Ann", "message": "hello"}
	if err := sender.Send(context.Background(), rec); err != nil {
		t.Fatalf("send: %v", err)
	}
	doc := waitForEntries(t, st, 1)
	for _, got := range doc {
		if !got.Equal(rec) {
			t.Fatalf("stored %v, want %v", got, rec)
		}
	}
}

func TestMalformedDatagramDoesNotStopReceiver(t *testing.T) {
	src, sender := newUDPPair(t)
	st := newTestStore(t)
	runReceiver(t, NewReceiver(src, st))
	ctx := context.Background()

	for _, raw := range []string{"definitely not json", `{"after":"bad"}}`, `{"after":"bad"}]`} {
		if err := sender.SendRaw(ctx, []byte(raw)); err != nil {
			t.Fatalf("send raw %q: %v", raw, err)
		}
	}
	if err := sender.SendRaw(ctx, []byte(strings.Repeat("x", MaxDatagramSize+200))); err != nil {
		t.Fatalf("send oversized raw: %v", err)
	}
	valid := record.Record{"after": "bad"}
	if err := sender.Send(ctx, valid); err != nil {
		t.Fatalf("send: %v", err)
	}
	doc := waitForEntries(t, st, 1)
	if len(doc) != 1 {
		t.Fatalf("expected only the valid record, got %v", doc)
	}
	for _, got := range doc {
		if !got.Equal(valid) {
			t.Fatalf("stored %v, want %v", got, valid)
		}
	}
}

func TestUDPSenderRejectsOversizedRecords(t *testing.T) {
	_, sender := newUDPPair(t)
	rec := record.Record{"message": strings.Repeat("a", MaxDatagramSize)}
	if err := sender.Send(context.Background(), rec); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	src, _ := newUDPPair(t)
	cancel, done := runReceiver(t, NewReceiver(src, newTestStore(t)))
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop after cancel")
	}
	// The socket stays usable for a restarted loop.
	st := newTestStore(t)
	runReceiver(t, NewReceiver(src, st))
	sender, err := DialUDP(src.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sender.Close()
	if err := sender.Send(context.Background(), record.Record{"again": "yes"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForEntries(t, st, 1)
}

func TestQueueTransport(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	if err := q.Send(ctx, record.Record{"n": "1"}); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := q.Send(ctx, record.Record{"n": "2"}); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := q.Send(ctx, record.Record{"n": "3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", q.Len())
	}

	st := newTestStore(t)
	runReceiver(t, NewReceiver(q, st))
	waitForEntries(t, st, 2)

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Send(ctx, record.Record{"n": "4"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClosedQueueEndsServe(t *testing.T) {
	q := NewQueue(1)
	_ = q.Close()
	err := NewReceiver(q, newTestStore(t)).Serve(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type flakyAppender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	got   []record.Record
}

func (f *flakyAppender) AppendNow(_ context.Context, rec record.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if idx := f.calls - 1; idx < len(f.errs) {
		return "", f.errs[idx]
	}
	f.got = append(f.got, rec)
	return "k", nil
}

func (f *flakyAppender) stored() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestAppendErrorsDoNotStopReceiver(t *testing.T) {
	q := NewQueue(4)
	app := &flakyAppender{errs: []error{
		&store.CorruptStoreError{Location: "mem://", Err: errors.New("bad json")},
		errors.New("backend down"),
	}}
	runReceiver(t, NewReceiver(q, app, WithAppendTimeout(time.Second)))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Send(ctx, record.Record{"i": "x"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for app.stored() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("receiver stopped after append errors")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func appendErrorCount(t *testing.T, reader *sdkmetric.ManualReader, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "postbox.ingest.append_errors" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok && v.AsString() == reason {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestCorruptStoreAppendsAreCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	backend := memory.NewWithDocument([]byte(`{}}`))
	q := NewQueue(4)
	runReceiver(t, NewReceiver(q, store.New(backend)))
	if err := q.Send(context.Background(), record.Record{"lost": "yes"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for appendErrorCount(t, reader, "corrupt") < 1 {
		if time.Now().After(deadline) {
			t.Fatal("corrupt-store append was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	data, err := backend.ReadDocument(context.Background())
	if err != nil || string(data) != `{}}` {
		t.Fatalf("corrupt document was rewritten to %q (err=%v)", data, err)
	}
}

func TestAppendFailureReason(t *testing.T) {
	cases := map[string]error{
		"corrupt": &store.CorruptStoreError{Location: "mem://", Err: errors.New("bad")},
		"missing": &store.MissingStoreError{Location: "mem://"},
		"timeout": context.DeadlineExceeded,
		"backend": errors.New("disk on fire"),
	}
	for want, err := range cases {
		if got := appendFailureReason(err); got != want {
			t.Fatalf("appendFailureReason(%v)=%q want %q", err, got, want)
		}
	}
}

func TestReceiverString(t *testing.T) {
	if NewReceiver(NewQueue(1), &flakyAppender{}).String() != "ingest" {
		t.Fatal("unexpected service name")
	}
}
