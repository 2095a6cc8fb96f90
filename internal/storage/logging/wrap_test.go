package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/correlation"
	"pkt.systems/postbox/internal/storage"
	"pkt.systems/postbox/internal/storage/memory"
)

func debugLogger(buf *bytes.Buffer) pslog.Logger {
	return pslog.NewWithOptions(buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
}

func TestWrapLogsOperations(t *testing.T) {
	var buf bytes.Buffer
	b := Wrap(memory.New(), debugLogger(&buf), "mem")
	ctx := correlation.Set(context.Background(), "corr-1")

	if _, err := b.ReadDocument(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound to pass through, got %v", err)
	}
	if err := b.WriteDocument(ctx, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"storage.read_document.error", "storage.write_document.success", "corr-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
}

func TestWrapUnwraps(t *testing.T) {
	inner := memory.New()
	b := Wrap(inner, nil, "mem")
	if got := storage.Describe(b); got != "mem://" {
		t.Fatalf("Describe through wrapper = %q", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
