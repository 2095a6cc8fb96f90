package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/postbox/internal/storage"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "storage")
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.ReadDocument(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}
	if err := store.WriteDocument(ctx, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload := []byte("{\n \"a\": {\n  \"b\": \"c\"\n }\n}")
	if err := store.WriteDocument(ctx, payload); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, err := store.ReadDocument(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected document %q", got)
	}
	if store.Path() != filepath.Join(store.Root(), "data.json") {
		t.Fatalf("unexpected path %q", store.Path())
	}
	onDisk, err := os.ReadFile(filepath.Join(root, "data.json"))
	if err != nil || string(onDisk) != string(payload) {
		t.Fatalf("document not at expected location: %v %q", err, onDisk)
	}
}

func TestDiskStoreLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := store.WriteDocument(context.Background(), []byte("{}")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "data.json" {
			t.Fatalf("unexpected leftover file %q", entry.Name())
		}
	}
}

func TestDiskStoreLockSerializesHolders(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store a: %v", err)
	}
	b, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store b: %v", err)
	}
	ctx := context.Background()
	unlock, err := a.Lock(ctx)
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		unlockB, err := b.Lock(ctx)
		if err != nil {
			t.Errorf("lock b: %v", err)
			return
		}
		close(acquired)
		_ = unlockB()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock a: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
	wg.Wait()
}

func TestDiskStoreLockHonoursContext(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	unlock, err := store.Lock(context.Background())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := store.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}
