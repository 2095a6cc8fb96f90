package postbox

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Root: root}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen %q", cfg.Listen)
	}
	if cfg.IngestTransport != IngestTransportUDP || cfg.IngestListen != "127.0.0.1:5000" {
		t.Fatalf("ingest defaults %q %q", cfg.IngestTransport, cfg.IngestListen)
	}
	wantStore := "disk://" + filepath.ToSlash(filepath.Join(root, "storage"))
	if cfg.Store != wantStore {
		t.Fatalf("store %q, want %q", cfg.Store, wantStore)
	}
	if got := cfg.StorageDir(); got != filepath.Join(root, "storage") {
		t.Fatalf("storage dir %q", got)
	}
	if cfg.FormMaxBytes != DefaultFormMaxBytes || cfg.AppendTimeout != DefaultAppendTimeout {
		t.Fatalf("limits %d %s", cfg.FormMaxBytes, cfg.AppendTimeout)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout || cfg.ReadHeaderTimeout != DefaultReadHeaderTimeout {
		t.Fatalf("timeouts %s %s", cfg.ShutdownTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"transport", Config{IngestTransport: "carrier-pigeon"}, "ingest transport"},
		{"queue", Config{IngestQueueSize: -1}, "queue size"},
		{"form", Config{FormMaxBytes: -5}, "form max"},
		{"conns", Config{MaxConns: -1}, "max conns"},
		{"profiling", Config{EnableProfilingMetrics: true}, "metrics-listen"},
	}
	for _, tc := range cases {
		tc.cfg.Root = t.TempDir()
		err := tc.cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestConfigRetryBounds(t *testing.T) {
	cfg := Config{Root: t.TempDir(), StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StorageRetryMaxDelay != time.Second {
		t.Fatalf("max delay %s not raised to base delay", cfg.StorageRetryMaxDelay)
	}
}

func TestStorageDirRemoteStore(t *testing.T) {
	cfg := Config{Root: t.TempDir(), Store: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if dir := cfg.StorageDir(); dir != "" {
		t.Fatalf("mem store storage dir %q", dir)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POSTBOX_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("config dir %q %v", got, err)
	}
}
