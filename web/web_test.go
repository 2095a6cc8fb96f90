package web

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInstallKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "index.html")
	if err := os.WriteFile(custom, []byte("mine"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	written, err := Install(dir, false)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(written) != len(Files())-1 {
		t.Fatalf("wrote %d files, want %d", len(written), len(Files())-1)
	}
	data, _ := os.ReadFile(custom)
	if string(data) != "mine" {
		t.Fatalf("existing page overwritten: %q", data)
	}
	for _, name := range []string{"message.html", "error.html", "style.css"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
	}
	if _, err := Install(dir, true); err != nil {
		t.Fatalf("overwrite install: %v", err)
	}
	data, _ = os.ReadFile(custom)
	if string(data) == "mine" {
		t.Fatalf("overwrite did not replace index.html")
	}
}
