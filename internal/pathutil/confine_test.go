package pathutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestConfineResolvesFilesUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "style.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Confine(root, "/style.css")
	if err != nil {
		t.Fatalf("confine: %v", err)
	}
	realRoot, _ := filepath.EvalSymlinks(root)
	if got != filepath.Join(realRoot, "style.css") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestConfineRejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "site")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(parent, "main_config"), []byte("secret"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, p := range []string{"/../main_config", "/%2e%2e/main_config", "/a/../../main_config", "/..%2fmain_config", "/..\\main_config"} {
		if _, err := Confine(root, p); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("Confine(%q) = %v, want ErrOutsideRoot", p, err)
		}
	}
}

func TestConfineRejectsEscapingSymlink(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "site")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	outside := filepath.Join(parent, "outside.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if _, err := Confine(root, "/link.txt"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot for escaping symlink, got %v", err)
	}
}

func TestConfineMissingFile(t *testing.T) {
	root := t.TempDir()
	if _, err := Confine(root, "/nope.txt"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestWithin(t *testing.T) {
	sep := string(filepath.Separator)
	base := sep + "srv"
	cases := map[string]bool{
		base:                     true,
		base + sep + "a":         true,
		sep + "srv2":             false,
		sep + "etc":              false,
		base + sep + "..a" + sep: true,
	}
	for target, want := range cases {
		if got := Within(base, filepath.Clean(target)); got != want {
			t.Fatalf("Within(%q, %q) = %v, want %v", base, target, got, want)
		}
	}
}

func TestExpand(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	t.Setenv("POSTBOX_TEST_SITE", "site")
	cases := map[string]string{
		"":                     "",
		"~":                    home,
		"~/www":                filepath.Join(home, "www"),
		"$POSTBOX_TEST_SITE/a": "site/a",
		"${POSTBOX_TEST_SITE}": "site",
		"relative/dir":         "relative/dir",
		"~user/not-expanded":   "~user/not-expanded",
	}
	for in, want := range cases {
		got, err := Expand(in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Expand(%q)=%q want %q", in, got, want)
		}
	}
}
