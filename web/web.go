// Package web carries the default pages served by the front door.
package web

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed assets
var assets embed.FS

// Files lists the bundled asset names.
func Files() []string {
	entries, err := fs.ReadDir(assets, "assets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// Install writes the bundled pages into dir. Existing files are kept unless
// overwrite is set. It returns the files it wrote.
func Install(dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("web: create %s: %w", dir, err)
	}
	var written []string
	for _, name := range Files() {
		dst := filepath.Join(dir, name)
		if !overwrite {
			if _, err := os.Stat(dst); err == nil {
				continue
			} else if !errors.Is(err, fs.ErrNotExist) {
				return written, err
			}
		}
		data, err := assets.ReadFile(path.Join("assets", name))
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return written, fmt.Errorf("web: write %s: %w", dst, err)
		}
		written = append(written, dst)
	}
	return written, nil
}
