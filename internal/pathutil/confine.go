package pathutil

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot reports a request path that resolves outside its root.
var ErrOutsideRoot = errors.New("pathutil: path escapes root")

// Confine maps a URL path onto a file below root. The path is percent-decoded
// once, cleaned as an absolute slash path and joined with root; symlinks are
// then resolved and the result must still live under the resolved root.
// Missing files surface as fs.ErrNotExist from the symlink resolution.
func Confine(root, urlPath string) (string, error) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", fmt.Errorf("pathutil: decode %q: %w", urlPath, ErrOutsideRoot)
	}
	if strings.ContainsRune(decoded, 0) || strings.Contains(decoded, "\\") {
		return "", ErrOutsideRoot
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", ErrOutsideRoot
		}
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("pathutil: resolve root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("pathutil: resolve root: %w", err)
	}
	clean := path.Clean("/" + decoded)
	candidate := filepath.Join(rootReal, filepath.FromSlash(clean))
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", err
	}
	if !Within(rootReal, resolved) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

// Within reports whether target equals base or lives below it. Both paths
// are expected to be absolute and clean.
func Within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
