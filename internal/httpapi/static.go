package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"

	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/pathutil"
)

const contentTypeFallback = "text/plain"

// sniffLen is how much of a file filetype needs to recognise it.
const sniffLen = 262

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) error {
	switch r.URL.Path {
	case "/", "/" + pageIndex:
		return h.renderPage(w, r, pageIndex, http.StatusOK)
	case "/message":
		return h.renderPage(w, r, pageMessage, http.StatusOK)
	}
	return h.serveStatic(w, r)
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request) error {
	resolved, err := pathutil.Confine(h.root, r.URL.EscapedPath())
	if err != nil {
		if errors.Is(err, pathutil.ErrOutsideRoot) {
			logging.FromContext(r.Context(), h.logger).Warn("http.static.rejected", "raw_path", r.URL.EscapedPath())
		}
		return errNotFound
	}
	for _, dir := range h.hidden {
		if pathutil.Within(dir, resolved) {
			return errNotFound
		}
	}
	f, err := os.Open(resolved)
	if err != nil {
		return errNotFound
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return errNotFound
	}
	ctype, err := detectContentType(resolved, f)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ctype)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}

// detectContentType guesses by extension, then by magic bytes, then falls
// back to text/plain. f is rewound before returning.
func detectContentType(name string, f io.ReadSeeker) (string, error) {
	if ctype := mime.TypeByExtension(filepath.Ext(name)); ctype != "" {
		return ctype, nil
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if kind, err := filetype.Match(head[:n]); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value, nil
	}
	return contentTypeFallback, nil
}
