package httpapi

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/logging"
)

const (
	pageIndex   = "index.html"
	pageMessage = "message.html"
	pageError   = "error.html"
)

const contentTypeHTML = "text/html"

// pageCache keeps rendered pages in memory until fsnotify reports a change
// to the backing file. A read only populates the cache when no invalidation
// for that page arrived while it was in flight.
type pageCache struct {
	root     string
	logger   pslog.Logger
	readFile func(string) ([]byte, error)

	mu      sync.RWMutex
	enabled bool
	entries map[string][]byte
	gens    map[string]uint64
}

func newPageCache(root string, logger pslog.Logger) *pageCache {
	return &pageCache{
		root:     root,
		logger:   logger,
		readFile: os.ReadFile,
		enabled:  true,
		entries:  make(map[string][]byte),
		gens:     make(map[string]uint64),
	}
}

// disable turns the cache into a pass-through reader.
func (c *pageCache) disable() {
	c.mu.Lock()
	c.enabled = false
	c.entries = make(map[string][]byte)
	c.mu.Unlock()
}

func (c *pageCache) get(name string) ([]byte, error) {
	c.mu.RLock()
	body, ok := c.entries[name]
	enabled := c.enabled
	gen := c.gens[name]
	c.mu.RUnlock()
	if ok {
		return body, nil
	}
	body, err := c.readFile(filepath.Join(c.root, name))
	if err != nil {
		return nil, err
	}
	if enabled {
		c.mu.Lock()
		if c.enabled && c.gens[name] == gen {
			c.entries[name] = body
		}
		c.mu.Unlock()
	}
	return body, nil
}

func (c *pageCache) invalidate(name string) {
	c.mu.Lock()
	c.gens[name]++
	if _, ok := c.entries[name]; ok {
		delete(c.entries, name)
		c.logger.Debug("http.pages.invalidate", "page", name)
	}
	c.mu.Unlock()
}

// watch starts an fsnotify watcher on the root directory. The returned func
// stops it.
func (c *pageCache) watch() (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("httpapi: page watcher: %w", err)
	}
	if err := watcher.Add(c.root); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("httpapi: watch %s: %w", c.root, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				c.invalidate(filepath.Base(ev.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("http.pages.watch_error", "error", err)
			}
		}
	}()
	var once sync.Once
	var closeErr error
	return func() error {
		once.Do(func() {
			closeErr = watcher.Close()
			<-done
		})
		return closeErr
	}, nil
}

// renderPage writes a named page with status. A missing page file falls back
// to a plain-text body carrying the same status.
func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, name string, status int) error {
	body, err := h.pages.get(name)
	if err != nil {
		logger := logging.FromContext(r.Context(), h.logger)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("http.page.missing", "page", name)
		} else {
			logger.Error("http.page.read_failed", "page", name, "error", err)
		}
		text := fmt.Sprintf("%d %s\n", status, http.StatusText(status))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(text)))
		w.WriteHeader(status)
		_, err = w.Write([]byte(text))
		return err
	}
	w.Header().Set("Content-Type", contentTypeHTML)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return nil
	}
	_, err = w.Write(body)
	return err
}
