package postbox

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/clock"
	"pkt.systems/postbox/internal/store"
	"pkt.systems/postbox/web"
)

// TestServer wraps a running postbox.Server with handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config
	// HTTPClient does not follow redirects so submissions expose their 302.
	HTTPClient *http.Client

	stop func(context.Context) error
}

// TestServerOption customises StartTestServer.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	mutate []func(*Config)
	extra  []Option
	pages  bool
}

// WithTestConfig adjusts the Config before the server starts.
func WithTestConfig(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) { o.mutate = append(o.mutate, fn) }
}

// WithTestServerOptions appends server options (clock, backend, logger).
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) { o.extra = append(o.extra, opts...) }
}

// WithoutTestPages starts the server over a root without the bundled pages.
func WithoutTestPages() TestServerOption {
	return func(o *testServerOptions) { o.pages = false }
}

type testingWriter struct {
	tb     testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) > 0 {
			w.tb.Log(string(line))
		}
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// StartTestServer runs a server on loopback ephemeral ports over a temporary
// root holding the bundled pages. Set POSTBOX_TEST_LOG=1 to stream logs into
// the test output. The server stops on test cleanup.
func StartTestServer(tb testing.TB, opts ...TestServerOption) *TestServer {
	tb.Helper()
	o := testServerOptions{pages: true}
	for _, opt := range opts {
		opt(&o)
	}
	root := tb.TempDir()
	if o.pages {
		if _, err := web.Install(root, false); err != nil {
			tb.Fatalf("install pages: %v", err)
		}
	}
	cfg := Config{
		Listen:          "127.0.0.1:0",
		Root:            root,
		IngestListen:    "127.0.0.1:0",
		ShutdownTimeout: 5 * time.Second,
	}
	for _, fn := range o.mutate {
		fn(&cfg)
	}

	serverOpts := []Option{WithClock(clock.NewTicking(time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local), time.Millisecond))}
	var writer *testingWriter
	if strings.TrimSpace(os.Getenv("POSTBOX_TEST_LOG")) != "" {
		writer = &testingWriter{tb: tb}
		logger := pslog.NewWithOptions(writer, pslog.Options{
			Mode:     pslog.ModeStructured,
			NoColor:  true,
			MinLevel: pslog.DebugLevel,
		})
		serverOpts = append(serverOpts, WithLogger(logger))
	}
	serverOpts = append(serverOpts, o.extra...)

	srv, stop, err := StartServer(context.Background(), cfg, serverOpts...)
	if err != nil {
		tb.Fatalf("start server: %v", err)
	}
	ts := &TestServer{
		Server:  srv,
		BaseURL: "http://" + srv.ListenerAddr().String(),
		Config:  srv.cfg,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		stop: stop,
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			tb.Errorf("stop server: %v", err)
		}
		if writer != nil {
			writer.close()
		}
	})
	return ts
}

// Stop shuts the server down; later calls are no-ops.
func (ts *TestServer) Stop(ctx context.Context) error {
	return ts.stop(ctx)
}

// Submit posts form to path as application/x-www-form-urlencoded.
func (ts *TestServer) Submit(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	return ts.SubmitRaw(ctx, path, form.Encode())
}

// SubmitRaw posts body verbatim, which lets tests send malformed forms.
func (ts *TestServer) SubmitRaw(ctx context.Context, path, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.BaseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.HTTPClient.Do(req)
}

// WaitForEntries polls the store until it holds at least n entries.
func (ts *TestServer) WaitForEntries(ctx context.Context, n int) (store.Document, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		doc, err := ts.Server.Store().Load(ctx)
		if err != nil {
			return nil, err
		}
		if len(doc) >= n {
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return doc, fmt.Errorf("waiting for %d entries (have %d): %w", n, len(doc), ctx.Err())
		case <-ticker.C:
		}
	}
}
