// Package httpapi implements postbox's HTTP front door: a handful of static
// pages, confined static file serving and a form endpoint that forwards every
// submission to the ingest channel.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/correlation"
	"pkt.systems/postbox/internal/ingest"
	"pkt.systems/postbox/internal/logging"
)

// DefaultFormMax bounds a submitted form body when Config.FormMax is unset.
const DefaultFormMax int64 = 64 << 10

const allowedMethods = "GET, HEAD, POST"

// Config wires a Handler.
type Config struct {
	// Root is the directory pages and static files are served from.
	Root string
	// HiddenDirs are never served even though they live under Root.
	HiddenDirs []string
	// Sender receives every decoded submission.
	Sender  ingest.Sender
	FormMax int64
	Logger  pslog.Logger
	// TracingEnabled wraps the handler with otelhttp.
	TracingEnabled bool
	// WatchPages invalidates cached pages when files under Root change.
	WatchPages bool
}

// Handler is the front door. It implements http.Handler.
type Handler struct {
	root       string
	hidden     []string
	sender     ingest.Sender
	formMax    int64
	logger     pslog.Logger
	tracer     trace.Tracer
	tracing    bool
	pages      *pageCache
	metrics    *httpMetrics
	handler    http.Handler
	closeWatch func() error
}

// New builds a Handler over cfg.Root.
func New(cfg Config) (*Handler, error) {
	if cfg.Sender == nil {
		return nil, errors.New("httpapi: sender required")
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("httpapi: resolve root: %w", err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("httpapi: resolve root: %w", err)
	}
	formMax := cfg.FormMax
	if formMax <= 0 {
		formMax = DefaultFormMax
	}
	logger := logging.WithSubsystem(cfg.Logger, "http.front")
	h := &Handler{
		root:    root,
		sender:  cfg.Sender,
		formMax: formMax,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/postbox/httpapi"),
		tracing: cfg.TracingEnabled,
		metrics: newHTTPMetrics(logger),
	}
	for _, dir := range cfg.HiddenDirs {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("httpapi: resolve hidden dir: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		h.hidden = append(h.hidden, abs)
	}
	h.pages = newPageCache(root, logger)
	if cfg.WatchPages {
		closeWatch, err := h.pages.watch()
		if err != nil {
			logger.Warn("http.pages.watch_failed", "error", err)
			h.pages.disable()
		} else {
			h.closeWatch = closeWatch
		}
	} else {
		h.pages.disable()
	}
	h.handler = h.wrap("request", h.dispatch)
	return h, nil
}

// Root returns the resolved directory being served.
func (h *Handler) Root() string { return h.root }

// ServeHTTP implements http.Handler. Requests are routed here directly rather
// than through http.ServeMux so traversal attempts are never redirected.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// Close stops the page watcher.
func (h *Handler) Close() error {
	if h.closeWatch == nil {
		return nil
	}
	return h.closeWatch()
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return h.handleGet(w, r)
	case http.MethodPost:
		return h.handleSubmit(w, r)
	default:
		w.Header().Set("Allow", allowedMethods)
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: r.Method + " not supported"}
	}
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "postbox.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := xid.New().String()
		ctx, cid := correlation.FromRequest(r)

		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
			span.SetAttributes(
				attribute.String("postbox.route", r.URL.Path),
				attribute.String("postbox.method", r.Method),
				attribute.String("postbox.correlation_id", cid),
			)
			defer span.End()
		}

		logger := h.logger.With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = logging.WithContext(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, cid)

		rec := &statusRecorder{ResponseWriter: w}
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(rec, r)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			if isClientGone(err) {
				logger.Debug("http.client.gone", "error", err, "elapsed", time.Since(start))
				return
			}
			h.handleError(ctx, rec, r, err)
		}
		if span != nil {
			span.SetAttributes(attribute.Int("postbox.status", rec.status()))
		}
		logger.Debug("http.request.complete", "status", rec.status(), "bytes", rec.written, "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(ctx, h.logger)
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		logger.Error("http.request.error", "error", err)
		httpErr = httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	if httpErr.Status == http.StatusNotFound {
		if werr := h.renderPage(w, r, pageError, http.StatusNotFound); werr != nil && !isClientGone(werr) {
			logger.Warn("http.error_page.write_failed", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpErr.Status)
	_, _ = fmt.Fprintln(w, httpErr.Error())
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

var errNotFound = httpError{Status: http.StatusNotFound, Code: "not_found"}

// isClientGone reports errors caused by the client going away mid-response.
func isClientGone(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, http.ErrHandlerTimeout):
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}

type statusRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.written += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}
