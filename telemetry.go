package postbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/version"
)

const (
	otlpGRPCPort = "4317"
	otlpHTTPPort = "4318"
	otlpTimeout  = 10 * time.Second
)

type telemetryConfig struct {
	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

func (c telemetryConfig) enabled() bool {
	return c.OTLPEndpoint != "" || c.MetricsListen != "" || c.PprofListen != "" || c.EnableProfilingMetrics
}

// telemetryBundle holds whatever setupTelemetry started, as a stack of
// named stop funcs, plus the addresses of the side listeners.
type telemetryBundle struct {
	logger pslog.Logger
	stops  []telemetryStop
	addrs  map[string]net.Addr
}

type telemetryStop struct {
	name string
	stop func(context.Context) error
}

func (t *telemetryBundle) push(name string, stop func(context.Context) error) {
	t.stops = append(t.stops, telemetryStop{name: name, stop: stop})
}

// Addr returns the bound address of the "metrics" or "pprof" listener.
func (t *telemetryBundle) Addr(name string) net.Addr { return t.addrs[name] }

// Shutdown stops components in reverse start order and joins their errors.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.stops) - 1; i >= 0; i-- {
		s := t.stops[i]
		if err := s.stop(ctx); err != nil {
			t.logger.Warn("telemetry.shutdown.error", "component", s.name, "error", err)
			errs = append(errs, fmt.Errorf("telemetry: stop %s: %w", s.name, err))
		}
	}
	t.stops = nil
	if len(errs) == 0 {
		t.logger.Info("telemetry.shutdown.complete")
	}
	return errors.Join(errs...)
}

// otelErrorHandler routes exporter errors into the server log. Collector
// reconnects are expected noise and stay at debug.
type otelErrorHandler struct{ logger pslog.Logger }

func (h otelErrorHandler) Handle(err error) {
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// setupTelemetry starts OTLP tracing, the Prometheus scrape endpoint and the
// pprof listener as configured. It returns nil when nothing is enabled.
func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (*telemetryBundle, error) {
	if !cfg.enabled() {
		return nil, nil
	}
	if cfg.EnableProfilingMetrics && cfg.MetricsListen == "" {
		return nil, errors.New("telemetry: profiling metrics require a metrics listen address")
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("postbox"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger, addrs: make(map[string]net.Addr)}
	steps := []func(context.Context, telemetryConfig, *resource.Resource) error{
		bundle.startTracing,
		bundle.startMetrics,
		bundle.startPprof,
	}
	for _, step := range steps {
		if err := step(ctx, cfg, res); err != nil {
			_ = bundle.Shutdown(ctx)
			return nil, err
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

func (t *telemetryBundle) startTracing(ctx context.Context, cfg telemetryConfig, res *resource.Resource) error {
	if cfg.OTLPEndpoint == "" {
		return nil
	}
	target, err := resolveOTLPTarget(cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	exporter, err := target.exporter(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: start %s trace exporter: %w", target.protocol, err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	t.push("tracing", provider.Shutdown)
	t.logger.Info("telemetry.tracing.enabled",
		"protocol", target.protocol,
		"endpoint", target.endpoint,
		"path", target.path,
		"insecure", target.insecure,
	)
	return nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func (t *telemetryBundle) startMetrics(_ context.Context, cfg telemetryConfig, res *resource.Resource) error {
	if cfg.MetricsListen == "" {
		return nil
	}
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if cfg.EnableProfilingMetrics {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(opts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	t.push("metrics provider", provider.Shutdown)

	if cfg.EnableProfilingMetrics {
		// The runtime instrumentation registers process-wide callbacks once.
		runtimeMetricsOnce.Do(func() {
			runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
		})
		if runtimeMetricsErr != nil {
			return fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := t.serve("metrics", cfg.MetricsListen, mux); err != nil {
		return err
	}
	t.logger.Info("telemetry.metrics.enabled", "listen", t.addrs["metrics"].String(), "runtime", cfg.EnableProfilingMetrics)
	return nil
}

func (t *telemetryBundle) startPprof(_ context.Context, cfg telemetryConfig, _ *resource.Resource) error {
	if cfg.PprofListen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if err := t.serve("pprof", cfg.PprofListen, mux); err != nil {
		return err
	}
	t.logger.Info("telemetry.pprof.enabled", "listen", t.addrs["pprof"].String())
	return nil
}

// serve binds addr and serves handler in the background until Shutdown.
func (t *telemetryBundle) serve(name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: DefaultReadHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.listener.error", "listener", name, "error", err)
		}
	}()
	t.addrs[name] = ln.Addr()
	t.push(name+" listener", srv.Shutdown)
	return nil
}

// otlpTarget is a parsed collector endpoint.
type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func (o otlpTarget) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if o.protocol == "http" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(o.endpoint),
			otlptracehttp.WithTimeout(otlpTimeout),
		}
		if o.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if o.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(o.path))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	creds := credentials.NewClientTLSFromCert(nil, "")
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.endpoint),
		otlptracegrpc.WithTimeout(otlpTimeout),
	}
	if o.insecure {
		creds = insecure.NewCredentials()
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	return otlptracegrpc.New(ctx, opts...)
}

// resolveOTLPTarget accepts a bare host[:port] (plaintext gRPC) or a
// grpc://, grpcs://, http:// or https:// URL. Missing ports default to the
// OTLP port of the protocol.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty otlp endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse otlp endpoint: %w", err)
	}
	var target otlpTarget
	port := otlpGRPCPort
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.protocol, target.insecure = "grpc", true
	case "grpcs":
		target.protocol = "grpc"
	case "http":
		target.protocol, target.insecure, port = "http", true, otlpHTTPPort
	case "https":
		target.protocol, port = "http", otlpHTTPPort
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unsupported otlp scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: otlp endpoint %q has no host", raw)
	}
	target.endpoint = u.Host
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), port)
	}
	if p := strings.TrimSuffix(u.Path, "/"); p != "" {
		target.path = p
	}
	return target, nil
}
