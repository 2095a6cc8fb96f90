package postbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/clock"
	"pkt.systems/postbox/internal/httpapi"
	"pkt.systems/postbox/internal/ingest"
	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/storage"
	"pkt.systems/postbox/internal/store"
	"pkt.systems/postbox/internal/supervisor"
)

// Server owns the store, the ingest receiver, the HTTP front door and
// telemetry, and runs the two long-lived services under one supervisor.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	store     *store.Store
	sender    ingest.Sender
	source    ingest.Source
	receiver  *ingest.Receiver
	handler   *httpapi.Handler
	httpSrv   *http.Server
	telemetry *telemetryBundle

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	stopped  chan struct{}
	shutdown bool

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects the clock used to timestamp appended records.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer validates cfg, opens and bootstraps the store and binds the
// ingest transport. A missing document is created as {}; a corrupt one is
// fatal.
//
//	srv, err := postbox.NewServer(postbox.Config{Root: "/srv/postbox"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Ensure(o.Logger)
	s := &Server{
		cfg:     cfg,
		logger:  logging.WithSubsystem(logger, "server"),
		readyCh: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			s.closeResources(context.Background())
		}
	}()

	ctx := context.Background()
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, logging.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = telemetry

	backend := o.Backend
	if backend == nil {
		backend, err = OpenBackend(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.Store, err)
		}
	}
	s.backend = backend
	storeOpts := []store.Option{store.WithLogger(logger)}
	if o.Clock != nil {
		storeOpts = append(storeOpts, store.WithClock(o.Clock))
	}
	s.store = store.New(backend, storeOpts...)
	created, err := s.store.Init(ctx)
	if err != nil {
		return nil, err
	}
	entries, size, err := s.store.Len(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("store.ready", "location", s.store.Location(), "created", created, "entries", entries, "bytes", size)

	if err := s.openTransport(); err != nil {
		return nil, err
	}
	s.receiver = ingest.NewReceiver(s.source, s.store,
		ingest.WithLogger(logger),
		ingest.WithAppendTimeout(cfg.AppendTimeout),
	)

	var hidden []string
	if dir := cfg.StorageDir(); dir != "" {
		hidden = append(hidden, dir)
	}
	s.handler, err = httpapi.New(httpapi.Config{
		Root:           cfg.Root,
		HiddenDirs:     hidden,
		Sender:         s.sender,
		FormMax:        cfg.FormMaxBytes,
		Logger:         logger,
		TracingEnabled: cfg.OTLPEndpoint != "",
		WatchPages:     !cfg.DisablePageWatch,
	})
	if err != nil {
		return nil, err
	}
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	ok = true
	return s, nil
}

func (s *Server) openTransport() error {
	switch s.cfg.IngestTransport {
	case IngestTransportLocal:
		q := ingest.NewQueue(s.cfg.IngestQueueSize)
		s.sender, s.source = q, q
		s.logger.Info("ingest.transport", "kind", IngestTransportLocal, "queue_size", s.cfg.IngestQueueSize)
		return nil
	default:
		source, err := ingest.ListenUDP(s.cfg.IngestListen)
		if err != nil {
			return err
		}
		s.source = source
		sender, err := ingest.DialUDP(source.Addr().String())
		if err != nil {
			return err
		}
		s.sender = sender
		s.logger.Info("ingest.transport", "kind", IngestTransportUDP, "address", source.Addr().String())
		return nil
	}
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln, nil
}

// Handler exposes the front door for in-process tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Store exposes the document store.
func (s *Server) Store() *store.Store { return s.store }

// Start binds the HTTP listener and runs the front door and the ingest
// receiver under a supervisor until Shutdown. It returns nil on a clean
// stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("postbox: server already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.stopped)

	ln, err := s.listen()
	if err != nil {
		cancel()
		return err
	}
	tree := supervisor.New("postbox", s.logger, supervisor.Config{
		FailureThreshold: s.cfg.SupervisorFailureThreshold,
		FailureBackoff:   s.cfg.SupervisorFailureBackoff,
		ShutdownTimeout:  s.cfg.ShutdownTimeout,
	})
	tree.Add(supervisor.NewHTTPService("http", s.httpSrv, ln, s.listen, s.cfg.ShutdownTimeout, s.logger))
	tree.Add(s.receiver)

	s.logger.Info("listening", "address", ln.Addr().String(), "root", s.cfg.Root, "store", s.store.Location())
	s.signalReady()
	err = tree.Serve(ctx)
	if unstopped := tree.Unstopped(); len(unstopped) > 0 {
		s.logger.Warn("supervisor.unstopped", "services", unstopped)
	}
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

// Shutdown stops both services together, waits for them within ctx and
// releases the transport, store and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()

	var waitErr error
	if cancel != nil {
		cancel()
		select {
		case <-s.stopped:
		case <-ctx.Done():
			waitErr = fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	if err := s.closeResources(ctx); err != nil {
		return errors.Join(waitErr, err)
	}
	s.logger.Info("shutdown.complete")
	return waitErr
}

// Close shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout+time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) closeResources(ctx context.Context) error {
	var errs []error
	if s.handler != nil {
		errs = append(errs, s.handler.Close())
	}
	if s.sender != nil {
		errs = append(errs, s.sender.Close())
	}
	// A queue transport is both sender and source.
	if s.source != nil && any(s.source) != any(s.sender) {
		errs = append(errs, s.source.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	} else if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		errs = append(errs, s.telemetry.Shutdown(telemetryCtx))
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the HTTP listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.stopped:
		return errors.New("postbox: server stopped before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound HTTP address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IngestAddr returns the datagram address of a UDP transport, or nil.
func (s *Server) IngestAddr() net.Addr {
	if src, ok := s.source.(*ingest.UDPSource); ok {
		return src.Addr()
	}
	return nil
}

// StartServer constructs and starts a server, returning once it is ready. The
// returned stop func shuts it down; cancelling ctx does the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := srv.WaitUntilReady(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			stopErr = <-errCh
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
