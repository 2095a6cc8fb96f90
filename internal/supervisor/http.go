package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/logging"
)

// HTTPService serves an http.Server as a supervised service. The first run
// uses the listener handed to NewHTTPService; restarts bind a fresh one via
// Listen.
type HTTPService struct {
	name            string
	srv             *http.Server
	listen          func() (net.Listener, error)
	shutdownTimeout time.Duration
	logger          pslog.Logger

	mu       sync.Mutex
	listener net.Listener
	current  net.Listener
}

// NewHTTPService wraps srv. ln is the already bound listener; listen rebinds
// after a failure.
func NewHTTPService(name string, srv *http.Server, ln net.Listener, listen func() (net.Listener, error), shutdownTimeout time.Duration, logger pslog.Logger) *HTTPService {
	return &HTTPService{
		name:            name,
		srv:             srv,
		listen:          listen,
		shutdownTimeout: shutdownTimeout,
		logger:          logging.WithSubsystem(logger, "supervisor."+name),
		listener:        ln,
	}
}

// String names the service in supervisor events.
func (s *HTTPService) String() string { return s.name }

// Addr returns the address being served, the pending listener's address
// before the first run, or nil.
func (s *HTTPService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.current != nil:
		return s.current.Addr()
	case s.listener != nil:
		return s.listener.Addr()
	}
	return nil
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for at most the shutdown timeout.
func (s *HTTPService) Serve(ctx context.Context) error {
	ln, err := s.takeListener()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.logger.Info("http.serve.start", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: serve: %w", s.name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http.shutdown.error", "error", err)
		_ = s.srv.Close()
	}
	<-errCh
	s.logger.Info("http.serve.stop")
	return ctx.Err()
}

func (s *HTTPService) takeListener() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		ln := s.listener
		// A listener is good for one run; the next run rebinds.
		s.listener = nil
		s.current = ln
		return ln, nil
	}
	if s.listen == nil {
		return nil, fmt.Errorf("%s: no listener", s.name)
	}
	ln, err := s.listen()
	if err != nil {
		return nil, fmt.Errorf("%s: listen: %w", s.name, err)
	}
	s.current = ln
	return ln, nil
}
