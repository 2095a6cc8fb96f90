// Package supervisor runs postbox's long-lived services (the HTTP front
// door and the ingest receiver) as peers under a suture tree: each one is
// restarted with backoff when it fails and all of them stop together when
// the tree's context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"
	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/logging"
)

// Config tunes restart and shutdown behaviour. Zero values take suture's
// defaults.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	// ShutdownTimeout bounds how long each service may take to stop.
	ShutdownTimeout time.Duration
}

// Tree is a named supervisor.
type Tree struct {
	sup    *suture.Supervisor
	logger pslog.Logger
}

// New constructs a Tree whose events are logged through logger.
func New(name string, logger pslog.Logger, cfg Config) *Tree {
	logger = logging.WithSubsystem(logger, "supervisor")
	t := &Tree{logger: logger}
	t.sup = suture.New(name, suture.Spec{
		EventHook:        t.logEvent,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return t
}

// Add registers svc; it starts immediately when the tree is already serving.
func (t *Tree) Add(svc suture.Service) suture.ServiceToken {
	return t.sup.Add(svc)
}

// Serve runs the tree until ctx is cancelled. Cancellation is a clean stop
// and yields nil.
func (t *Tree) Serve(ctx context.Context) error {
	err := t.sup.Serve(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// ServeBackground runs Serve on a new goroutine; the channel receives its
// result.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- t.Serve(ctx) }()
	return ch
}

// Unstopped lists services that did not stop within the shutdown timeout.
// It only returns once the tree has finished stopping.
func (t *Tree) Unstopped() []string {
	report, err := t.sup.UnstoppedServiceReport()
	if err != nil {
		t.logger.Warn("supervisor.unstopped_report.error", "error", err)
		return nil
	}
	names := make([]string, 0, len(report))
	for _, svc := range report {
		names = append(names, svc.Name)
	}
	return names
}

func (t *Tree) logEvent(ev suture.Event) {
	switch e := ev.(type) {
	case suture.EventServiceTerminate:
		t.logger.Warn("supervisor.service.terminate",
			"supervisor", e.SupervisorName,
			"service", e.ServiceName,
			"failures", e.CurrentFailures,
			"threshold", e.FailureThreshold,
			"restarting", e.Restarting,
			"error", e.Err,
		)
	case suture.EventServicePanic:
		t.logger.Error("supervisor.service.panic",
			"supervisor", e.SupervisorName,
			"service", e.ServiceName,
			"restarting", e.Restarting,
			"panic", e.PanicMsg,
			"stack", e.Stacktrace,
		)
	case suture.EventBackoff:
		t.logger.Warn("supervisor.backoff", "supervisor", e.SupervisorName)
	case suture.EventResume:
		t.logger.Info("supervisor.resume", "supervisor", e.SupervisorName)
	case suture.EventStopTimeout:
		t.logger.Error("supervisor.stop_timeout", "supervisor", e.SupervisorName, "service", e.ServiceName)
	default:
		t.logger.Info("supervisor.event", "event", ev.String())
	}
}

// Func adapts a function into a named suture.Service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve implements suture.Service.
func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }

// String names the service in supervisor events.
func (f Func) String() string { return f.Name }
