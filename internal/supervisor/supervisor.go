// Package supervisor runs every configured runner concurrently and turns
// a termination signal into an orderly stop: in-flight guest commands
// are killed, health checks cancelled and every active VM torn down
// before the process exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terrpan/sand/internal/orchestrator"
)

// SignalError reports that the run ended because of a signal.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("terminated by signal %s", e.Signal)
}

// ExitCode is 128 plus the signal number, as shells report it.
func (e *SignalError) ExitCode() int {
	if s, ok := e.Signal.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

// Runner is what the supervisor needs from an orchestrated runner.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	Control() *orchestrator.Control
	Shutdown() *orchestrator.ShutdownCoordinator
}

// Compile-time check.
var _ Runner = (*orchestrator.Runner)(nil)

// Config holds the parameters of a Supervisor.
type Config struct {
	Runners []Runner
	// Signals overrides the process signal subscription.  When nil,
	// SIGINT and SIGTERM are captured.
	Signals <-chan os.Signal
	// DrainTimeout bounds the wait for runners to return after a signal.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Supervisor runs a set of runners.
type Supervisor struct {
	runners      []Runner
	signals      <-chan os.Signal
	drainTimeout time.Duration
	logger       *slog.Logger

	once sync.Once
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Minute
	}
	return &Supervisor{
		runners:      cfg.Runners,
		signals:      cfg.Signals,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger.WithGroup("supervisor"),
	}
}

// Run starts every runner and blocks until all of them returned, one of
// them failed, or a signal arrived.  A runner error cancels the others
// and is returned.  A signal yields *SignalError.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := s.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, r := range s.runners {
		s.logger.Info("starting runner", slog.String("runner", r.Name()))
		g.Go(func() error {
			err := r.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("runner failed",
					slog.String("runner", r.Name()),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("runner %s: %w", r.Name(), err)
			}
			s.logger.Info("runner finished", slog.String("runner", r.Name()))
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		// Cancel first: a command killed under a live context reads as a
		// stage failure.
		cancel()
		s.Interrupt(ctx, sig)

		t := time.NewTimer(s.drainTimeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			s.logger.Warn("runners did not stop in time", slog.Duration("timeout", s.drainTimeout))
		}
		return &SignalError{Signal: sig}
	}
}

// Interrupt stops all in-flight work and tears down every active VM.
// Only the first call has an effect.
func (s *Supervisor) Interrupt(ctx context.Context, sig os.Signal) {
	s.once.Do(func() {
		s.logger.Warn("received signal, shutting down", slog.String("signal", sig.String()))

		for _, r := range s.runners {
			c := r.Control()
			c.TerminateProvisioning()
			c.CancelHealthCheck()
		}

		var wg sync.WaitGroup
		for _, r := range s.runners {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Shutdown().Cleanup(ctx, "signal "+sig.String())
			}()
		}
		wg.Wait()
	})
}
