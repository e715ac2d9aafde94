package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/sand/internal/vm"
)

const defaultStopTimeout = 30 * time.Second

// VMDestroyer tears a VM down.
type VMDestroyer interface {
	Destroy(ctx context.Context, name string) error
}

// Destroyer stops then deletes a VM.  A failed stop is logged and the
// delete is still attempted, since a VM that is already stopped cannot
// be stopped again.
type Destroyer struct {
	driver      vm.Driver
	stopTimeout time.Duration
	logger      *slog.Logger
}

// Compile-time check.
var _ VMDestroyer = (*Destroyer)(nil)

// NewDestroyer creates a Destroyer.  A zero stopTimeout means 30s.
func NewDestroyer(driver vm.Driver, stopTimeout time.Duration, logger *slog.Logger) *Destroyer {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Destroyer{driver: driver, stopTimeout: stopTimeout, logger: logger}
}

// Destroy returns the delete error only.
func (d *Destroyer) Destroy(ctx context.Context, name string) error {
	d.logger.Info("stopping vm", slog.String("vm", name))
	if err := d.driver.Stop(ctx, name, d.stopTimeout); err != nil {
		d.logger.Warn("failed to stop vm",
			slog.String("vm", name),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("deleting vm", slog.String("vm", name))
	if err := d.driver.Delete(ctx, name); err != nil {
		d.logger.Warn("failed to delete vm",
			slog.String("vm", name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// ShutdownCoordinator owns the active VM of one runner and guarantees
// that its teardown runs at most once per activation, whichever of the
// cycle loop, the health failure path or a signal handler asks first.
type ShutdownCoordinator struct {
	destroyer VMDestroyer
	timeout   time.Duration
	logger    *slog.Logger
	cleanups  metric.Int64Counter

	mu      sync.Mutex
	active  string
	started bool
	done    chan struct{}
}

// NewShutdownCoordinator creates a coordinator.  timeout bounds a whole
// teardown; zero means two minutes.
func NewShutdownCoordinator(destroyer VMDestroyer, timeout time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := &ShutdownCoordinator{destroyer: destroyer, timeout: timeout, logger: logger}

	var err error
	s.cleanups, err = otel.Meter("sand/orchestrator").Int64Counter(
		"sand.vm.cleanups",
		metric.WithDescription("Total number of VM teardowns performed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create cleanups counter", slog.String("error", err.Error()))
	}
	return s
}

// Activate records name as the active VM and arms a new teardown.  Call
// it once per cycle, right after the clone succeeded.
func (s *ShutdownCoordinator) Activate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = name
	s.started = false
	s.done = make(chan struct{})
}

// ActiveName returns the VM that would be torn down, or "".
func (s *ShutdownCoordinator) ActiveName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ""
	}
	return s.active
}

// Cleanup tears down the active VM.  The first caller after Activate
// performs the teardown and returns true; concurrent callers wait for it
// to finish (or for ctx) and return false, as do calls with nothing
// active.  Driver errors are logged, never returned.  The teardown
// itself is detached from ctx cancellation so a cancelled cycle still
// removes its VM.
func (s *ShutdownCoordinator) Cleanup(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return false
	}
	if s.started {
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return false
	}
	s.started = true
	name, done := s.active, s.done
	s.mu.Unlock()

	s.logger.Info("cleaning up vm", slog.String("vm", name), slog.String("reason", reason))

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.destroyer.Destroy(tctx, name); err != nil {
		s.logger.Warn("vm cleanup incomplete",
			slog.String("vm", name),
			slog.String("error", err.Error()),
		)
	}
	if s.cleanups != nil {
		s.cleanups.Add(tctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}

	s.mu.Lock()
	if s.active == name && s.done == done {
		s.active = ""
	}
	s.mu.Unlock()
	close(done)
	return true
}
