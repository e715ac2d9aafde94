package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/sand/internal/remote"
	"github.com/terrpan/sand/internal/vm"
)

// ErrHealthCheckFailed is returned when a stage was cut short by a failed
// health check.
var ErrHealthCheckFailed = errors.New("health check failed")

// HealthState is a one-shot failure latch shared between the health
// monitor and the cycle that waits on it.
type HealthState struct {
	mu      sync.Mutex
	message string
	failed  bool
	ch      chan struct{}
}

// NewHealthState creates an unset latch.
func NewHealthState() *HealthState {
	return &HealthState{ch: make(chan struct{})}
}

// MarkFailed records message and releases all waiters.  Only the first
// call has an effect; it reports whether this call set the latch.
func (h *HealthState) MarkFailed(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failed {
		return false
	}
	h.failed = true
	h.message = message
	close(h.ch)
	return true
}

// FailureMessage returns the recorded message, if any.
func (h *HealthState) FailureMessage() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.message, h.failed
}

// Failed is closed once the latch is set.
func (h *HealthState) Failed() <-chan struct{} { return h.ch }

// HealthCheckSpec configures the in-guest probe.
type HealthCheckSpec struct {
	Command  string
	Interval time.Duration
	Delay    time.Duration
}

const healthMarker = "__SAND_HEALTH_RC__="

// healthProbeScript runs command so that its exit code survives any
// `set -e` in the login profile and reaches us on a marker line.
func healthProbeScript(command string) string {
	return "set +e\n(\n" + command + "\n)\nrc=$?\nprintf '\\n" + healthMarker + "%s\\n' \"$rc\"\nexit 0\n"
}

// parseProbeOutput extracts the marker exit code and strips the marker
// line from stdout.
func parseProbeOutput(stdout string) (code int, output string, ok bool) {
	lines := strings.Split(stdout, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if rest, found := strings.CutPrefix(strings.TrimSpace(line), healthMarker); found {
			if n, err := strconv.Atoi(rest); err == nil {
				code, ok = n, true
				continue
			}
		}
		kept = append(kept, line)
	}
	return code, strings.TrimSpace(strings.Join(kept, "\n")), ok
}

// healthMonitor probes one VM until it fails or its context ends.
type healthMonitor struct {
	spec        HealthCheckSpec
	vmName      string
	driver      vm.Driver
	newExecutor remote.Factory
	state       *HealthState
	control     *Control
	ipWait      time.Duration
	graceMin    time.Duration
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
	failures    metric.Int64Counter
	logger      *slog.Logger

	// probeTimeout bounds one run of the command; zero means unbounded.
	probeTimeout time.Duration
}

// probeOutcome classifies one probe.
type probeOutcome int

const (
	probeHealthy probeOutcome = iota
	probeUnhealthy
	probeFatal
	probeError
)

func (m *healthMonitor) run(ctx context.Context) {
	m.logger.Info("health check pending", slog.Duration("delay", m.spec.Delay))
	if err := m.sleep(ctx, m.spec.Delay); err != nil {
		return
	}

	grace := max(m.spec.Interval, m.graceMin)
	activeSince := m.now()
	everSucceeded := false
	m.logger.Info("health check active",
		slog.Duration("interval", m.spec.Interval),
		slog.Duration("grace", grace),
	)

	for {
		outcome, msg := m.probe(ctx)
		if ctx.Err() != nil {
			return
		}

		switch outcome {
		case probeHealthy:
			if !everSucceeded {
				m.logger.Info("health check passed")
			}
			everSucceeded = true
		case probeError:
			m.logger.Warn("health check probe error, retrying", slog.String("error", msg))
		case probeUnhealthy:
			if !everSucceeded && m.now().Sub(activeSince) < grace {
				m.logger.Info("health check not passing yet, retrying", slog.String("reason", msg))
				break
			}
			m.fail(ctx, msg)
			return
		case probeFatal:
			m.fail(ctx, msg)
			return
		}

		if err := m.sleep(ctx, m.spec.Interval); err != nil {
			return
		}
	}
}

func (m *healthMonitor) fail(ctx context.Context, msg string) {
	if !m.state.MarkFailed(msg) {
		return
	}
	m.logger.Error("health check failed", slog.String("reason", msg))
	if m.failures != nil {
		m.failures.Add(ctx, 1)
	}
	if m.control.TerminateProvisioning() {
		m.logger.Info("terminated provisioning after health check failure")
	}
}

func (m *healthMonitor) probe(ctx context.Context) (probeOutcome, string) {
	status, err := m.driver.Status(ctx, m.vmName)
	if err != nil {
		return probeError, fmt.Sprintf("status: %v", err)
	}
	if status != vm.StatusRunning {
		return probeFatal, fmt.Sprintf("vm %s is %s", m.vmName, status)
	}

	ip, err := m.driver.IP(ctx, m.vmName, m.ipWait)
	if err != nil {
		return probeError, fmt.Sprintf("ip: %v", err)
	}

	pctx := ctx
	if m.probeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, m.probeTimeout)
		defer cancel()
	}
	res, err := m.newExecutor(ip).Exec(pctx, healthProbeScript(m.spec.Command))
	if err != nil {
		if ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return probeUnhealthy, fmt.Sprintf("command did not finish within %s", m.probeTimeout)
		}
		return probeError, err.Error()
	}

	code, output, ok := parseProbeOutput(res.Stdout)
	if !ok {
		code = res.ExitCode
	}
	if output != "" {
		m.logger.Debug("health check output", slog.String("output", output))
	}
	if code == 0 {
		return probeHealthy, ""
	}

	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = output
	}
	if detail == "" {
		return probeUnhealthy, fmt.Sprintf("command exited with code %d", code)
	}
	return probeUnhealthy, fmt.Sprintf("command exited with code %d: %s", code, detail)
}
