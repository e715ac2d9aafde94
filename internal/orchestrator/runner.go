// Package orchestrator drives ephemeral runner VMs through repeated
// cycles: clone a fresh VM, boot it, run the provisioner inside it under
// an optional health check, then tear it down.  Failures inside a cycle
// are turned into restarts with backoff rather than errors, unless the
// runner is bounded by a cycle count.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/sand/internal/github"
	"github.com/terrpan/sand/internal/remote"
	"github.com/terrpan/sand/internal/vm"
)

// TokenSource issues GitHub runner registration tokens.
type TokenSource interface {
	RegistrationToken(ctx context.Context) (string, error)
}

// VersionSource names the actions/runner version to install.  It must
// always return a usable version.
type VersionSource interface {
	Resolve(ctx context.Context) string
}

// Config holds the collaborators of a Runner.
type Config struct {
	Spec        Spec
	Driver      vm.Driver
	NewExecutor remote.Factory
	// Tokens and Versions are required for the github provisioner only.
	Tokens   TokenSource
	Versions VersionSource
	Backoff  BackoffPolicy
	Timing   Timing
	Logger   *slog.Logger
}

var errSSHNotReady = errors.New("ssh did not become ready")

// Runner drives one runner through its cycles.
type Runner struct {
	spec        Spec
	driver      vm.Driver
	newExecutor remote.Factory
	tokens      TokenSource
	versions    VersionSource
	timing      Timing
	logger      *slog.Logger

	backoff  *Backoff
	control  *Control
	shutdown *ShutdownCoordinator

	sleep func(context.Context, time.Duration) error
	now   func() time.Time

	statusMu sync.Mutex
	status   Status

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	cyclesStarted     metric.Int64Counter
	restartsScheduled metric.Int64Counter
	healthFailures    metric.Int64Counter
	cycleDuration     metric.Float64Histogram
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Spec.Name == "" {
		return nil, errors.New("runner name is required")
	}
	if cfg.Driver == nil {
		return nil, errors.New("vm driver is required")
	}
	if cfg.NewExecutor == nil {
		return nil, errors.New("remote executor factory is required")
	}
	if cfg.Spec.Provisioner.Type == ProvisionerGitHub {
		if cfg.Spec.Provisioner.GitHub == nil {
			return nil, errors.New("github provisioner needs runner settings")
		}
		if cfg.Tokens == nil || cfg.Versions == nil {
			return nil, errors.New("github provisioner needs a token and version source")
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Spec.ConnectMaxRetries <= 0 {
		cfg.Spec.ConnectMaxRetries = 60
	}

	timing := cfg.Timing.withDefaults()
	logger := cfg.Logger.With(slog.String("runner", cfg.Spec.Name))

	r := &Runner{
		spec:        cfg.Spec,
		driver:      cfg.Driver,
		newExecutor: cfg.NewExecutor,
		tokens:      cfg.Tokens,
		versions:    cfg.Versions,
		timing:      timing,
		logger:      logger,
		backoff:     NewBackoff(cfg.Backoff),
		control:     NewControl(),
		shutdown: NewShutdownCoordinator(
			NewDestroyer(cfg.Driver, timing.StopTimeout, logger),
			timing.CleanupTimeout,
			logger,
		),
		sleep:  remote.Sleep,
		now:    time.Now,
		status: Status{Name: cfg.Spec.Name, Phase: PhaseIdle},
		tracer: otel.Tracer("sand/orchestrator"),
		meter:  otel.Meter("sand/orchestrator"),
	}
	r.initMetrics()
	return r, nil
}

func (r *Runner) initMetrics() {
	var err error
	r.cyclesStarted, err = r.meter.Int64Counter(
		"sand.cycles.started",
		metric.WithDescription("Total number of runner cycles started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.logger.Warn("failed to create cyclesStarted counter", slog.String("error", err.Error()))
	}

	r.restartsScheduled, err = r.meter.Int64Counter(
		"sand.restarts.scheduled",
		metric.WithDescription("Total number of restarts scheduled, by reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.logger.Warn("failed to create restartsScheduled counter", slog.String("error", err.Error()))
	}

	r.healthFailures, err = r.meter.Int64Counter(
		"sand.healthcheck.failures",
		metric.WithDescription("Total number of failed health checks"),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.logger.Warn("failed to create healthFailures counter", slog.String("error", err.Error()))
	}

	r.cycleDuration, err = r.meter.Float64Histogram(
		"sand.cycle.duration",
		metric.WithDescription("Duration of a runner cycle (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 900, 1800, 3600, 7200),
	)
	if err != nil {
		r.logger.Warn("failed to create cycleDuration histogram", slog.String("error", err.Error()))
	}
}

// Name returns the runner name.
func (r *Runner) Name() string { return r.spec.Name }

// Control returns the handle used to stop in-flight work.
func (r *Runner) Control() *Control { return r.control }

// Shutdown returns the coordinator owning the active VM.
func (r *Runner) Shutdown() *ShutdownCoordinator { return r.shutdown }

// Backoff returns the restart state.
func (r *Runner) Backoff() *Backoff { return r.backoff }

// Run executes cycles until ctx is done, a bounded runner completed its
// StopAfter cycles, or a cycle fails in a way that cannot be restarted.
func (r *Runner) Run(ctx context.Context) error {
	defer r.setPhase(PhaseStopped)

	for cycle := 1; ; cycle++ {
		if r.spec.StopAfter != nil && cycle > *r.spec.StopAfter {
			r.logger.Info("stop_after reached", slog.Int("cycles", *r.spec.StopAfter))
			return nil
		}
		if err := r.runCycle(ctx, cycle); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Cycle
// ---------------------------------------------------------------------------

func (r *Runner) runCycle(ctx context.Context, cycle int) (err error) {
	cycleID := uuid.NewString()
	logger := r.logger.With(slog.Int("cycle", cycle), slog.String("cycleID", cycleID))

	ctx, span := r.tracer.Start(ctx, "orchestrator.cycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.name", r.spec.Name),
		attribute.Int("runner.cycle", cycle),
		attribute.String("runner.cycle_id", cycleID),
	)

	start := r.now()
	r.beginCycle(cycle)
	if r.cyclesStarted != nil {
		r.cyclesStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("runner", r.spec.Name)))
	}
	defer func() {
		if r.cycleDuration != nil {
			r.cycleDuration.Record(ctx, r.now().Sub(start).Seconds(),
				metric.WithAttributes(attribute.String("runner", r.spec.Name)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.endCycle()
	}()

	// 1. Wait out a pending restart.
	if delay, reason := r.backoff.TakePending(); reason != nil {
		r.setPhase(PhaseBackoff)
		logger.Info("waiting before restart",
			slog.String("reason", reason.String()),
			slog.Duration("delay", delay),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	// 2. Make sure the source image is local.
	r.setPhase(PhasePreparing)
	logger.Info("preparing source", slog.String("source", r.spec.Source))
	if err := r.driver.Prepare(ctx, r.spec.Source); err != nil {
		return fmt.Errorf("prepare source %s: %w", r.spec.Source, err)
	}

	// 3. Remove leftovers of a previous crash.
	r.preflight(ctx, logger)

	// 4. Clone.  From here every exit goes through cleanup.
	logger.Info("cloning vm", slog.String("vm", r.spec.Name))
	if err := r.driver.Clone(ctx, r.spec.Source, r.spec.Name); err != nil {
		return fmt.Errorf("clone %s: %w", r.spec.Name, err)
	}
	r.shutdown.Activate(r.spec.Name)
	defer func() {
		r.setPhase(PhaseCleanup)
		r.shutdown.Cleanup(ctx, "cycle finished")
	}()

	health := NewHealthState()

	// 5. Hardware overrides.
	if !r.spec.Hardware.Empty() {
		logger.Info("configuring vm")
		if err := r.driver.Configure(ctx, r.spec.Name, r.spec.Hardware); err != nil {
			return fmt.Errorf("configure %s: %w", r.spec.Name, err)
		}
	}

	// 6. Boot.
	r.setPhase(PhaseBooting)
	logger.Info("booting vm")
	if err := r.driver.Boot(ctx, r.spec.Name, r.spec.RunOptions()); err != nil {
		return fmt.Errorf("boot %s: %w", r.spec.Name, err)
	}

	// 7. Guest address.
	ip, err := r.resolveIP(ctx, logger)
	if err != nil {
		return r.handleStageFailure(ctx, logger, health, err, IPNotReady())
	}
	logger.Info("vm ip resolved", slog.String("ip", ip))
	exec := r.newExecutor(ip)

	// 8. SSH readiness.
	r.setPhase(PhaseWaitingSSH)
	ready, err := r.waitForSSH(ctx, exec, logger)
	if err != nil {
		return err
	}
	if !ready {
		return r.handleStageFailure(ctx, logger, health, errSSHNotReady, SSHNotReady())
	}
	logger.Info("ssh ready")

	// 9. preRun.
	if r.spec.PreRun != "" {
		r.setPhase(PhasePreRun)
		if err := r.runStage(ctx, exec, "preRun", r.spec.PreRun, logger); err != nil {
			return r.handleStageFailure(ctx, logger, health, err, StageFailed("preRun"))
		}
	}

	// 10. Health monitor.
	stopHealth := r.startHealthMonitor(ctx, health, logger)
	defer stopHealth()

	// 11. Provisioner.
	r.setPhase(PhaseProvisioning)
	if err := r.provision(ctx, exec, health, logger); err != nil {
		return r.handleStageFailure(ctx, logger, health, err, StageFailed("provisioner"))
	}

	// 12. postRun, still under the health check.
	if r.spec.PostRun != "" {
		r.setPhase(PhasePostRun)
		if err := r.runGuarded(ctx, exec, "postRun", r.spec.PostRun, health, logger); err != nil {
			return r.handleStageFailure(ctx, logger, health, err, StageFailed("postRun"))
		}
	}

	// 13. Finalize.
	stopHealth()
	if msg, failed := health.FailureMessage(); failed {
		r.scheduleRestart(ctx, logger, HealthCheckFailed(msg))
		return nil
	}
	if r.spec.Provisioner.Type == ProvisionerGitHub {
		r.scheduleRestart(ctx, logger, ProvisionerExited())
		return nil
	}
	r.backoff.Reset()
	logger.Info("cycle completed")
	return nil
}

// handleStageFailure decides whether a failed stage restarts the runner
// or ends Run.  A recorded health failure always wins.
func (r *Runner) handleStageFailure(ctx context.Context, logger *slog.Logger, health *HealthState, err error, reason RestartReason) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if msg, failed := health.FailureMessage(); failed {
		logger.Warn("stage ended by health check failure",
			slog.String("stage", reason.String()),
			slog.String("error", err.Error()),
		)
		r.scheduleRestart(ctx, logger, HealthCheckFailed(msg))
		return nil
	}
	if r.spec.StopAfter == nil {
		logger.Warn("stage failed", slog.String("stage", reason.String()), slog.String("error", err.Error()))
		r.scheduleRestart(ctx, logger, reason)
		return nil
	}
	return fmt.Errorf("%s: %w", reason, err)
}

func (r *Runner) scheduleRestart(ctx context.Context, logger *slog.Logger, reason RestartReason) {
	delay := r.backoff.Schedule(reason)
	if r.restartsScheduled != nil {
		r.restartsScheduled.Add(ctx, 1, metric.WithAttributes(
			attribute.String("runner", r.spec.Name),
			attribute.String("reason", reason.Kind.String()),
		))
	}
	r.setLastRestart(reason)
	logger.Warn("restart scheduled",
		slog.String("reason", reason.String()),
		slog.Duration("delay", delay),
		slog.Int("attempt", r.backoff.Snapshot().Attempt),
	)
}

// preflight stops and removes a VM left over under our name.  Errors are
// logged only; the clone that follows reports anything fatal.
func (r *Runner) preflight(ctx context.Context, logger *slog.Logger) {
	status, err := r.driver.Status(ctx, r.spec.Name)
	if err != nil {
		logger.Warn("preflight status failed", slog.String("error", err.Error()))
		return
	}
	if status == vm.StatusMissing {
		return
	}

	logger.Warn("found stale vm", slog.String("vm", r.spec.Name), slog.String("status", status.String()))
	if status == vm.StatusRunning {
		if err := r.driver.Stop(ctx, r.spec.Name, r.timing.StopTimeout); err != nil {
			logger.Warn("preflight stop failed", slog.String("error", err.Error()))
		}
	}
	if err := r.driver.Delete(ctx, r.spec.Name); err != nil {
		logger.Warn("preflight delete failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) resolveIP(ctx context.Context, logger *slog.Logger) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.timing.IPAttempts; attempt++ {
		ip, err := r.driver.IP(ctx, r.spec.Name, r.timing.IPWait)
		if err == nil {
			return ip, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		logger.Warn("vm ip not available",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", r.timing.IPAttempts),
			slog.String("error", err.Error()),
		)
		if attempt < r.timing.IPAttempts {
			if err := r.sleep(ctx, r.timing.IPRetryDelay); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("resolve ip after %d attempts: %w", r.timing.IPAttempts, lastErr)
}

// waitForSSH polls until the guest accepts an SSH session.  It returns
// false when the retries ran out or the VM went away.
func (r *Runner) waitForSSH(ctx context.Context, exec remote.Executor, logger *slog.Logger) (bool, error) {
	stopped := 0
	for attempt := 1; attempt <= r.spec.ConnectMaxRetries; attempt++ {
		status, err := r.driver.Status(ctx, r.spec.Name)
		switch {
		case err != nil:
			logger.Debug("vm status unavailable", slog.String("error", err.Error()))
		case status == vm.StatusMissing:
			logger.Warn("vm disappeared while waiting for ssh")
			return false, nil
		case status == vm.StatusStopped:
			stopped++
			if stopped >= r.timing.StoppedChecksLimit {
				logger.Warn("vm stopped while waiting for ssh", slog.Int("checks", stopped))
				return false, nil
			}
		default:
			stopped = 0
		}

		if err != nil || status != vm.StatusStopped {
			cerr := exec.CheckConnection(ctx)
			if cerr == nil {
				return true, nil
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logger.Debug("ssh not ready",
				slog.Int("attempt", attempt),
				slog.Int("maxAttempts", r.spec.ConnectMaxRetries),
				slog.String("error", cerr.Error()),
			)
		}

		if err := r.sleep(ctx, r.timing.SSHPollInterval); err != nil {
			return false, err
		}
	}
	logger.Warn("ssh connect retries exhausted", slog.Int("retries", r.spec.ConnectMaxRetries))
	return false, nil
}

// runStage runs the preRun command with transport retries.
func (r *Runner) runStage(ctx context.Context, exec remote.Executor, stage, command string, logger *slog.Logger) error {
	logger.Info("running stage", slog.String("stage", stage))
	res, err := remote.ExecWithRetry(ctx, exec, command, r.timing.SSHRetryDelays, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	logOutput(logger, stage, res)
	return res.Err(command)
}

// ---------------------------------------------------------------------------
// Provisioning
// ---------------------------------------------------------------------------

type provisionStep struct {
	name    string
	command string
}

func (r *Runner) provision(ctx context.Context, exec remote.Executor, health *HealthState, logger *slog.Logger) error {
	var steps []provisionStep
	switch r.spec.Provisioner.Type {
	case ProvisionerGitHub:
		gh := r.spec.Provisioner.GitHub
		version := r.versions.Resolve(ctx)
		logger.Info("fetching registration token", slog.String("runnerVersion", version))
		token, err := r.tokens.RegistrationToken(ctx)
		if err != nil {
			return fmt.Errorf("registration token: %w", err)
		}
		steps = []provisionStep{
			{name: "install", command: github.InstallScript(version, r.spec.GuestCacheDir())},
			{name: "configure", command: github.ConfigureScript(*gh, token)},
			{name: "run", command: github.RunScript()},
		}
	default:
		steps = []provisionStep{{name: "script", command: r.spec.Provisioner.Script}}
	}

	for _, step := range steps {
		logger.Info("provisioning", slog.String("step", step.name))
		if err := r.runGuarded(ctx, exec, "provisioner "+step.name, step.command, health, logger); err != nil {
			return err
		}
	}
	return nil
}

// runGuarded runs one guest command through runRaced and turns a
// non-zero exit into an error.
func (r *Runner) runGuarded(ctx context.Context, exec remote.Executor, stage, command string, health *HealthState, logger *slog.Logger) error {
	res, err := r.runRaced(ctx, exec, command, health, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	logOutput(logger, stage, res)
	if err := res.Err(command); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

// runRaced starts command and waits for it to finish, for the health
// check to fail, or for ctx, whichever happens first.  The command is
// terminated if it did not finish on its own.  Transport failures while
// starting it are retried.
func (r *Runner) runRaced(ctx context.Context, exec remote.Executor, command string, health *HealthState, logger *slog.Logger) (remote.Result, error) {
	if _, failed := health.FailureMessage(); failed {
		return remote.Result{}, ErrHealthCheckFailed
	}

	h, err := remote.StartWithRetry(ctx, exec, command, r.timing.SSHRetryDelays, logger)
	if err != nil {
		return remote.Result{}, err
	}
	r.control.SetProvisioning(h)
	defer r.control.ClearProvisioning(h)

	select {
	case <-h.Done():
		return h.Result()
	case <-health.Failed():
		r.terminate(h)
		return remote.Result{}, ErrHealthCheckFailed
	case <-ctx.Done():
		r.terminate(h)
		return remote.Result{}, ctx.Err()
	}
}

func (r *Runner) terminate(h remote.Handle) {
	h.Terminate()
	t := time.NewTimer(r.timing.TerminateWait)
	defer t.Stop()
	select {
	case <-h.Done():
	case <-t.C:
		r.logger.Warn("provisioning command did not exit after terminate")
	}
}

// startHealthMonitor launches the monitor if one is configured and
// returns an idempotent stop function that waits for it to exit.
func (r *Runner) startHealthMonitor(ctx context.Context, health *HealthState, logger *slog.Logger) func() {
	if r.spec.HealthCheck == nil {
		return func() {}
	}

	hctx, cancel := context.WithCancel(ctx)
	task := &healthTask{cancel: cancel, done: make(chan struct{})}
	m := &healthMonitor{
		spec:        *r.spec.HealthCheck,
		vmName:      r.spec.Name,
		driver:      r.driver,
		newExecutor: r.newExecutor,
		state:       health,
		control:     r.control,
		ipWait:      r.timing.HealthIPWait,
		graceMin:    r.timing.HealthGraceMin,
		sleep:       r.sleep,
		now:         r.now,
		failures:    r.healthFailures,
		logger:      logger.WithGroup("healthcheck"),

		probeTimeout: max(r.spec.HealthCheck.Interval, r.timing.HealthProbeTimeout),
	}
	r.control.setHealthCheck(task)
	go func() {
		defer close(task.done)
		m.run(hctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-task.done
			r.control.clearHealthCheck(task)
		})
	}
}

func logOutput(logger *slog.Logger, stage string, res remote.Result) {
	if res.Stdout != "" {
		logger.Debug("stage stdout", slog.String("stage", stage), slog.String("output", res.Stdout))
	}
	if res.Stderr != "" {
		logger.Debug("stage stderr", slog.String("stage", stage), slog.String("output", res.Stderr))
	}
}
