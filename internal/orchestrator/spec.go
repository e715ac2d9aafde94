package orchestrator

import (
	"path"
	"time"

	"github.com/terrpan/sand/internal/github"
	"github.com/terrpan/sand/internal/vm"
)

// ProvisionerType selects the workload run inside the guest.
type ProvisionerType string

const (
	ProvisionerScript ProvisionerType = "script"
	ProvisionerGitHub ProvisionerType = "github"
)

// ProvisionerSpec is either an inline script or GitHub runner
// registration parameters, depending on Type.
type ProvisionerSpec struct {
	Type   ProvisionerType
	Script string
	GitHub *github.RunnerConfig
}

// CacheSpec is a host directory shared with the guest to keep downloads
// across cycles.
type CacheSpec struct {
	HostPath string
	Name     string
}

// Spec is the immutable configuration of one runner.
type Spec struct {
	// Name is both the runner name and the fixed VM name.
	Name     string
	Source   string
	Hardware vm.Hardware
	Run      vm.RunOptions
	Cache    *CacheSpec

	// ConnectMaxRetries bounds the SSH readiness polls.
	ConnectMaxRetries int

	Provisioner ProvisionerSpec
	PreRun      string
	PostRun     string

	// StopAfter, when set, bounds Run to that many cycles and makes
	// stage failures fatal instead of restarting.
	StopAfter *int

	HealthCheck *HealthCheckSpec
}

// RunOptions returns the boot options with the cache mount appended.
func (s Spec) RunOptions() vm.RunOptions {
	opts := s.Run
	opts.Mounts = append([]vm.DirectoryMount(nil), s.Run.Mounts...)
	if s.Cache != nil {
		opts.Mounts = append(opts.Mounts, vm.DirectoryMount{
			HostPath: s.Cache.HostPath,
			Name:     s.Cache.Name,
		})
	}
	return opts
}

// GuestCacheDir is where the cache mount appears inside the guest, or ""
// without a cache.
func (s Spec) GuestCacheDir() string {
	if s.Cache == nil {
		return ""
	}
	return path.Join(vm.GuestShareRoot, s.Cache.Name)
}

// Timing holds the waits and retry ceilings of a cycle.  Zero fields take
// the values of DefaultTiming.
type Timing struct {
	SSHPollInterval    time.Duration
	StoppedChecksLimit int
	IPAttempts         int
	IPRetryDelay       time.Duration
	IPWait             time.Duration
	HealthIPWait       time.Duration
	HealthGraceMin     time.Duration
	HealthProbeTimeout time.Duration
	StopTimeout        time.Duration
	CleanupTimeout     time.Duration
	TerminateWait      time.Duration
	SSHRetryDelays     []time.Duration
}

// DefaultTiming returns the production timings.
func DefaultTiming() Timing {
	return Timing{
		SSHPollInterval:    time.Second,
		StoppedChecksLimit: 5,
		IPAttempts:         3,
		IPRetryDelay:       5 * time.Second,
		IPWait:             60 * time.Second,
		HealthIPWait:       5 * time.Second,
		HealthGraceMin:     10 * time.Second,
		HealthProbeTimeout: time.Minute,
		StopTimeout:        30 * time.Second,
		CleanupTimeout:     2 * time.Minute,
		TerminateWait:      10 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.SSHPollInterval <= 0 {
		t.SSHPollInterval = d.SSHPollInterval
	}
	if t.StoppedChecksLimit <= 0 {
		t.StoppedChecksLimit = d.StoppedChecksLimit
	}
	if t.IPAttempts <= 0 {
		t.IPAttempts = d.IPAttempts
	}
	if t.IPRetryDelay <= 0 {
		t.IPRetryDelay = d.IPRetryDelay
	}
	if t.IPWait <= 0 {
		t.IPWait = d.IPWait
	}
	if t.HealthIPWait <= 0 {
		t.HealthIPWait = d.HealthIPWait
	}
	if t.HealthGraceMin <= 0 {
		t.HealthGraceMin = d.HealthGraceMin
	}
	if t.HealthProbeTimeout <= 0 {
		t.HealthProbeTimeout = d.HealthProbeTimeout
	}
	if t.StopTimeout <= 0 {
		t.StopTimeout = d.StopTimeout
	}
	if t.CleanupTimeout <= 0 {
		t.CleanupTimeout = d.CleanupTimeout
	}
	if t.TerminateWait <= 0 {
		t.TerminateWait = d.TerminateWait
	}
	return t
}
