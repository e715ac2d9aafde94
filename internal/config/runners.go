package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/terrpan/sand/internal/github"
	"github.com/terrpan/sand/internal/orchestrator"
	"github.com/terrpan/sand/internal/process"
	"github.com/terrpan/sand/internal/remote"
	"github.com/terrpan/sand/internal/vm"
	"github.com/terrpan/sand/internal/vm/tart"
)

// ---------------------------------------------------------------------------
// Specs
// ---------------------------------------------------------------------------

// Spec converts a runner configuration into the orchestrator's view of
// it.  Call after ApplyDefaults.
func (r RunnerConfig) Spec() orchestrator.Spec {
	spec := orchestrator.Spec{
		Name:   r.Name,
		Source: r.VM.Source.Resolved(),
		Run: vm.RunOptions{
			NoGraphics:  r.VM.Run.NoGraphics,
			NoClipboard: r.VM.Run.NoClipboard,
		},
		StopAfter: r.StopAfter,
	}
	if r.VM.SSH.ConnectMaxRetries != nil {
		spec.ConnectMaxRetries = *r.VM.SSH.ConnectMaxRetries
	}
	if r.PreRun != nil {
		spec.PreRun = *r.PreRun
	}
	if r.PostRun != nil {
		spec.PostRun = *r.PostRun
	}

	if hw := r.VM.Hardware; hw != nil {
		spec.Hardware.CPUCores = hw.CPUCores
		if hw.RAMGB != nil {
			mb := *hw.RAMGB * 1024
			spec.Hardware.MemoryMB = &mb
		}
		if hw.Display != nil {
			spec.Hardware.Display = &vm.Display{
				Width:  hw.Display.Width,
				Height: hw.Display.Height,
				Unit:   hw.Display.Unit,
			}
			spec.Hardware.DisplayRefit = hw.Display.Refit
		}
		spec.Run.NoAudio = hw.Audio != nil && !*hw.Audio
	}
	spec.Hardware.DiskSizeGB = r.VM.DiskSizeGB

	for _, m := range r.VM.Mounts {
		spec.Run.Mounts = append(spec.Run.Mounts, vm.DirectoryMount{
			HostPath: m.Host,
			Name:     m.Name,
			ReadOnly: m.ReadOnly,
			Tag:      m.Tag,
		})
	}

	switch r.Provisioner.Type {
	case ProvisionerGitHub:
		spec.Provisioner.Type = orchestrator.ProvisionerGitHub
		if gh := r.Provisioner.GitHub; gh != nil {
			rc := &github.RunnerConfig{
				Organization: gh.Organization,
				RunnerName:   gh.RunnerName,
				ExtraLabels:  gh.ExtraLabels,
			}
			if gh.Repository != nil {
				rc.Repository = *gh.Repository
			}
			spec.Provisioner.GitHub = rc
		}
		// The cache only serves the runner download.
		if c := r.VM.Cache; c != nil {
			spec.Cache = &orchestrator.CacheSpec{HostPath: c.Host, Name: c.Name}
		}
	default:
		spec.Provisioner.Type = orchestrator.ProvisionerScript
		if r.Provisioner.Script != nil {
			spec.Provisioner.Script = r.Provisioner.Script.Run
		}
	}

	if hc := r.HealthCheck; hc != nil {
		spec.HealthCheck = &orchestrator.HealthCheckSpec{
			Command:  hc.Command,
			Interval: hc.IntervalDuration(),
			Delay:    hc.DelayDuration(),
		}
	}
	return spec
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewDriver creates a Tart driver.  `run` builds one per runner so each
// driver logs and reaps only its own VM.
func NewDriver(logger *slog.Logger) *tart.Driver {
	return tart.New(process.Exec{}, logger.WithGroup("tart"))
}

// NewExecutorFactory returns an SSH executor factory for the runner's
// guest credentials.
func (r RunnerConfig) NewExecutorFactory(logger *slog.Logger) remote.Factory {
	return remote.NewSSHFactory(remote.SSHConfig{
		Port:        r.VM.SSH.Port,
		User:        r.VM.SSH.User,
		Password:    r.VM.SSH.Password,
		DialTimeout: 10 * time.Second,
	}, logger.WithGroup("ssh"))
}

// NewGitHubSources creates the registration token service and the runner
// version resolver for a github runner.  Both are nil for script
// runners.
func (r RunnerConfig) NewGitHubSources(logger *slog.Logger) (*github.Service, *github.VersionResolver, error) {
	gh := r.Provisioner.GitHub
	if r.Provisioner.Type != ProvisionerGitHub || gh == nil {
		return nil, nil, nil
	}

	auth, err := github.LoadAppAuth(gh.AppID, gh.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("runner %s: %w", r.Name, err)
	}

	logger = logger.WithGroup("github")
	client := github.NewHTTPClient(logger)
	svcCfg := github.ServiceConfig{
		Auth:         auth,
		Organization: gh.Organization,
		HTTPClient:   client,
		Logger:       logger,
	}
	if gh.Repository != nil {
		svcCfg.Repository = *gh.Repository
	}

	cacheDir := ""
	if r.VM.Cache != nil {
		cacheDir = r.VM.Cache.Host
	}
	return github.NewService(svcCfg), github.NewVersionResolver(client, "", cacheDir, logger), nil
}

// NewRunner assembles an orchestrator.Runner for one runner entry.
func (r RunnerConfig) NewRunner(driver vm.Driver, logger *slog.Logger) (*orchestrator.Runner, error) {
	tokens, versions, err := r.NewGitHubSources(logger)
	if err != nil {
		return nil, err
	}

	cfg := orchestrator.Config{
		Spec:        r.Spec(),
		Driver:      driver,
		NewExecutor: r.NewExecutorFactory(logger),
		Logger:      logger,
	}
	// Typed nils must not leak into the interfaces.
	if tokens != nil {
		cfg.Tokens = tokens
	}
	if versions != nil {
		cfg.Versions = versions
	}
	return orchestrator.New(cfg)
}
