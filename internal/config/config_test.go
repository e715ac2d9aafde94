package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/sand/internal/orchestrator"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func ptr[T any](v T) *T { return &v }

// validScriptConfig returns a minimal Config that passes Validate() with a
// single script runner.
func validScriptConfig() *Config {
	return &Config{
		Runners: []RunnerConfig{{
			Name: "ci-1",
			VM: VMConfig{
				Source: SourceConfig{Type: SourceOCI, Image: "ghcr.io/cirruslabs/macos-sequoia-base:latest"},
				SSH:    SSHConfig{User: "admin", Password: "admin"},
			},
			Provisioner: ProvisionerConfig{
				Type:   ProvisionerScript,
				Script: &ScriptConfig{Run: "echo hello"},
			},
		}},
	}
}

// validGitHubConfig returns a Config with a github runner whose key file
// and cache directory exist.
func validGitHubConfig(t *testing.T) *Config {
	dir := t.TempDir()
	key := filepath.Join(dir, "app.pem")
	require.NoError(t, os.WriteFile(key, []byte("not-a-real-key"), 0o600))
	cache := filepath.Join(dir, "runner-cache")
	require.NoError(t, os.Mkdir(cache, 0o755))

	cfg := validScriptConfig()
	cfg.Runners[0].Provisioner = ProvisionerConfig{
		Type: ProvisionerGitHub,
		GitHub: &GitHubConfig{
			AppID:          12345,
			Organization:   "acme",
			PrivateKeyPath: key,
			RunnerName:     "sand-ci-1",
			ExtraLabels:    []string{"xcode-16"},
		},
	}
	cfg.Runners[0].VM.Cache = &CacheConfig{Host: cache}
	return cfg
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidScriptConfig() {
	cfg := validScriptConfig()
	require.NoError(s.T(), cfg.Validate())
	assert.Empty(s.T(), cfg.Warnings())
}

func (s *ConfigValidationSuite) TestValidate_ValidGitHubConfig() {
	cfg := validGitHubConfig(s.T())
	require.NoError(s.T(), cfg.Validate())
	assert.Empty(s.T(), cfg.Warnings())
}

// ---------------------------------------------------------------------------
// Top level
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_NoRunners() {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runners must not be empty")
}

func (s *ConfigValidationSuite) TestValidate_InvalidLogLevel() {
	cfg := validScriptConfig()
	cfg.Logging.Level = "verbose"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "logging.level")
}

func (s *ConfigValidationSuite) TestValidate_DuplicateRunnerNames() {
	cfg := validScriptConfig()
	cfg.Runners = append(cfg.Runners, cfg.Runners[0])
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runner name must be unique: ci-1")
}

func (s *ConfigValidationSuite) TestValidate_EmptyRunnerName() {
	cfg := validScriptConfig()
	cfg.Runners[0].Name = "  "
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runner name must not be empty")
}

func (s *ConfigValidationSuite) TestValidate_RunnerNameWithSlash() {
	cfg := validScriptConfig()
	cfg.Runners[0].Name = "ci/1"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runner ci/1: name must not contain")
}

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_OCIMissingImage() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Source.Image = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runner ci-1: vm.source.image is required")
}

func (s *ConfigValidationSuite) TestValidate_LocalPathMissing() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Source = SourceConfig{Type: SourceLocal, Path: filepath.Join(s.T().TempDir(), "nope.bundle")}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "local vm path does not exist")
}

func (s *ConfigValidationSuite) TestValidate_LocalPathExists() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Source = SourceConfig{Type: SourceLocal, Path: s.T().TempDir()}
	require.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedSourceType() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Source.Type = "vagrant"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), `vm.source.type "vagrant" is not supported`)
}

func (s *ConfigValidationSuite) TestValidate_HardwareBounds() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Hardware = &HardwareConfig{
		CPUCores: ptr(0),
		RAMGB:    ptr(-1),
		Display:  &DisplayConfig{Width: 0, Height: 900},
	}
	cfg.Runners[0].VM.DiskSizeGB = ptr(0)
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cpu_cores must be greater than 0")
	assert.Contains(s.T(), err.Error(), "ram_gb must be greater than 0")
	assert.Contains(s.T(), err.Error(), "display width/height")
	assert.Contains(s.T(), err.Error(), "disk_size_gb must be greater than 0")
}

func (s *ConfigValidationSuite) TestValidate_SSHCredentials() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.SSH = SSHConfig{Port: 70000, ConnectMaxRetries: ptr(0)}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "vm.ssh.user must not be empty")
	assert.Contains(s.T(), err.Error(), "vm.ssh.password must not be empty")
	assert.Contains(s.T(), err.Error(), "vm.ssh.port")
	assert.Contains(s.T(), err.Error(), "connect_max_retries")
}

func (s *ConfigValidationSuite) TestValidate_MountNameWithColon() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Mounts = []MountConfig{{Host: s.T().TempDir(), Name: "a:b"}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "vm.mounts.name must not contain ':'")
}

func (s *ConfigValidationSuite) TestValidate_MountHostIsFile() {
	file := filepath.Join(s.T().TempDir(), "file")
	require.NoError(s.T(), os.WriteFile(file, nil, 0o644))

	cfg := validScriptConfig()
	cfg.Runners[0].VM.Mounts = []MountConfig{{Host: file}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "vm.mounts.host must be a directory")
}

// ---------------------------------------------------------------------------
// Provisioner, hooks, health check
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_EmptyScript() {
	cfg := validScriptConfig()
	cfg.Runners[0].Provisioner.Script = &ScriptConfig{Run: " \n"}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "provisioner.script.run must not be empty")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedProvisioner() {
	cfg := validScriptConfig()
	cfg.Runners[0].Provisioner.Type = "ansible"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), `provisioner.type "ansible" is not supported`)
}

func (s *ConfigValidationSuite) TestValidate_GitHubMissingFields() {
	cfg := validScriptConfig()
	cfg.Runners[0].Provisioner = ProvisionerConfig{Type: ProvisionerGitHub, GitHub: &GitHubConfig{}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "app_id must be greater than 0")
	assert.Contains(s.T(), err.Error(), "organization must not be empty")
	assert.Contains(s.T(), err.Error(), "runner_name must not be empty")
	assert.Contains(s.T(), err.Error(), "private_key_path must not be empty")
}

func (s *ConfigValidationSuite) TestValidate_GitHubKeyNotFound() {
	cfg := validGitHubConfig(s.T())
	cfg.Runners[0].Provisioner.GitHub.PrivateKeyPath = filepath.Join(s.T().TempDir(), "missing.pem")
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "private key not found")
}

func (s *ConfigValidationSuite) TestValidate_GitHubSection() {
	cfg := validScriptConfig()
	cfg.Runners[0].Provisioner = ProvisionerConfig{Type: ProvisionerGitHub}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "provisioner.github is required")
}

func (s *ConfigValidationSuite) TestValidate_EmptyHooks() {
	cfg := validScriptConfig()
	cfg.Runners[0].PreRun = ptr("")
	cfg.Runners[0].PostRun = ptr("  ")
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "pre_run must not be empty")
	assert.Contains(s.T(), err.Error(), "post_run must not be empty")
}

func (s *ConfigValidationSuite) TestValidate_HealthCheck() {
	cfg := validScriptConfig()
	cfg.Runners[0].HealthCheck = &HealthCheckConfig{Command: "", Interval: 0, Delay: -1}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "health_check.command must not be empty")
	assert.Contains(s.T(), err.Error(), "health_check.interval must be greater than 0")
	assert.Contains(s.T(), err.Error(), "health_check.delay")
}

// ---------------------------------------------------------------------------
// Warnings
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestWarnings_CacheWithScriptProvisioner() {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Cache = &CacheConfig{Host: s.T().TempDir()}
	require.NoError(s.T(), cfg.Validate())

	warnings := cfg.Warnings()
	require.Len(s.T(), warnings, 1)
	assert.Contains(s.T(), warnings[0].Message, "cache will be ignored")
}

func (s *ConfigValidationSuite) TestWarnings_GitHubWithoutCache() {
	cfg := validGitHubConfig(s.T())
	cfg.Runners[0].VM.Cache = nil
	require.NoError(s.T(), cfg.Validate())

	warnings := cfg.Warnings()
	require.Len(s.T(), warnings, 1)
	assert.Contains(s.T(), warnings[0].Message, "runner cache is disabled")
}

func (s *ConfigValidationSuite) TestWarnings_StopAfterZero() {
	cfg := validScriptConfig()
	cfg.Runners[0].StopAfter = ptr(0)
	require.NoError(s.T(), cfg.Validate())

	warnings := cfg.Warnings()
	require.Len(s.T(), warnings, 1)
	assert.Equal(s.T(), SeverityWarning, warnings[0].Severity)
	assert.Equal(s.T(), "[warning] runner ci-1: stop_after is 0; the runner will exit immediately", warnings[0].String())
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{Runners: []RunnerConfig{{
		Name: " ci-1 ",
		VM: VMConfig{
			Mounts: []MountConfig{{Host: "/Users/ci/projects/"}},
			Cache:  &CacheConfig{Host: "/Users/ci/.cache/runner"},
		},
	}}}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	assert.NotEmpty(s.T(), cfg.LockDir)

	r := cfg.Runners[0]
	assert.Equal(s.T(), "ci-1", r.Name)
	assert.Equal(s.T(), SourceOCI, r.VM.Source.Type)
	assert.Equal(s.T(), 22, r.VM.SSH.Port)
	require.NotNil(s.T(), r.VM.SSH.ConnectMaxRetries)
	assert.Equal(s.T(), 60, *r.VM.SSH.ConnectMaxRetries)
	assert.Equal(s.T(), "projects", r.VM.Mounts[0].Name)
	assert.Equal(s.T(), "runner", r.VM.Cache.Name)
	assert.Equal(s.T(), ProvisionerScript, r.Provisioner.Type)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoad_MissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "sand.yml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Runners)
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sand.yml")
	data := `
logging:
  level: debug
  format: json
runners:
  - name: ci-1
    stop_after: 3
    pre_run: "sudo softwareupdate --list"
    vm:
      source:
        type: oci
        image: ghcr.io/cirruslabs/macos-sequoia-base:latest
      hardware:
        cpu_cores: 4
        ram_gb: 8
        audio: false
      ssh:
        user: admin
        password: admin
    provisioner:
      type: script
      script:
        run: ./build.sh
    health_check:
      command: pgrep -f build
      interval: 30
      delay: 10
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Runners, 1)
	r := cfg.Runners[0]
	assert.Equal(t, 3, *r.StopAfter)
	assert.Equal(t, 4, *r.VM.Hardware.CPUCores)
	assert.Equal(t, "./build.sh", r.Provisioner.Script.Run)
	assert.Equal(t, 30*time.Second, r.HealthCheck.IntervalDuration())
	assert.Equal(t, 10*time.Second, r.HealthCheck.DelayDuration())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sand.yml")
	require.NoError(t, os.WriteFile(path, []byte("runners: [\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".sand"), ExpandPath("~/.sand"))
	assert.Equal(t, "/etc/sand", ExpandPath("/etc/sand"))
	assert.Equal(t, "~user/x", ExpandPath("~user/x"))
}

// ---------------------------------------------------------------------------
// Spec conversion
// ---------------------------------------------------------------------------

func TestSpec_ScriptRunner(t *testing.T) {
	cfg := validScriptConfig()
	r := &cfg.Runners[0]
	r.StopAfter = ptr(2)
	r.PreRun = ptr("echo pre")
	r.VM.Hardware = &HardwareConfig{
		CPUCores: ptr(4),
		RAMGB:    ptr(8),
		Audio:    ptr(false),
		Display:  &DisplayConfig{Width: 1920, Height: 1080, Unit: "pt", Refit: ptr(true)},
	}
	r.VM.Mounts = []MountConfig{{Host: "/src", Name: "src", ReadOnly: true}}
	r.VM.Cache = &CacheConfig{Host: "/cache", Name: "cache"}
	r.HealthCheck = &HealthCheckConfig{Command: "true", Interval: 5, Delay: 1}
	cfg.ApplyDefaults()

	spec := r.Spec()
	assert.Equal(t, "ci-1", spec.Name)
	assert.Equal(t, "ghcr.io/cirruslabs/macos-sequoia-base:latest", spec.Source)
	assert.Equal(t, 60, spec.ConnectMaxRetries)
	assert.Equal(t, "echo pre", spec.PreRun)
	assert.Empty(t, spec.PostRun)
	assert.Equal(t, 2, *spec.StopAfter)
	assert.Equal(t, 8192, *spec.Hardware.MemoryMB)
	assert.Equal(t, 4, *spec.Hardware.CPUCores)
	assert.Equal(t, 1920, spec.Hardware.Display.Width)
	assert.True(t, *spec.Hardware.DisplayRefit)
	assert.True(t, spec.Run.NoAudio)
	require.Len(t, spec.Run.Mounts, 1)
	assert.True(t, spec.Run.Mounts[0].ReadOnly)
	// Script runners ignore the cache.
	assert.Nil(t, spec.Cache)
	assert.Equal(t, orchestrator.ProvisionerScript, spec.Provisioner.Type)
	assert.Equal(t, "echo hello", spec.Provisioner.Script)
	assert.Equal(t, 5*time.Second, spec.HealthCheck.Interval)
	assert.Equal(t, time.Second, spec.HealthCheck.Delay)
}

func TestSpec_GitHubRunner(t *testing.T) {
	cfg := validGitHubConfig(t)
	cfg.Runners[0].Provisioner.GitHub.Repository = ptr("app")
	cfg.ApplyDefaults()

	spec := cfg.Runners[0].Spec()
	assert.Equal(t, orchestrator.ProvisionerGitHub, spec.Provisioner.Type)
	require.NotNil(t, spec.Provisioner.GitHub)
	assert.Equal(t, "acme", spec.Provisioner.GitHub.Organization)
	assert.Equal(t, "app", spec.Provisioner.GitHub.Repository)
	assert.Equal(t, "sand-ci-1", spec.Provisioner.GitHub.RunnerName)
	require.NotNil(t, spec.Cache)
	assert.Equal(t, "runner-cache", spec.Cache.Name)
	assert.Equal(t, "/Volumes/My Shared Files/runner-cache", spec.GuestCacheDir())
	require.Len(t, spec.RunOptions().Mounts, 1)
}

func TestSpec_LocalSource(t *testing.T) {
	cfg := validScriptConfig()
	cfg.Runners[0].VM.Source = SourceConfig{Type: SourceLocal, Path: "/vms/base.bundle"}
	cfg.ApplyDefaults()

	assert.Equal(t, "file:///vms/base.bundle", cfg.Runners[0].Spec().Source)
	assert.False(t, cfg.Runners[0].Spec().Run.NoAudio)
}

// ---------------------------------------------------------------------------
// Logger
// ---------------------------------------------------------------------------

func TestNewLogger_WritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sand.log")
	cfg := &Config{Logging: LoggingConfig{Level: "info", Format: "json", File: path}}

	logger, closer, err := cfg.NewLogger()
	require.NoError(t, err)
	logger.Info("runner started")
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"runner started"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewDriver_OnePerCall(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, b := NewDriver(logger), NewDriver(logger)
	require.NotNil(t, a)
	assert.NotSame(t, a, b)
}
