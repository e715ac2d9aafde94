// Package config handles loading, validating, and applying
// configuration for sand.  Configuration is read from a YAML file and
// can be overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "sand.yml"

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Logging LoggingConfig  `yaml:"logging"`
	OTel    OTelConfig     `yaml:"otel"`
	Metrics MetricsConfig  `yaml:"metrics"`
	LockDir string         `yaml:"lock_dir"`
	Runners []RunnerConfig `yaml:"runners"`
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

// RunnerConfig describes one independently cycling runner.
type RunnerConfig struct {
	// Name is the runner name and the fixed name of its VM.
	Name string `yaml:"name"`

	// StopAfter bounds the number of cycles.  Unset means run forever.
	StopAfter *int `yaml:"stop_after"`

	PreRun  *string `yaml:"pre_run"`
	PostRun *string `yaml:"post_run"`

	VM          VMConfig           `yaml:"vm"`
	Provisioner ProvisionerConfig  `yaml:"provisioner"`
	HealthCheck *HealthCheckConfig `yaml:"health_check"`
}

// VMConfig describes the VM cloned for every cycle.
type VMConfig struct {
	Source   SourceConfig    `yaml:"source"`
	Hardware *HardwareConfig `yaml:"hardware"`
	// DiskSizeGB grows the cloned disk.  Optional.
	DiskSizeGB *int          `yaml:"disk_size_gb"`
	Mounts     []MountConfig `yaml:"mounts"`
	Cache      *CacheConfig  `yaml:"cache"`
	Run        RunConfig     `yaml:"run"`
	SSH        SSHConfig     `yaml:"ssh"`
}

// SourceConfig is where the VM is cloned from.
type SourceConfig struct {
	// Type: oci, local.  Default: oci.
	Type  string `yaml:"type"`
	Image string `yaml:"image"`
	Path  string `yaml:"path"`
}

// Resolved returns the source in the form the VM driver expects: the
// image reference for OCI sources, a file:// URL for local ones.
func (s SourceConfig) Resolved() string {
	if s.Type == SourceLocal {
		return "file://" + s.Path
	}
	return strings.TrimSpace(s.Image)
}

// Source types.
const (
	SourceOCI   = "oci"
	SourceLocal = "local"
)

// HardwareConfig overrides the hardware baked into the source image.
type HardwareConfig struct {
	CPUCores *int           `yaml:"cpu_cores"`
	RAMGB    *int           `yaml:"ram_gb"`
	Audio    *bool          `yaml:"audio"`
	Display  *DisplayConfig `yaml:"display"`
}

// DisplayConfig is the guest display size.
type DisplayConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Unit   string `yaml:"unit"`
	Refit  *bool  `yaml:"refit"`
}

// MountConfig shares a host directory with the guest.
type MountConfig struct {
	Host string `yaml:"host"`
	// Name defaults to the last element of Host.
	Name     string `yaml:"name"`
	ReadOnly bool   `yaml:"read_only"`
	Tag      string `yaml:"tag"`
}

// CacheConfig is the host directory keeping runner downloads across
// cycles.
type CacheConfig struct {
	Host string `yaml:"host"`
	Name string `yaml:"name"`
}

// RunConfig holds boot flags.
type RunConfig struct {
	NoGraphics  bool `yaml:"no_graphics"`
	NoClipboard bool `yaml:"no_clipboard"`
}

// SSHConfig holds guest credentials.
type SSHConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Port.  Default: 22.
	Port int `yaml:"port"`
	// ConnectMaxRetries bounds the one-per-second readiness polls.
	// Default: 60.
	ConnectMaxRetries *int `yaml:"connect_max_retries"`
}

// ProvisionerConfig selects the workload run inside the guest.
type ProvisionerConfig struct {
	// Type: script, github.
	Type   string        `yaml:"type"`
	Script *ScriptConfig `yaml:"script"`
	GitHub *GitHubConfig `yaml:"github"`
}

// Provisioner types.
const (
	ProvisionerScript = "script"
	ProvisionerGitHub = "github"
)

// ScriptConfig is an inline script provisioner.
type ScriptConfig struct {
	Run string `yaml:"run"`
}

// GitHubConfig registers the guest as an ephemeral GitHub Actions runner
// using GitHub App credentials.
type GitHubConfig struct {
	AppID          int64    `yaml:"app_id"`
	Organization   string   `yaml:"organization"`
	Repository     *string  `yaml:"repository"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	RunnerName     string   `yaml:"runner_name"`
	ExtraLabels    []string `yaml:"extra_labels"`
}

// HealthCheckConfig is the in-guest probe.  Interval and Delay are in
// seconds.
type HealthCheckConfig struct {
	Command  string `yaml:"command"`
	Interval int    `yaml:"interval"`
	Delay    int    `yaml:"delay"`
}

// IntervalDuration returns Interval as a time.Duration.
func (h HealthCheckConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// DelayDuration returns Delay as a time.Duration.
func (h HealthCheckConfig) DelayDuration() time.Duration {
	return time.Duration(h.Delay) * time.Second
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
	// File, when set, receives a copy of every log line.
	File string `yaml:"file"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry & metrics
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// MetricsConfig controls the local HTTP endpoint.
type MetricsConfig struct {
	// Listen is the address serving /healthz and /metrics, e.g. ":9090".
	// Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// and fail validation for lack of runners.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandPaths()

	return cfg, nil
}

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func (c *Config) expandPaths() {
	c.Logging.File = ExpandPath(c.Logging.File)
	c.LockDir = ExpandPath(c.LockDir)
	for i := range c.Runners {
		r := &c.Runners[i]
		r.VM.Source.Path = ExpandPath(r.VM.Source.Path)
		for j := range r.VM.Mounts {
			r.VM.Mounts[j].Host = ExpandPath(r.VM.Mounts[j].Host)
		}
		if r.VM.Cache != nil {
			r.VM.Cache.Host = ExpandPath(r.VM.Cache.Host)
		}
		if r.Provisioner.GitHub != nil {
			r.Provisioner.GitHub.PrivateKeyPath = ExpandPath(r.Provisioner.GitHub.PrivateKeyPath)
		}
	}
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
	if c.LockDir == "" {
		c.LockDir = ExpandPath("~/.sand/locks")
	}
	for i := range c.Runners {
		r := &c.Runners[i]
		r.Name = strings.TrimSpace(r.Name)
		if r.VM.Source.Type == "" {
			r.VM.Source.Type = SourceOCI
		}
		if r.VM.SSH.Port == 0 {
			r.VM.SSH.Port = 22
		}
		if r.VM.SSH.ConnectMaxRetries == nil {
			n := 60
			r.VM.SSH.ConnectMaxRetries = &n
		}
		for j := range r.VM.Mounts {
			if r.VM.Mounts[j].Name == "" {
				r.VM.Mounts[j].Name = mountName(r.VM.Mounts[j].Host)
			}
		}
		if r.VM.Cache != nil && r.VM.Cache.Name == "" {
			r.VM.Cache.Name = mountName(r.VM.Cache.Host)
		}
		if r.Provisioner.Type == "" {
			r.Provisioner.Type = ProvisionerScript
		}
	}
}

func mountName(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return ""
	}
	return filepath.Base(host)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Severity grades a validation Issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s", i.Severity, i.Message)
}

// Validate applies defaults and returns every error-severity issue
// joined into one error.
func (c *Config) Validate() error {
	var errs []error
	for _, issue := range c.Issues() {
		if issue.Severity == SeverityError {
			errs = append(errs, errors.New(issue.Message))
		}
	}
	return errors.Join(errs...)
}

// Warnings returns the warning-severity issues.
func (c *Config) Warnings() []Issue {
	var warnings []Issue
	for _, issue := range c.Issues() {
		if issue.Severity == SeverityWarning {
			warnings = append(warnings, issue)
		}
	}
	return warnings
}

// Issues applies defaults and returns all findings.
func (c *Config) Issues() []Issue {
	c.ApplyDefaults()

	var issues []Issue
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, Issue{SeverityError, fmt.Sprintf("logging.level %q is not supported (supported: debug, info, warn, error)", c.Logging.Level)})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		issues = append(issues, Issue{SeverityError, fmt.Sprintf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)})
	}

	if len(c.Runners) == 0 {
		return append(issues, Issue{SeverityError, "runners must not be empty"})
	}

	seen := make(map[string]bool)
	for _, r := range c.Runners {
		label := "runner <unnamed>"
		switch {
		case r.Name == "":
			issues = append(issues, Issue{SeverityError, "runner name must not be empty"})
		case seen[r.Name]:
			issues = append(issues, Issue{SeverityError, fmt.Sprintf("runner name must be unique: %s", r.Name)})
		default:
			seen[r.Name] = true
		}
		if r.Name != "" {
			label = "runner " + r.Name
			if strings.ContainsAny(r.Name, "/: ") {
				issues = append(issues, Issue{SeverityError, fmt.Sprintf("%s: name must not contain '/', ':' or spaces", label)})
			}
		}
		for _, issue := range r.issues() {
			issue.Message = label + ": " + issue.Message
			issues = append(issues, issue)
		}
	}
	return issues
}

func (r RunnerConfig) issues() []Issue {
	var issues []Issue
	add := func(sev Severity, format string, args ...any) {
		issues = append(issues, Issue{sev, fmt.Sprintf(format, args...)})
	}

	if r.StopAfter != nil && *r.StopAfter <= 0 {
		add(SeverityWarning, "stop_after is %d; the runner will exit immediately", *r.StopAfter)
	}
	if r.PreRun != nil && strings.TrimSpace(*r.PreRun) == "" {
		add(SeverityError, "pre_run must not be empty when provided")
	}
	if r.PostRun != nil && strings.TrimSpace(*r.PostRun) == "" {
		add(SeverityError, "post_run must not be empty when provided")
	}

	// VM
	vm := r.VM
	switch vm.Source.Type {
	case SourceOCI:
		if strings.TrimSpace(vm.Source.Image) == "" {
			add(SeverityError, "vm.source.image is required for oci sources")
		}
	case SourceLocal:
		if strings.TrimSpace(vm.Source.Path) == "" {
			add(SeverityError, "vm.source.path is required for local sources")
		} else if _, err := os.Stat(vm.Source.Path); err != nil {
			add(SeverityError, "local vm path does not exist: %s", vm.Source.Path)
		}
	default:
		add(SeverityError, "vm.source.type %q is not supported (supported: oci, local)", vm.Source.Type)
	}
	if hw := vm.Hardware; hw != nil {
		if hw.RAMGB != nil && *hw.RAMGB <= 0 {
			add(SeverityError, "vm.hardware.ram_gb must be greater than 0")
		}
		if hw.CPUCores != nil && *hw.CPUCores <= 0 {
			add(SeverityError, "vm.hardware.cpu_cores must be greater than 0")
		}
		if hw.Display != nil && (hw.Display.Width <= 0 || hw.Display.Height <= 0) {
			add(SeverityError, "vm.hardware.display width/height must be greater than 0")
		}
	}
	if vm.DiskSizeGB != nil && *vm.DiskSizeGB <= 0 {
		add(SeverityError, "vm.disk_size_gb must be greater than 0")
	}
	if strings.TrimSpace(vm.SSH.User) == "" {
		add(SeverityError, "vm.ssh.user must not be empty")
	}
	if strings.TrimSpace(vm.SSH.Password) == "" {
		add(SeverityError, "vm.ssh.password must not be empty")
	}
	if vm.SSH.Port <= 0 || vm.SSH.Port > 65535 {
		add(SeverityError, "vm.ssh.port must be between 1 and 65535")
	}
	if vm.SSH.ConnectMaxRetries != nil && *vm.SSH.ConnectMaxRetries <= 0 {
		add(SeverityError, "vm.ssh.connect_max_retries must be greater than 0")
	}
	for _, m := range vm.Mounts {
		host := strings.TrimSpace(m.Host)
		if host == "" {
			add(SeverityError, "vm.mounts.host must not be empty")
		} else if fi, err := os.Stat(host); err == nil && !fi.IsDir() {
			add(SeverityError, "vm.mounts.host must be a directory: %s", host)
		}
		issues = append(issues, mountNameIssues(m.Name, "vm.mounts.name")...)
	}

	// Provisioner
	p := r.Provisioner
	switch p.Type {
	case ProvisionerScript:
		if p.Script == nil || strings.TrimSpace(p.Script.Run) == "" {
			add(SeverityError, "provisioner.script.run must not be empty for the script provisioner")
		}
	case ProvisionerGitHub:
		gh := p.GitHub
		if gh == nil {
			add(SeverityError, "provisioner.github is required for the github provisioner")
			break
		}
		if gh.AppID <= 0 {
			add(SeverityError, "provisioner.github.app_id must be greater than 0")
		}
		if strings.TrimSpace(gh.Organization) == "" {
			add(SeverityError, "provisioner.github.organization must not be empty")
		}
		if strings.TrimSpace(gh.RunnerName) == "" {
			add(SeverityError, "provisioner.github.runner_name must not be empty")
		}
		if key := strings.TrimSpace(gh.PrivateKeyPath); key == "" {
			add(SeverityError, "provisioner.github.private_key_path must not be empty")
		} else if _, err := os.Stat(key); err != nil {
			add(SeverityError, "private key not found at %s", key)
		}
		if gh.Repository != nil && strings.TrimSpace(*gh.Repository) == "" {
			add(SeverityWarning, "provisioner.github.repository is set but empty")
		}
	default:
		add(SeverityError, "provisioner.type %q is not supported (supported: script, github)", p.Type)
	}

	// Health check
	if hc := r.HealthCheck; hc != nil {
		if strings.TrimSpace(hc.Command) == "" {
			add(SeverityError, "health_check.command must not be empty")
		}
		if hc.Interval <= 0 {
			add(SeverityError, "health_check.interval must be greater than 0")
		}
		if hc.Delay < 0 {
			add(SeverityError, "health_check.delay must be greater than or equal to 0")
		}
	}

	// Cache
	if vm.Cache == nil {
		if p.Type == ProvisionerGitHub {
			add(SeverityWarning, "github provisioner configured without vm.cache; runner cache is disabled")
		}
		return issues
	}
	if p.Type != ProvisionerGitHub {
		add(SeverityWarning, "vm.cache is set but provisioner is not github; cache will be ignored")
	}
	if host := strings.TrimSpace(vm.Cache.Host); host == "" {
		add(SeverityError, "vm.cache.host must not be empty")
	} else if fi, err := os.Stat(host); err == nil && !fi.IsDir() {
		add(SeverityError, "vm.cache.host must be a directory: %s", host)
	}
	return append(issues, mountNameIssues(vm.Cache.Name, "vm.cache.name")...)
}

func mountNameIssues(name, label string) []Issue {
	name = strings.TrimSpace(name)
	if name == "" {
		return []Issue{{SeverityError, label + " must not be empty"}}
	}
	var issues []Issue
	if strings.Contains(name, "/") {
		issues = append(issues, Issue{SeverityError, label + " must not contain '/'"})
	}
	if strings.Contains(name, ":") {
		issues = append(issues, Issue{SeverityError, label + " must not contain ':'"})
	}
	return issues
}

// ---------------------------------------------------------------------------
// Logger
// ---------------------------------------------------------------------------

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger creates a *slog.Logger from the Logging configuration.  When
// logging.file is set the log is also appended to that file; the
// returned Closer closes it.
func (c *Config) NewLogger() (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if c.Logging.File != "" {
		path := ExpandPath(c.Logging.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", path, err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	default:
		return slog.New(slog.NewTextHandler(out, opts)), closer, nil
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
