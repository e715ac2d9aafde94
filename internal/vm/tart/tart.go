// Package tart implements the vm.Driver interface on top of the Tart
// command line tool, which runs macOS and Linux guests on Apple silicon.
package tart

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/sand/internal/process"
	"github.com/terrpan/sand/internal/vm"
)

const (
	binary       = "tart"
	ociPrefix    = "oci://"
	filePrefix   = "file://"
	killGrace    = 10 * time.Second
	defaultStop  = 30 * time.Second
	sourceLocal  = "local"
	stateRunning = "running"
)

// Driver manages VMs through the tart CLI.
type Driver struct {
	runner process.Runner
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	boots map[string]process.Process // vm name -> `tart run` process
}

// Compile-time check that Driver satisfies the vm.Driver interface.
var _ vm.Driver = (*Driver)(nil)

// New creates a tart driver.  A nil runner uses process.Exec.
func New(runner process.Runner, logger *slog.Logger) *Driver {
	if runner == nil {
		runner = process.Exec{}
	}
	return &Driver{
		runner: runner,
		logger: logger,
		tracer: otel.Tracer("sand/vm/tart"),
		boots:  make(map[string]process.Process),
	}
}

// IsLocalSource reports whether source points at a VM bundle on disk
// rather than an OCI image.
func IsLocalSource(source string) bool {
	return strings.HasPrefix(source, filePrefix)
}

// Prepare pulls OCI sources that are not present locally.  Local sources
// need no preparation.
func (d *Driver) Prepare(ctx context.Context, source string) error {
	if IsLocalSource(source) {
		return nil
	}
	ctx, span := d.tracer.Start(ctx, "vm.tart.Prepare")
	defer span.End()
	span.SetAttributes(attribute.String("vm.source", source))

	present, err := d.hasOCI(ctx, source)
	if err != nil {
		return fmt.Errorf("list oci images: %w", err)
	}
	if present {
		d.logger.Debug("source image already present", slog.String("source", source))
		return nil
	}

	d.logger.Info("pulling source image", slog.String("source", source))
	if _, err := d.runner.Run(ctx, binary, "pull", trimSource(source)); err != nil {
		return fmt.Errorf("pull %s: %w", source, err)
	}
	d.logger.Info("source image ready", slog.String("source", source))
	return nil
}

// Clone implements vm.Driver.
func (d *Driver) Clone(ctx context.Context, source, vmName string) error {
	if _, err := d.runner.Run(ctx, binary, "clone", trimSource(source), vmName); err != nil {
		return fmt.Errorf("clone %s: %w", vmName, err)
	}
	return nil
}

// Configure implements vm.Driver.
func (d *Driver) Configure(ctx context.Context, vmName string, hw vm.Hardware) error {
	if hw.Empty() {
		return nil
	}
	if _, err := d.runner.Run(ctx, binary, SetArgs(vmName, hw)...); err != nil {
		return fmt.Errorf("set %s: %w", vmName, err)
	}
	return nil
}

// SetArgs builds the `tart set` argument list for hw.
func SetArgs(vmName string, hw vm.Hardware) []string {
	args := []string{"set", vmName}
	if hw.CPUCores != nil {
		args = append(args, "--cpu", strconv.Itoa(*hw.CPUCores))
	}
	if hw.MemoryMB != nil {
		args = append(args, "--memory", strconv.Itoa(*hw.MemoryMB))
	}
	if hw.Display != nil {
		args = append(args, "--display", fmt.Sprintf("%dx%d%s", hw.Display.Width, hw.Display.Height, hw.Display.Unit))
	}
	if hw.DisplayRefit != nil {
		if *hw.DisplayRefit {
			args = append(args, "--display-refit")
		} else {
			args = append(args, "--no-display-refit")
		}
	}
	if hw.DiskSizeGB != nil {
		args = append(args, "--disk-size", strconv.Itoa(*hw.DiskSizeGB))
	}
	return args
}

// RunArgs builds the `tart run` argument list.
func RunArgs(vmName string, opts vm.RunOptions) []string {
	args := []string{"run", vmName}
	if opts.NoAudio {
		args = append(args, "--no-audio")
	}
	if opts.NoGraphics {
		args = append(args, "--no-graphics")
	}
	if opts.NoClipboard {
		args = append(args, "--no-clipboard")
	}
	for _, m := range opts.Mounts {
		spec := m.Name + ":" + m.HostPath
		if m.ReadOnly {
			spec += ":ro"
		}
		if m.Tag != "" {
			spec += ",tag=" + m.Tag
		}
		args = append(args, "--dir", spec)
	}
	return args
}

// Boot starts `tart run` in the background.  The process lives as long
// as the VM does.
func (d *Driver) Boot(ctx context.Context, vmName string, opts vm.RunOptions) error {
	_, span := d.tracer.Start(ctx, "vm.tart.Boot")
	defer span.End()
	span.SetAttributes(attribute.String("vm.name", vmName))

	h, err := d.runner.Start(binary, RunArgs(vmName, opts)...)
	if err != nil {
		return fmt.Errorf("run %s: %w", vmName, err)
	}

	d.mu.Lock()
	d.boots[vmName] = h
	d.mu.Unlock()

	d.logger.Info("vm booting", slog.String("vm", vmName))
	return nil
}

// IP implements vm.Driver.
func (d *Driver) IP(ctx context.Context, vmName string, wait time.Duration) (string, error) {
	secs := int(wait.Round(time.Second) / time.Second)
	res, err := d.runner.Run(ctx, binary, "ip", vmName, "--wait", strconv.Itoa(secs))
	if err != nil {
		return "", fmt.Errorf("ip %s: %w", vmName, err)
	}
	ip := strings.TrimSpace(res.Stdout)
	if ip == "" {
		return "", vm.ErrEmptyIP
	}
	return ip, nil
}

type listEntry struct {
	Name    string `json:"Name"`
	Source  string `json:"Source"`
	State   string `json:"State"`
	Running bool   `json:"Running"`
}

// Status implements vm.Driver.
func (d *Driver) Status(ctx context.Context, vmName string) (vm.Status, error) {
	res, err := d.runner.Run(ctx, binary, "list", "--format", "json")
	if err != nil {
		return vm.StatusMissing, fmt.Errorf("list: %w", err)
	}
	var entries []listEntry
	if err := json.Unmarshal([]byte(res.Stdout), &entries); err != nil {
		return vm.StatusMissing, fmt.Errorf("decode tart list: %w", err)
	}
	for _, e := range entries {
		if e.Name != vmName || (e.Source != "" && !strings.EqualFold(e.Source, sourceLocal)) {
			continue
		}
		if e.Running || strings.EqualFold(e.State, stateRunning) {
			return vm.StatusRunning, nil
		}
		return vm.StatusStopped, nil
	}
	return vm.StatusMissing, nil
}

// Stop implements vm.Driver.  The background `tart run` process is
// reaped afterwards.
func (d *Driver) Stop(ctx context.Context, vmName string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultStop
	}
	secs := int(timeout.Round(time.Second) / time.Second)
	_, err := d.runner.Run(ctx, binary, "stop", vmName, "--timeout", strconv.Itoa(secs))

	d.mu.Lock()
	h := d.boots[vmName]
	delete(d.boots, vmName)
	d.mu.Unlock()
	if h != nil {
		h.Terminate(killGrace)
	}

	if err != nil {
		return fmt.Errorf("stop %s: %w", vmName, err)
	}
	return nil
}

// Delete implements vm.Driver.
func (d *Driver) Delete(ctx context.Context, vmName string) error {
	if _, err := d.runner.Run(ctx, binary, "delete", vmName); err != nil {
		return fmt.Errorf("delete %s: %w", vmName, err)
	}
	return nil
}

// List returns the raw `tart list` output; doctor uses it as a smoke test.
func (d *Driver) List(ctx context.Context) (string, error) {
	res, err := d.runner.Run(ctx, binary, "list")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (d *Driver) hasOCI(ctx context.Context, source string) (bool, error) {
	res, err := d.runner.Run(ctx, binary, "list", "--source", "oci", "--quiet")
	if err != nil {
		return false, err
	}
	want := NormalizeOCI(source)
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && NormalizeOCI(line) == want {
			return true, nil
		}
	}
	return false, nil
}

// NormalizeOCI returns a canonical form of an OCI reference so that
// "oci://ghcr.io/acme/vm" and "ghcr.io/acme/vm:latest" compare equal.
// Unparseable references are returned with only the scheme removed.
func NormalizeOCI(source string) string {
	s := strings.TrimPrefix(strings.TrimSpace(source), ociPrefix)
	ref, err := name.ParseReference(s)
	if err != nil {
		return s
	}
	return ref.Name()
}

func trimSource(source string) string {
	if IsLocalSource(source) {
		return strings.TrimPrefix(source, filePrefix)
	}
	return strings.TrimPrefix(source, ociPrefix)
}
