// Package vm defines the abstraction for hypervisor backends that host
// ephemeral runner VMs. Each backend (Tart today) implements the Driver
// interface so the orchestration engine stays hypervisor-agnostic.
package vm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyIP is returned by Driver.IP when the hypervisor reports no
// address for the VM within the requested wait.
var ErrEmptyIP = errors.New("vm reported an empty ip address")

// Status is the observed state of a named VM.  It is derived by polling
// the driver and is never cached.
type Status int

const (
	StatusMissing Status = iota
	StatusStopped
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Display is a guest display override.
type Display struct {
	Width  int
	Height int
	// Unit is appended verbatim to the size (e.g. "px", "pt").  Optional.
	Unit string
}

// Hardware holds the per-VM hardware overrides applied after cloning.
// A nil pointer means "keep the value baked into the source image".
type Hardware struct {
	CPUCores     *int
	MemoryMB     *int
	Display      *Display
	DisplayRefit *bool
	DiskSizeGB   *int
}

// Empty reports whether no override is set.
func (h Hardware) Empty() bool {
	return h.CPUCores == nil && h.MemoryMB == nil && h.Display == nil &&
		h.DisplayRefit == nil && h.DiskSizeGB == nil
}

// GuestShareRoot is where macOS guests expose directory mounts, one
// sub-directory per mount name.
const GuestShareRoot = "/Volumes/My Shared Files"

// DirectoryMount shares a host directory with the guest.
type DirectoryMount struct {
	HostPath string
	// Name is the folder name the guest sees the share under.
	Name     string
	ReadOnly bool
	Tag      string
}

// RunOptions controls how a VM is booted.
type RunOptions struct {
	Mounts      []DirectoryMount
	NoAudio     bool
	NoGraphics  bool
	NoClipboard bool
}

// Driver is the contract every hypervisor backend must satisfy.
//
// All VMs are strictly ephemeral: each one is cloned from a source image,
// booted, used for a single cycle and then deleted.  The lifecycle is:
//
//	Prepare → Clone → Configure → Boot → IP/Status … → Stop → Delete
//
// Implementations must make Stop and Delete tolerant of a VM that is
// already stopped or gone; callers treat their errors as best-effort.
type Driver interface {
	// Prepare makes sure the source image is available locally, pulling
	// it when it is a remote (OCI) source that is not cached yet.
	Prepare(ctx context.Context, source string) error

	// Clone creates a fresh VM called name from source.
	Clone(ctx context.Context, source, name string) error

	// Configure applies hardware overrides to a stopped VM.
	Configure(ctx context.Context, name string, hw Hardware) error

	// Boot starts the VM in the background and returns once the
	// hypervisor accepted the request.
	Boot(ctx context.Context, name string, opts RunOptions) error

	// IP resolves the guest address, waiting up to wait for the guest to
	// obtain one.  It returns ErrEmptyIP when none is reported.
	IP(ctx context.Context, name string, wait time.Duration) (string, error)

	// Status reports the current state of the VM.
	Status(ctx context.Context, name string) (Status, error)

	// Stop shuts the VM down.  A zero timeout uses the backend default.
	Stop(ctx context.Context, name string, timeout time.Duration) error

	// Delete permanently removes the VM.
	Delete(ctx context.Context, name string) error
}
