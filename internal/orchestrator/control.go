package orchestrator

import (
	"context"
	"sync"

	"github.com/terrpan/sand/internal/remote"
)

// healthTask is a running health monitor goroutine.
type healthTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Control holds the in-flight work of one runner so it can be stopped
// from outside the cycle loop: by the health monitor, or by the
// supervisor on a termination signal.  It does not own the handle's
// lifetime; the stage that started the command does.
type Control struct {
	mu     sync.Mutex
	handle remote.Handle
	health *healthTask
}

// NewControl creates an empty Control.
func NewControl() *Control { return &Control{} }

// SetProvisioning registers the current provisioning command.
func (c *Control) SetProvisioning(h remote.Handle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}

// ClearProvisioning forgets h if it is still the registered command.
func (c *Control) ClearProvisioning(h remote.Handle) {
	c.mu.Lock()
	if c.handle == h {
		c.handle = nil
	}
	c.mu.Unlock()
}

// TerminateProvisioning kills and forgets the registered command.  It
// reports whether there was one.
func (c *Control) TerminateProvisioning() bool {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h == nil {
		return false
	}
	h.Terminate()
	return true
}

func (c *Control) setHealthCheck(t *healthTask) {
	c.mu.Lock()
	c.health = t
	c.mu.Unlock()
}

func (c *Control) clearHealthCheck(t *healthTask) {
	c.mu.Lock()
	if c.health == t {
		c.health = nil
	}
	c.mu.Unlock()
}

// CancelHealthCheck cancels and forgets the running health monitor.
func (c *Control) CancelHealthCheck() bool {
	c.mu.Lock()
	t := c.health
	c.health = nil
	c.mu.Unlock()

	if t == nil {
		return false
	}
	t.cancel()
	return true
}
