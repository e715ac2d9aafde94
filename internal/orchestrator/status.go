package orchestrator

import "time"

// Phase is the cycle step a runner is in.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseBackoff      Phase = "backoff"
	PhasePreparing    Phase = "preparing"
	PhaseBooting      Phase = "booting"
	PhaseWaitingSSH   Phase = "waiting_ssh"
	PhasePreRun       Phase = "pre_run"
	PhaseProvisioning Phase = "provisioning"
	PhasePostRun      Phase = "post_run"
	PhaseCleanup      Phase = "cleanup"
	PhaseStopped      Phase = "stopped"
)

// Status is a point-in-time view of a runner for the status endpoint.
type Status struct {
	Name            string    `json:"name"`
	Phase           Phase     `json:"phase"`
	VM              string    `json:"vm,omitempty"`
	Cycle           int       `json:"cycle"`
	CompletedCycles int       `json:"completed_cycles"`
	LastRestart     string    `json:"last_restart,omitempty"`
	BackoffAttempt  int       `json:"backoff_attempt"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Status returns a copy of the runner's current status.  VM names the
// clone that still awaits teardown, if any.
func (r *Runner) Status() Status {
	r.statusMu.Lock()
	s := r.status
	r.statusMu.Unlock()
	s.BackoffAttempt = r.backoff.Snapshot().Attempt
	s.VM = r.shutdown.ActiveName()
	return s
}

func (r *Runner) setPhase(p Phase) {
	r.statusMu.Lock()
	r.status.Phase = p
	r.status.UpdatedAt = r.now().UTC()
	r.statusMu.Unlock()
}

func (r *Runner) beginCycle(cycle int) {
	r.statusMu.Lock()
	r.status.Cycle = cycle
	r.status.UpdatedAt = r.now().UTC()
	r.statusMu.Unlock()
}

func (r *Runner) endCycle() {
	r.statusMu.Lock()
	r.status.CompletedCycles++
	r.status.Phase = PhaseIdle
	r.status.UpdatedAt = r.now().UTC()
	r.statusMu.Unlock()
}

func (r *Runner) setLastRestart(reason RestartReason) {
	r.statusMu.Lock()
	r.status.LastRestart = reason.String()
	r.statusMu.Unlock()
}
