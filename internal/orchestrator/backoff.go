package orchestrator

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ReasonKind is the tag of a RestartReason.  Backoff buckets restarts by
// kind only; the detail text is informational.
type ReasonKind int

const (
	ReasonHealthCheckFailed ReasonKind = iota + 1
	ReasonIPNotReady
	ReasonSSHNotReady
	ReasonStageFailed
	ReasonProvisionerExited
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonHealthCheckFailed:
		return "health_check_failed"
	case ReasonIPNotReady:
		return "ip_not_ready"
	case ReasonSSHNotReady:
		return "ssh_not_ready"
	case ReasonStageFailed:
		return "stage_failed"
	case ReasonProvisionerExited:
		return "provisioner_exited"
	default:
		return fmt.Sprintf("reason(%d)", int(k))
	}
}

// RestartReason explains why a cycle ended early and a restart was
// scheduled.
type RestartReason struct {
	Kind ReasonKind
	// Detail is the health failure message or the failed stage name.
	Detail string
}

func HealthCheckFailed(message string) RestartReason {
	return RestartReason{Kind: ReasonHealthCheckFailed, Detail: message}
}

func IPNotReady() RestartReason { return RestartReason{Kind: ReasonIPNotReady} }

func SSHNotReady() RestartReason { return RestartReason{Kind: ReasonSSHNotReady} }

func StageFailed(stage string) RestartReason {
	return RestartReason{Kind: ReasonStageFailed, Detail: stage}
}

func ProvisionerExited() RestartReason { return RestartReason{Kind: ReasonProvisionerExited} }

// SameKind reports whether r and other share a tag.
func (r RestartReason) SameKind(other RestartReason) bool { return r.Kind == other.Kind }

func (r RestartReason) String() string {
	switch r.Kind {
	case ReasonHealthCheckFailed:
		return "healthcheck failed: " + r.Detail
	case ReasonIPNotReady:
		return "ip not ready"
	case ReasonSSHNotReady:
		return "ssh not ready"
	case ReasonStageFailed:
		return r.Detail + " failed"
	case ReasonProvisionerExited:
		return "provisioner exited"
	default:
		return r.Kind.String()
	}
}

// BackoffPolicy computes restart delays: Base * Multiplier^(attempt-1),
// capped at Max.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffPolicy is 1s doubling up to one minute.
var DefaultBackoffPolicy = BackoffPolicy{
	Base:       time.Second,
	Max:        60 * time.Second,
	Multiplier: 2,
}

// Delay returns the delay for the given 1-based attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw > float64(p.Max) {
		return p.Max
	}
	return time.Duration(raw)
}

// BackoffState is a point-in-time copy of a Backoff.
type BackoffState struct {
	Attempt       int
	LastReason    *RestartReason
	PendingDelay  time.Duration
	PendingReason *RestartReason
}

// Backoff tracks consecutive restarts of one runner.  Both the cycle
// loop and failure paths running on other goroutines may call it.
type Backoff struct {
	policy BackoffPolicy

	mu            sync.Mutex
	attempt       int
	lastReason    *RestartReason
	pendingDelay  time.Duration
	pendingReason *RestartReason
}

// NewBackoff creates a Backoff.  A zero policy uses DefaultBackoffPolicy.
func NewBackoff(policy BackoffPolicy) *Backoff {
	if policy == (BackoffPolicy{}) {
		policy = DefaultBackoffPolicy
	}
	return &Backoff{policy: policy}
}

// Schedule records reason as the pending restart and returns its delay.
// Repeating the previous reason kind escalates the attempt counter; a
// different kind starts over at attempt 1.
func (b *Backoff) Schedule(reason RestartReason) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastReason != nil && b.lastReason.SameKind(reason) {
		b.attempt++
	} else {
		b.attempt = 1
	}
	r := reason
	b.lastReason = &r

	delay := b.policy.Delay(b.attempt)
	b.pendingDelay = delay
	pending := reason
	b.pendingReason = &pending
	return delay
}

// TakePending returns and clears the pending restart.  It returns
// (0, nil) when nothing is pending.
func (b *Backoff) TakePending() (time.Duration, *RestartReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay, reason := b.pendingDelay, b.pendingReason
	b.pendingDelay = 0
	b.pendingReason = nil
	return delay, reason
}

// Reset clears all state after a fully successful cycle.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt = 0
	b.lastReason = nil
	b.pendingDelay = 0
	b.pendingReason = nil
}

// Snapshot returns a copy of the current state.
func (b *Backoff) Snapshot() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BackoffState{Attempt: b.attempt, PendingDelay: b.pendingDelay}
	if b.lastReason != nil {
		r := *b.lastReason
		s.LastReason = &r
	}
	if b.pendingReason != nil {
		r := *b.pendingReason
		s.PendingReason = &r
	}
	return s
}
