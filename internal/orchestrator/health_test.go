package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/sand/internal/remote"
	"github.com/terrpan/sand/internal/vm"
)

// ---------------------------------------------------------------------------
// HealthState
// ---------------------------------------------------------------------------

func TestHealthState_FirstMessageWins(t *testing.T) {
	h := NewHealthState()
	_, failed := h.FailureMessage()
	assert.False(t, failed)

	assert.True(t, h.MarkFailed("first"))
	assert.False(t, h.MarkFailed("second"))

	msg, failed := h.FailureMessage()
	assert.True(t, failed)
	assert.Equal(t, "first", msg)
}

func TestHealthState_ReleasesAllWaiters(t *testing.T) {
	h := NewHealthState()

	var wg sync.WaitGroup
	var released atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-h.Failed()
			if msg, failed := h.FailureMessage(); failed && msg == "down" {
				released.Add(1)
			}
		}()
	}

	h.MarkFailed("down")
	wg.Wait()
	assert.Equal(t, int32(10), released.Load())
}

func TestHealthState_FailedStaysOpenUntilMarked(t *testing.T) {
	h := NewHealthState()
	select {
	case <-h.Failed():
		t.Fatal("latch released before MarkFailed")
	default:
	}
}

// ---------------------------------------------------------------------------
// Probe wrapping
// ---------------------------------------------------------------------------

func TestHealthProbeScript(t *testing.T) {
	script := healthProbeScript("pgrep -f Runner.Listener")
	assert.Contains(t, script, "set +e")
	assert.Contains(t, script, "pgrep -f Runner.Listener")
	assert.Contains(t, script, healthMarker)
	assert.Contains(t, script, "exit 0")
}

func TestParseProbeOutput(t *testing.T) {
	tests := []struct {
		name       string
		stdout     string
		wantCode   int
		wantOutput string
		wantOK     bool
	}{
		{"success", "\n" + healthMarker + "0\n", 0, "", true},
		{"failure with output", "listener missing\n" + healthMarker + "1\n", 1, "listener missing", true},
		{"no marker", "plain output\n", 0, "plain output", false},
		{"garbage marker", healthMarker + "x\n", 0, healthMarker + "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, output, ok := parseProbeOutput(tt.stdout)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantOutput, output)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

// ---------------------------------------------------------------------------
// Monitor
// ---------------------------------------------------------------------------

func probeResult(code int) (remote.Result, error) {
	return remote.Result{Stdout: fmt.Sprintf("probe\n%s%d\n", healthMarker, code)}, nil
}

func newTestMonitor(driver *mockDriver, exec *mockExecutor, spec HealthCheckSpec, control *Control) (*healthMonitor, *HealthState) {
	state := NewHealthState()
	sleeper := &sleepRecorder{}
	return &healthMonitor{
		spec:        spec,
		vmName:      "runner-1",
		driver:      driver,
		newExecutor: exec.factory(),
		state:       state,
		control:     control,
		ipWait:      time.Second,
		graceMin:    time.Nanosecond,
		sleep:       sleeper.sleep,
		now:         time.Now,
		logger:      discardLogger(),
	}, state
}

func TestHealthMonitor_FailureAfterGraceTerminatesProvisioning(t *testing.T) {
	driver := newMockDriver()
	driver.setVM("runner-1", vm.StatusRunning)
	exec := &mockExecutor{execFn: func(string) (remote.Result, error) { return probeResult(3) }}
	control := NewControl()
	handle := newMockHandle()
	control.SetProvisioning(handle)

	m, state := newTestMonitor(driver, exec, HealthCheckSpec{Command: "check", Interval: 5 * time.Millisecond}, control)
	m.run(context.Background())

	msg, failed := state.FailureMessage()
	require.True(t, failed)
	assert.Contains(t, msg, "code 3")
	assert.Equal(t, 1, handle.terminatedCount())
	// The first probes fell inside the grace window.
	assert.Greater(t, len(exec.getExecs()), 1)
}

func TestHealthMonitor_StoppedVMFailsImmediately(t *testing.T) {
	driver := newMockDriver()
	driver.setVM("runner-1", vm.StatusStopped)
	exec := &mockExecutor{}

	m, state := newTestMonitor(driver, exec, HealthCheckSpec{Command: "check", Interval: time.Minute}, NewControl())
	m.run(context.Background())

	msg, failed := state.FailureMessage()
	require.True(t, failed)
	assert.Contains(t, msg, "stopped")
	assert.Empty(t, exec.getExecs())
}

func TestHealthMonitor_FailureAfterSuccessSkipsGrace(t *testing.T) {
	driver := newMockDriver()
	driver.setVM("runner-1", vm.StatusRunning)
	var probes atomic.Int32
	exec := &mockExecutor{execFn: func(string) (remote.Result, error) {
		switch probes.Add(1) {
		case 2:
			return probeResult(0)
		default:
			return probeResult(1)
		}
	}}

	m, state := newTestMonitor(driver, exec, HealthCheckSpec{Command: "check", Interval: time.Minute / 2}, NewControl())
	m.run(context.Background())

	_, failed := state.FailureMessage()
	assert.True(t, failed)
	assert.Equal(t, int32(3), probes.Load())
}

func TestHealthMonitor_HungProbeCountsAsUnhealthy(t *testing.T) {
	driver := newMockDriver()
	driver.setVM("runner-1", vm.StatusRunning)
	exec := &mockExecutor{execCtxFn: func(ctx context.Context, _ string) (remote.Result, error) {
		<-ctx.Done()
		return remote.Result{}, ctx.Err()
	}}
	control := NewControl()
	handle := newMockHandle()
	control.SetProvisioning(handle)

	m, state := newTestMonitor(driver, exec, HealthCheckSpec{Command: "check", Interval: 5 * time.Millisecond}, control)
	m.probeTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.run(ctx)

	msg, failed := state.FailureMessage()
	require.True(t, failed)
	assert.Contains(t, msg, "did not finish within 10ms")
	assert.Equal(t, 1, handle.terminatedCount())
}

func TestHealthMonitor_TransportErrorsAreRetried(t *testing.T) {
	driver := newMockDriver()
	driver.setVM("runner-1", vm.StatusRunning)
	exec := &mockExecutor{execFn: func(string) (remote.Result, error) {
		return remote.Result{}, &remote.TransportError{Op: "dial", Err: errors.New("connection refused")}
	}}

	m, state := newTestMonitor(driver, exec, HealthCheckSpec{Command: "check", Interval: 5 * time.Millisecond}, NewControl())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.run(ctx)
	}()

	require.Eventually(t, func() bool { return len(exec.getExecs()) >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done

	_, failed := state.FailureMessage()
	assert.False(t, failed)
}

func TestHealthMonitor_CancelledDuringDelay(t *testing.T) {
	driver := newMockDriver()
	exec := &mockExecutor{}

	m, state := newTestMonitor(driver, exec, HealthCheckSpec{Command: "check", Interval: time.Second, Delay: time.Hour}, NewControl())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.run(ctx)
	}()
	cancel()
	<-done

	_, failed := state.FailureMessage()
	assert.False(t, failed)
	assert.Empty(t, exec.getExecs())
}
