// Package frametimer implements the WU progress/ETA/credit-estimate
// model of spec.md section 4.1's "Progress model" paragraph. It is
// clock-skew-robust: callers feed it the Kernel Supervisor's corrected
// run time, never wall-clock deltas directly.
//
// Grounded on the teacher's pulse/schedule/ticker.go texture (a small
// struct carrying accumulated counters updated on each tick, read back
// through accessor methods under a mutex) adapted from job-scheduling
// bookkeeping to per-WU progress bookkeeping.
package frametimer

import (
	"math"
	"sync"
	"time"
)

// Timer accumulates one WU's progress samples and derives ETA/credit
// estimates from them.
type Timer struct {
	mu sync.Mutex

	runTime time.Duration

	lastKnownDone  uint32
	lastKnownTotal uint32
	lastUpdateRun  time.Duration

	serverEstimate time.Duration // provided by the assignment, if any
	timeout        time.Duration
	deadline       time.Duration
	requestedAt    time.Time
}

// New creates a Timer for a freshly assigned WU.
func New(timeout, deadline time.Duration, requestedAt time.Time) *Timer {
	return &Timer{timeout: timeout, deadline: deadline, requestedAt: requestedAt}
}

// SetServerEstimate records the assignment-provided runtime estimate,
// when present, which the progress model prefers over derived values.
func (t *Timer) SetServerEstimate(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverEstimate = d
}

// Observe updates run time and known progress from a supervisor tick.
// runTime must be monotonically non-decreasing (the supervisor's
// clock-skew-corrected value), matching spec.md section 8 property 5.
func (t *Timer) Observe(runTime time.Duration, done, total uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if runTime > t.runTime {
		t.runTime = runTime
	}
	if total > 0 && (done != t.lastKnownDone || total != t.lastKnownTotal) {
		t.lastKnownDone = done
		t.lastKnownTotal = total
		t.lastUpdateRun = t.runTime
	}
}

// RunTime returns the accumulated, clock-skew-corrected run time.
func (t *Timer) RunTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runTime
}

// KnownProgress returns lastKnownDone/lastKnownTotal, or 0 if no
// progress sample has arrived yet.
func (t *Timer) KnownProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.knownProgressLocked()
}

func (t *Timer) knownProgressLocked() float64 {
	if t.lastKnownTotal == 0 {
		return 0
	}
	return float64(t.lastKnownDone) / float64(t.lastKnownTotal)
}

// RunTimeEstimate implements the three-tier fallback: server estimate,
// else lastKnownProgressUpdateRunTime / knownProgress, else
// 0.2*timeout or one day.
func (t *Timer) RunTimeEstimate() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.serverEstimate > 0 {
		return t.serverEstimate
	}

	known := t.knownProgressLocked()
	if known > 0 && t.lastUpdateRun > 0 {
		return time.Duration(float64(t.lastUpdateRun) / known)
	}

	if t.timeout > 0 {
		return time.Duration(0.2 * float64(t.timeout))
	}
	return 24 * time.Hour
}

// EstimatedProgress is lastKnownDone/lastKnownTotal plus a small
// runtime-derived increment, clamped to [0, 1).
func (t *Timer) EstimatedProgress() float64 {
	known := t.KnownProgress()
	estimate := t.RunTimeEstimate()
	if estimate <= 0 {
		return clamp01(known)
	}

	delta := 1.0 / estimate.Seconds()
	progress := known + math.Min(0.01, delta*t.RunTime().Seconds())
	return clamp01(progress)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v >= 1 {
		return 0.999999
	}
	return v
}

// ETA returns the estimated time remaining to completion.
func (t *Timer) ETA() time.Duration {
	progress := t.EstimatedProgress()
	estimate := t.RunTimeEstimate()
	remaining := time.Duration(float64(estimate) * (1 - progress))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CreditBonus computes the bonus multiplier spec.md section 4.1
// describes: sqrt(0.75*deadline/(now-requested+eta)), or 0 (no bonus)
// if completion would land past the timeout.
func (t *Timer) CreditBonus(now time.Time) float64 {
	t.mu.Lock()
	deadline := t.deadline
	requestedAt := t.requestedAt
	timeout := t.timeout
	t.mu.Unlock()

	eta := t.ETA()
	elapsed := now.Sub(requestedAt)

	if timeout > 0 && elapsed+eta > timeout {
		return 0
	}

	denom := (elapsed + eta).Seconds()
	if denom <= 0 {
		return 0
	}

	return math.Sqrt(0.75 * deadline.Seconds() / denom)
}
