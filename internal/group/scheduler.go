package group

import (
	"fmt"
	"time"

	"github.com/foldlattice/agent/internal/unit"
)

// rescheduleInterval is how soon the caller should re-invoke the
// scheduler when a wait predicate holds (spec.md section 4.4).
const rescheduleInterval = 250 * time.Millisecond

// maxLostWUs is the lost-WU count past which a group auto-pauses
// (spec.md section 4.4's failure-accounting paragraph).
const maxLostWUs = 4

// WaitConditions carries the externally-observed state the scheduler's
// wait predicates depend on, refreshed by the caller each tick.
type WaitConditions struct {
	SystemIdle      bool
	SystemOnBattery bool
	GPUUnresolved   bool // any enabled GPU id the detector hasn't resolved, within maxWaitTime
}

// ShouldWait implements spec.md section 4.4's wait predicates list.
func ShouldWait(g *Group, wc WaitConditions) bool {
	if g.Config.Paused {
		return true
	}
	if !g.WaitUntil.IsZero() && time.Now().Before(g.WaitUntil) {
		return true
	}
	if g.Config.OnIdle && !wc.SystemIdle {
		return true
	}
	if !g.Config.OnBattery && wc.SystemOnBattery {
		return true
	}
	if wc.GPUUnresolved {
		return true
	}
	return false
}

// Scheduler allocates CPU/GPU budgets across a group's WUs and
// triggers new assignments, per spec.md section 4.4's active pass.
type Scheduler struct {
	MaxUploads int
}

// NewScheduler builds a Scheduler with the given concurrent-upload
// budget contribution (spec.md section 4.4 step 5).
func NewScheduler(maxUploads int) *Scheduler {
	return &Scheduler{MaxUploads: maxUploads}
}

// Pass runs one active-pass allocation over g, per spec.md section
// 4.4 steps 1-5. Callers should first confirm ShouldWait(g, wc) is
// false and that no shutdown callback is pending.
func (s *Scheduler) Pass(g *Group) {
	g.removeDone()

	remainingCPUs := g.Config.CPUs
	remainingGPUs := g.enabledGPUSet()
	eligible := make(map[string]bool, len(g.Units))

	// Step 1: allocate GPU-bound WUs in insertion order.
	for _, u := range g.Units {
		if len(u.GPUs) == 0 {
			continue
		}
		if !allGPUsAvailable(u.GPUs, remainingGPUs) {
			continue
		}
		if !(u.MinCPUs <= remainingCPUs || u.MinCPUs < 2) {
			continue
		}
		u.CPUs = u.MinCPUs
		remainingCPUs -= u.MinCPUs
		for _, gid := range u.GPUs {
			delete(remainingGPUs, gid)
		}
		eligible[u.ID] = true
	}

	// Step 2: distribute leftover CPUs to eligible GPU WUs up to max_cpus.
	for _, u := range g.Units {
		if !eligible[u.ID] || len(u.GPUs) == 0 {
			continue
		}
		for u.CPUs < u.MaxCPUs && remainingCPUs > 0 {
			u.CPUs++
			remainingCPUs--
		}
	}

	// Step 3: assign remaining CPUs to pure-CPU WUs in insertion order.
	for _, u := range g.Units {
		if len(u.GPUs) > 0 || remainingCPUs <= 0 {
			continue
		}
		want := u.MaxCPUs
		if want > remainingCPUs {
			want = remainingCPUs
		}
		if want <= 0 {
			continue
		}
		u.CPUs = want
		remainingCPUs -= want
		eligible[u.ID] = true
	}

	// Step 4: pause every WU at RUN that isn't eligible; enable the rest.
	for _, u := range g.Units {
		if u.State != unit.StateRun {
			continue
		}
		u.Paused = !eligible[u.ID]
	}

	// Step 5: trigger a new assignment if under budget.
	if !g.Config.Finish {
		budget := g.EnabledGPUCount() + g.Config.CPUs/64 + s.MaxUploads
		if len(g.Units) < budget {
			g.Units = append(g.Units, unit.New(g.Name, 0, nil))
		}
	}
}

func allGPUsAvailable(want []string, remaining map[string]bool) bool {
	for _, gid := range want {
		if !remaining[gid] {
			return false
		}
	}
	return true
}

// RecordTerminal applies the failure-accounting rules of spec.md
// section 4.4 once u has reached DONE with its terminal reason set.
func (s *Scheduler) RecordTerminal(g *Group, u *unit.Unit, now time.Time) {
	switch u.Reason {
	case unit.ReasonCredited:
		g.Failures = 0
		g.LostWUs = 0
		g.WaitUntil = time.Time{}
		g.Failed = ""
		return
	case unit.ReasonDumped, unit.ReasonAborted:
		return
	}

	g.Failures++
	exp := g.Failures
	if exp > 10 {
		exp = 10
	}
	g.WaitUntil = now.Add(time.Duration(1<<uint(exp)) * time.Second)

	if wasDownloaded(u) {
		g.LostWUs++
		if g.LostWUs > maxLostWUs {
			g.Config.Paused = true
			g.Failed = fmt.Sprintf("auto-paused after %d lost work units", g.LostWUs)
		}
	}
}

// wasDownloaded reports whether u ever completed the Download step,
// inferred from its WU envelope having been populated -- the state
// machine never clears it once set.
func wasDownloaded(u *unit.Unit) bool {
	return u.Data.WU != nil
}
