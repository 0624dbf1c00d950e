// Package group implements the Group Scheduler: the named CPU/GPU
// budget owner that creates, paces, and retires work units (spec.md
// section 4.4).
//
// Grounded on the now-deleted pulse/async/worker.go's WorkerPool: a
// named pool with a budget/rate-limit gate checked before dequeuing
// work, graceful pause/resume, and failure-driven backoff -- adapted
// from a generic job queue's budget gate to this domain's CPU/GPU
// allocation gate, and from "pause when the budget tracker says no"
// to "pause when on_idle/on_battery/GPU-unresolved wait predicates
// say no."
package group

import (
	"time"

	"github.com/foldlattice/agent/internal/unit"
)

// Config is a group's in-memory configuration (spec.md section 3's
// Group type).
type Config struct {
	Paused     bool            `json:"paused"`
	Finish     bool            `json:"finish"`
	CPUs       int             `json:"cpus"`
	GPUs       map[string]bool `json:"gpus"` // gpu id -> enabled
	Cause      string          `json:"cause"`
	Passkey    string          `json:"passkey"`
	User       string          `json:"user"`
	Team       int             `json:"team"`
	ProjectKey string          `json:"project_key,omitempty"`
	Beta       bool            `json:"beta,omitempty"`
	OnIdle     bool            `json:"on_idle"`
	OnBattery  bool            `json:"on_battery"`
	KeepAwake  bool            `json:"keep_awake"`
}

// Group is a named WU owner; the empty-string name is the default
// group, which always exists and is never deleted.
type Group struct {
	Name   string
	Config Config
	Units  []*unit.Unit

	Failures  int       `json:"failures"`
	LostWUs   int       `json:"lost_wus"`
	WaitUntil time.Time `json:"wait_until,omitempty"`
	Failed    string    `json:"failed,omitempty"`
}

// New creates a group with an empty GPU enable map.
func New(name string) *Group {
	return &Group{Name: name, Config: Config{GPUs: make(map[string]bool)}}
}

// enabledGPUSet returns a fresh set of the group's enabled GPU ids,
// safe for the allocator to mutate as it consumes them.
func (g *Group) enabledGPUSet() map[string]bool {
	set := make(map[string]bool, len(g.Config.GPUs))
	for id, enabled := range g.Config.GPUs {
		if enabled {
			set[id] = true
		}
	}
	return set
}

// EnabledGPUCount returns how many GPUs are enabled, used by the
// new-WU trigger budget (spec.md section 4.4 step 5).
func (g *Group) EnabledGPUCount() int {
	n := 0
	for _, enabled := range g.Config.GPUs {
		if enabled {
			n++
		}
	}
	return n
}

// removeDone drops every WU that has reached DONE, the first action
// of every scheduler pass (spec.md section 4.4).
func (g *Group) removeDone() {
	live := g.Units[:0]
	for _, u := range g.Units {
		if !u.IsTerminal() {
			live = append(live, u)
		}
	}
	g.Units = live
}

// AllRunStopped reports whether no WU currently owns a live
// subprocess, the precondition a pending shutdown callback waits on.
func (g *Group) AllRunStopped(hasLiveSession func(id string) bool) bool {
	for _, u := range g.Units {
		if u.State == unit.StateRun && !u.Paused && hasLiveSession(u.ID) {
			return false
		}
	}
	return true
}
