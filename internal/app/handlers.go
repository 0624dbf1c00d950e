package app

import (
	"github.com/foldlattice/agent/internal/control"
	"github.com/foldlattice/agent/internal/unit"
)

// handlers wires the Local Control Surface's command set to App
// methods. control never imports unit/group/account itself (spec.md
// section 4.6); this is the one place that bridges the two.
func (a *App) handlers() control.Handlers {
	return control.Handlers{
		Dump:    a.handleDump,
		State:   a.handleState,
		Config:  a.handleConfig,
		Restart: a.handleRestart,
		Link:    a.handleLink,
		Viz:     a.handleViz,
		Log:     a.handleLog,
		WUs:     a.handleWUs,
	}
}

// handleDump requests a clean DUMP transition for every non-terminal
// unit across every group, the `dump` command's all-units form.
func (a *App) handleDump() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range a.groups {
		for _, u := range g.Units {
			a.unitEngine.DumpRequested(u)
		}
	}
	a.log.Info("dump requested for all units")
}

// handleState applies a PAUSE/RUN/FINISH state string to one named
// group, or every group when group is empty.
func (a *App) handleState(state, groupName string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, g := range a.groups {
		if groupName != "" && name != groupName {
			continue
		}
		switch state {
		case "PAUSE":
			g.Config.Paused = true
		case "RUN":
			g.Config.Paused = false
			g.Config.Finish = false
		case "FINISH":
			g.Config.Finish = true
		}
		a.tree.Emit([]interface{}{"groups", name, "config"}, g.Config)
	}
}

func (a *App) handleConfig() interface{} {
	return a.cfg
}

// handleRestart stops every live kernel session; each affected unit's
// next state comes from Finalize's classification of the kernel's exit.
func (a *App) handleRestart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range a.groups {
		for _, u := range g.Units {
			if u.State == unit.StateRun {
				if err := a.unitEngine.StopLive(u); err != nil {
					a.log.Warnw("failed to stop unit for restart", "unit", u.ID, "error", err)
				}
			}
		}
	}
}

func (a *App) handleLink(token, name string) {
	if err := a.acctTable.Set("token", token); err != nil {
		a.log.Warnw("failed to persist account token", "error", err)
	}
	a.account.RequestLink(token, name)
}

// handleViz answers a visualization request with the unit's last
// known progress; full trajectory-frame decoding is out of this
// agent's scope (spec.md has no viewer-data wire format).
func (a *App) handleViz(unitID string, frame int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range a.groups {
		for _, u := range g.Units {
			if u.ID == unitID {
				a.tree.Emit([]interface{}{"viz", unitID}, map[string]interface{}{
					"frame":    frame,
					"progress": u.GetKnownProgress(),
				})
				return
			}
		}
	}
}

func (a *App) handleLog(enable bool) {
	a.tree.Emit([]interface{}{"log_streaming"}, enable)
}

// handleWUs toggles whether every group accepts and runs work,
// resolved as the control surface's global pause/resume switch.
func (a *App) handleWUs(enable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, g := range a.groups {
		g.Config.Paused = !enable
		a.tree.Emit([]interface{}{"groups", name, "config"}, g.Config)
	}
}
