package app

import (
	"context"
	"time"

	"github.com/foldlattice/agent/internal/config"
	"github.com/foldlattice/agent/internal/control"
	"github.com/foldlattice/agent/internal/gpu"
	"github.com/foldlattice/agent/internal/group"
	"github.com/foldlattice/agent/internal/unit"
	"github.com/foldlattice/agent/internal/wire"
)

// resourceRefreshInterval bounds how often the loop re-enumerates
// local CPU/GPU resources; detection is cheap but not free, and GPU
// ids do not change mid-session outside of a driver or hardware event.
const resourceRefreshInterval = 30 * time.Second

// Run starts the control surface in the background and drives the
// cooperative loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	surfaceErr := make(chan error, 1)
	go func() { surfaceErr <- a.surface.Start(ctx, control.DefaultAddr) }()

	a.detectResources(ctx)

	if a.loader != nil {
		if _, err := a.loader.Watch(a.onConfigChange); err != nil {
			a.log.Warnw("failed to watch config file for changes", "error", err)
		}
	}

	loopTicker := time.NewTicker(tickInterval)
	defer loopTicker.Stop()
	resourceTicker := time.NewTicker(resourceRefreshInterval)
	defer resourceTicker.Stop()
	accountTicker := time.NewTicker(time.Second)
	defer accountTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.Stop()
		case err := <-surfaceErr:
			if err != nil {
				a.log.Errorw("control surface exited unexpectedly", "error", err)
			}
		case now := <-loopTicker.C:
			a.tick(ctx, now)
		case <-resourceTicker.C:
			a.detectResources(ctx)
		case now := <-accountTicker.C:
			a.account.Step(ctx, now)
		}
	}
}

// onConfigChange stores the reloaded config and re-applies its
// hot-reloadable settings (user, team, passkey, cause) to the default
// group's configuration.
func (a *App) onConfigChange(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	if g, ok := a.groups[""]; ok {
		g.Config.User = cfg.User
		g.Config.Team = cfg.Team
		g.Config.Passkey = cfg.Passkey
		g.Config.Cause = cfg.Cause
	}
	a.tree.Emit([]interface{}{"config"}, cfg)
}

// Stop sequences a graceful shutdown: stop accepting new control
// connections, stop the account channel, ask every live kernel
// session to exit, persist every unit, and close the KV store --
// grounded on the teacher's Stop() ordering (stop surfaces first,
// close connections before tearing down storage).
func (a *App) Stop() error {
	a.surface.Stop()
	a.account.Reset()

	a.mu.Lock()
	for _, g := range a.groups {
		for _, u := range g.Units {
			if u.State == unit.StateRun {
				_ = a.unitEngine.StopLive(u)
			}
		}
	}
	a.mu.Unlock()

	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		if a.allUnitsStopped() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	a.mu.Lock()
	for _, g := range a.groups {
		for _, u := range g.Units {
			if err := a.unitStore.Save(u); err != nil {
				a.log.Warnw("failed to persist unit on shutdown", "unit", u.ID, "error", err)
			}
		}
	}
	a.mu.Unlock()

	return a.kvStore.Close()
}

func (a *App) allUnitsStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range a.groups {
		if !g.AllRunStopped(a.unitEngine.HasLiveSession) {
			return false
		}
	}
	return true
}

// tick runs one cooperative-loop pass: a scheduler allocation for
// every group not currently waiting, followed by a state-specific
// dispatch for every non-terminal, non-in-flight unit.
func (a *App) tick(ctx context.Context, now time.Time) {
	a.mu.Lock()
	groups := make([]*group.Group, 0, len(a.groups))
	for _, g := range a.groups {
		groups = append(groups, g)
	}
	a.mu.Unlock()

	wc := group.WaitConditions{}

	for _, g := range groups {
		a.mu.Lock()
		if g.Config.CPUs <= 0 {
			g.Config.CPUs = a.cpuCount()
		}
		waiting := group.ShouldWait(g, wc)
		if !waiting {
			a.scheduler.Pass(g)
		}
		units := append([]*unit.Unit(nil), g.Units...)
		a.mu.Unlock()

		for _, u := range units {
			a.dispatch(ctx, g, u, now)
		}

		a.tree.Emit([]interface{}{"groups", g.Name}, g)
	}
}

// dispatch evaluates one unit and, if it is ready to progress, runs
// its next state-specific operation on a dedicated goroutine so the
// loop itself never blocks on network or subprocess I/O.
func (a *App) dispatch(ctx context.Context, g *group.Group, u *unit.Unit, now time.Time) {
	if u.IsTerminal() {
		return
	}

	a.mu.Lock()
	if _, busy := a.inFlight[u.ID]; busy {
		a.mu.Unlock()
		return
	}
	ready := a.unitEngine.Evaluate(now, u)
	if u.IsTerminal() {
		a.scheduler.RecordTerminal(g, u, now)
		a.mu.Unlock()
		a.tree.Emit([]interface{}{"units", u.ID, "state"}, u.State)
		return
	}
	if !ready {
		a.mu.Unlock()
		return
	}

	switch u.State {
	case unit.StateRun:
		a.dispatchRun(ctx, g, u, now)
		a.mu.Unlock()
		return
	case unit.StateCore:
		a.inFlight[u.ID] = struct{}{}
		a.mu.Unlock()
		go a.runStart(ctx, u)
		return
	}

	a.inFlight[u.ID] = struct{}{}
	a.mu.Unlock()

	go a.runOperation(ctx, g, u)
}

// dispatchRun handles the RUN state inline: starting a paused kernel,
// sampling progress on a live one, or finalizing an exited one. The
// kernel's own lifetime is asynchronous (internal/kernel.Supervisor
// owns a background goroutine), so only Start/Finalize -- not Tick --
// need the inFlight guard, and Tick itself is non-blocking.
func (a *App) dispatchRun(ctx context.Context, g *group.Group, u *unit.Unit, now time.Time) {
	if u.Paused {
		return
	}
	if !a.unitEngine.HasLiveSession(u.ID) {
		a.inFlight[u.ID] = struct{}{}
		go a.runStart(ctx, u)
		return
	}

	stillRunning, err := a.unitEngine.Tick(now, u)
	if err != nil {
		a.log.Warnw("tick failed", "unit", u.ID, "error", err)
		return
	}
	if !stillRunning {
		a.inFlight[u.ID] = struct{}{}
		go a.runFinalize(g, u, now)
	}
}

func (a *App) runStart(ctx context.Context, u *unit.Unit) {
	defer a.clearInFlight(u.ID)

	binaryPath, err := a.unitEngine.Core(ctx, u, func(total, size int64) {
		a.tree.Emit([]interface{}{"units", u.ID, "core_progress"}, map[string]int64{"total": total, "size": size})
	})
	if err != nil {
		a.log.Warnw("core fetch failed", "unit", u.ID, "error", err)
		return
	}

	argv := buildArgv(u, a.version, a.gpusByID())
	if err := a.unitEngine.Start(ctx, u, binaryPath, argv); err != nil {
		a.log.Warnw("kernel start failed", "unit", u.ID, "error", err)
	}
	a.tree.Emit([]interface{}{"units", u.ID, "state"}, u.State)
}

func (a *App) runFinalize(g *group.Group, u *unit.Unit, now time.Time) {
	defer a.clearInFlight(u.ID)

	if err := a.unitEngine.Finalize(u); err != nil {
		a.log.Warnw("finalize failed", "unit", u.ID, "error", err)
	}

	a.mu.Lock()
	if u.IsTerminal() {
		a.scheduler.RecordTerminal(g, u, now)
	}
	a.mu.Unlock()
	a.tree.Emit([]interface{}{"units", u.ID, "state"}, u.State)
}

// runOperation dispatches the non-RUN states, each a single blocking
// network call.
func (a *App) runOperation(ctx context.Context, g *group.Group, u *unit.Unit) {
	defer a.clearInFlight(u.ID)

	var err error
	switch u.State {
	case unit.StateAssign:
		err = a.unitEngine.Assign(ctx, u, a.assignParams(g))
	case unit.StateDownload:
		err = a.unitEngine.Download(ctx, u)
	case unit.StateUpload:
		err = a.unitEngine.Upload(ctx, u)
	case unit.StateDump:
		err = a.unitEngine.Dump(ctx, u)
	}
	if err != nil {
		a.log.Debugw("unit operation failed", "unit", u.ID, "state", u.State, "error", err)
	}

	a.mu.Lock()
	if u.IsTerminal() {
		a.scheduler.RecordTerminal(g, u, time.Now())
	}
	a.mu.Unlock()
	a.tree.Emit([]interface{}{"units", u.ID, "state"}, u.State)
}

func (a *App) clearInFlight(id string) {
	a.mu.Lock()
	delete(a.inFlight, id)
	a.mu.Unlock()
}

// assignParams builds one Assign call's resource offer from the
// group's enabled CPU/GPU budget and the locally detected hardware.
func (a *App) assignParams(g *group.Group) unit.AssignParams {
	server := a.cfg.APIServer
	if len(a.cfg.AssignmentServers) > 0 {
		server = a.cfg.AssignmentServers[0]
	}

	gpus := a.gpusByID()
	var offered []wire.GPUDescription
	for id, enabled := range g.Config.GPUs {
		if !enabled {
			continue
		}
		if res, ok := gpus[id]; ok {
			offered = append(offered, toGPUDescription(res))
		}
	}

	return unit.AssignParams{
		AssignServer: server,
		User:         g.Config.User,
		Team:         g.Config.Team,
		Passkey:      g.Config.Passkey,
		Account:      a.cfg.AccountToken,
		OS:           osBlock(),
		Cause:        g.Config.Cause,
		Beta:         g.Config.Beta,
		ProjectKey:   g.Config.ProjectKey,
		GPUs:         offered,
	}
}

func toGPUDescription(g gpu.GPU) wire.GPUDescription {
	desc := wire.GPUDescription{
		Bus:        g.Bus,
		Slot:       g.Slot,
		Function:   g.Function,
		VendorID:   g.VendorID,
		DeviceID:   g.DeviceID,
		VendorName: g.VendorName,
		Species:    g.Species,
	}
	for _, api := range g.APIs {
		desc.PlatformIndex = api.PlatformIndex
		desc.DeviceIndex = api.DeviceIndex
		desc.DriverVersion = api.DriverVersion
		desc.ComputeVersion = api.ComputeVersion
		desc.UUID = api.UUID
		desc.API = api.Kind
		break
	}
	return desc
}
