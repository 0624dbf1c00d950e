// Package app wires every component into the single cooperative event
// loop spec.md section 5 describes: one ticker-driven goroutine that
// evaluates every group and unit each tick, handing blocking network
// and subprocess work off to short-lived goroutines that report back
// under the App's lock rather than stalling the loop itself.
//
// Grounded on the now-deleted pulse/async/queue.go's dispatcher loop
// (a single goroutine re-evaluating a job set on a ticker, spawning a
// worker goroutine per ready job) and on server/lifecycle.go's Start/
// Stop sequencing for startup ordering and graceful shutdown.
package app

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foldlattice/agent/internal/account"
	"github.com/foldlattice/agent/internal/config"
	"github.com/foldlattice/agent/internal/control"
	"github.com/foldlattice/agent/internal/corecache"
	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/gpu"
	"github.com/foldlattice/agent/internal/group"
	"github.com/foldlattice/agent/internal/httpclient"
	"github.com/foldlattice/agent/internal/identity"
	"github.com/foldlattice/agent/internal/kv"
	"github.com/foldlattice/agent/internal/logger"
	"github.com/foldlattice/agent/internal/unit"
	"github.com/foldlattice/agent/internal/wire"
)

// tickInterval is how often the cooperative loop re-evaluates every
// group and unit, matching the scheduler's own reschedule cadence.
const tickInterval = 250 * time.Millisecond

// shutdownTimeout bounds how long Stop waits for in-flight kernel
// sessions and network calls to unwind before it gives up and persists
// whatever state it has.
const shutdownTimeout = 30 * time.Second

// App is the fully composed agent: every subsystem plus the loop that
// drives them.
type App struct {
	cfg     *config.Config
	loader  *config.Loader
	version string
	log     *zap.SugaredLogger

	kvStore *kv.Store
	id      *identity.Identity
	http    *httpclient.SaferClient
	cores   *corecache.Cache

	gpuIndex     *gpu.IndexStore
	resources    *gpu.Resources
	resourcesMu  sync.RWMutex

	unitEngine *unit.Engine
	unitStore  *unit.Store
	scheduler  *group.Scheduler

	mu     sync.Mutex
	groups map[string]*group.Group

	account   *account.Channel
	acctTable *kv.Table
	tree      *control.Tree
	surface   *control.Surface

	inFlight map[string]struct{}
}

// New composes every subsystem from cfg. It opens (or creates) the KV
// store at cfg.DataDir, loads or generates the client identity, and
// restores any persisted groups/units, but does not yet start the
// network or websocket surfaces -- that is Run's job.
func New(cfg *config.Config, loader *config.Loader, version string) (*App, error) {
	log := logger.ComponentLogger("app")

	store, err := kv.Open(filepath.Join(cfg.DataDir, "agent.db"), log)
	if err != nil {
		return nil, errs.Wrap(err, "failed to open kv store")
	}

	configTable, err := store.Table("config")
	if err != nil {
		return nil, errs.Wrap(err, "failed to open config table")
	}
	id, err := loadOrGenerateIdentity(configTable)
	if err != nil {
		return nil, errs.Wrap(err, "failed to establish client identity")
	}

	httpClient := httpclient.NewSaferClient(30 * time.Second)

	coreTable, err := store.Table("cores")
	if err != nil {
		return nil, errs.Wrap(err, "failed to open core cache table")
	}
	cores, err := corecache.New(coreTable, httpClient, cfg.DataDir+"/cores")
	if err != nil {
		return nil, errs.Wrap(err, "failed to open core cache")
	}

	gpuTable, err := store.Table("gpu_index")
	if err != nil {
		return nil, errs.Wrap(err, "failed to open gpu index table")
	}
	gpuIndex := gpu.NewIndexStore(gpuTable, httpClient)

	unitTable, err := store.Table("units")
	if err != nil {
		return nil, errs.Wrap(err, "failed to open unit table")
	}
	unitStore := unit.NewStore(unitTable)
	unitEngine := unit.NewEngine(id, httpClient, cores, cfg.DataDir+"/work", version)

	groups, err := restoreGroups(cfg, unitStore)
	if err != nil {
		return nil, errs.Wrap(err, "failed to restore groups")
	}

	acct := account.NewChannel(id, httpClient, cfg.APIServer)
	if err := restoreAccountToken(configTable, acct, cfg); err != nil {
		log.Warnw("failed to restore account link state", "error", err)
	}

	a := &App{
		cfg:        cfg,
		loader:     loader,
		version:    version,
		log:        log,
		kvStore:    store,
		id:         id,
		http:       httpClient,
		cores:      cores,
		gpuIndex:   gpuIndex,
		unitEngine: unitEngine,
		unitStore:  unitStore,
		scheduler:  group.NewScheduler(2),
		groups:     groups,
		account:    acct,
		acctTable:  configTable,
		tree:       control.NewTree(),
		inFlight:   make(map[string]struct{}),
	}
	a.surface = control.NewSurface(a.tree, a.handlers())

	return a, nil
}

// loadOrGenerateIdentity loads the persisted private key from table,
// generating and persisting a fresh one on first run.
func loadOrGenerateIdentity(table *kv.Table) (*identity.Identity, error) {
	pemStr, ok, err := table.Get("private_key")
	if err != nil {
		return nil, err
	}
	var existing []byte
	if ok {
		existing = []byte(pemStr)
	}

	id, pemOut, err := identity.LoadOrGenerate(existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := table.Set("private_key", string(pemOut)); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// restoreGroups loads every persisted unit and buckets it into its
// group, creating the always-present default group if it has no
// persisted units yet.
func restoreGroups(cfg *config.Config, store *unit.Store) (map[string]*group.Group, error) {
	groups := map[string]*group.Group{"": defaultGroupFromConfig(cfg)}

	units, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		g, ok := groups[u.Group]
		if !ok {
			g = group.New(u.Group)
			groups[u.Group] = g
		}
		g.Units = append(g.Units, u)
	}
	return groups, nil
}

func defaultGroupFromConfig(cfg *config.Config) *group.Group {
	g := group.New("")
	g.Config.User = cfg.User
	g.Config.Team = cfg.Team
	g.Config.Passkey = cfg.Passkey
	g.Config.Cause = cfg.Cause
	return g
}

// restoreAccountToken re-links the account channel from a previously
// persisted token so a restart does not force the user through the
// web-control link flow again.
func restoreAccountToken(table *kv.Table, acct *account.Channel, cfg *config.Config) error {
	token := cfg.AccountToken
	if token == "" {
		stored, ok, err := table.Get("token")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		token = stored
	}
	acct.RequestLink(token, cfg.MachineName)
	return nil
}

// detectResources refreshes the GPU index (subject to its own retry
// backoff) and re-enumerates local CPU/GPU resources.
func (a *App) detectResources(ctx context.Context) {
	idx, err := a.gpuIndex.Load(ctx)
	if err != nil {
		a.log.Debugw("gpu index unavailable, proceeding without species data", "error", err)
	}

	res, err := gpu.Detect(ctx, idx)
	if err != nil {
		a.log.Warnw("gpu/cpu detection failed", "error", err)
		return
	}

	a.resourcesMu.Lock()
	a.resources = res
	a.resourcesMu.Unlock()

	a.tree.Emit([]interface{}{"resources"}, res)
}

func (a *App) gpusByID() map[string]gpu.GPU {
	a.resourcesMu.RLock()
	defer a.resourcesMu.RUnlock()
	out := make(map[string]gpu.GPU)
	if a.resources == nil {
		return out
	}
	for _, g := range a.resources.GPUs {
		out[g.ID] = g
	}
	return out
}

func (a *App) cpuCount() int {
	a.resourcesMu.RLock()
	defer a.resourcesMu.RUnlock()
	if a.resources == nil {
		return runtime.NumCPU()
	}
	return a.resources.CPUCount
}

func osBlock() wire.OSBlock {
	return wire.OSBlock{Type: runtime.GOOS, Arch: runtime.GOARCH}
}
