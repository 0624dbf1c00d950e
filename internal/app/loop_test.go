package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldlattice/agent/internal/gpu"
	"github.com/foldlattice/agent/internal/group"
)

func TestTickDefaultsGroupCPUsFromDetectedResources(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, nil, "7.0")
	require.NoError(t, err)

	a.resourcesMu.Lock()
	a.resources = &gpu.Resources{CPUCount: 8}
	a.resourcesMu.Unlock()

	a.tick(nil, time.Now())
	require.Equal(t, 8, a.groups[""].Config.CPUs)
}

func TestAssignParamsOnlyOffersEnabledGPUs(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, nil, "7.0")
	require.NoError(t, err)

	a.resourcesMu.Lock()
	a.resources = &gpu.Resources{
		GPUs: []gpu.GPU{
			{ID: "gpu:a", VendorName: "NVIDIA"},
			{ID: "gpu:b", VendorName: "AMD"},
		},
	}
	a.resourcesMu.Unlock()

	g := group.New("")
	g.Config.GPUs = map[string]bool{"gpu:a": true, "gpu:b": false}

	params := a.assignParams(g)
	require.Len(t, params.GPUs, 1)
	require.Equal(t, "NVIDIA", params.GPUs[0].VendorName)
}

func TestToGPUDescriptionCopiesFirstAPI(t *testing.T) {
	g := gpu.GPU{
		ID:         "gpu:a",
		VendorName: "NVIDIA",
		APIs: []gpu.ComputeAPI{
			{Kind: "cuda", DeviceIndex: 2, UUID: "GPU-1"},
		},
	}
	desc := toGPUDescription(g)
	require.Equal(t, "cuda", desc.API)
	require.Equal(t, "GPU-1", desc.UUID)
}

func TestOnConfigChangeUpdatesDefaultGroup(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, nil, "7.0")
	require.NoError(t, err)

	updated := *cfg
	updated.User = "someone-else"
	a.onConfigChange(&updated)

	require.Equal(t, "someone-else", a.groups[""].Config.User)
	require.Equal(t, "someone-else", a.cfg.User)
}

func TestAssignParamsUsesFirstAssignmentServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.AssignmentServers = []string{"assign1.example.org", "assign2.example.org"}
	a, err := New(cfg, nil, "7.0")
	require.NoError(t, err)

	params := a.assignParams(a.groups[""])
	require.Equal(t, "assign1.example.org", params.AssignServer)
}
