package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foldlattice/agent/internal/gpu"
	"github.com/foldlattice/agent/internal/unit"
)

func TestBuildArgvCPUOnly(t *testing.T) {
	u := unit.New("", 4, nil)
	argv := buildArgv(u, "7.0", nil)

	require.Contains(t, argv, "-dir")
	require.Contains(t, argv, "-np")
	require.NotContains(t, argv, "-gpu-platform")
}

func TestBuildArgvIncludesLifelinePID(t *testing.T) {
	u := unit.New("", 1, nil)
	argv := buildArgv(u, "7.0", nil)

	require.Contains(t, argv, "-lifeline")
	require.Contains(t, argv, "-version")
	require.Contains(t, argv, "7.0")
}

func TestBuildArgvGPUUsesOpenCLPlatformByDefault(t *testing.T) {
	u := unit.New("", 1, []string{"gpu:0000:00.0"})
	gpus := map[string]gpu.GPU{
		"gpu:0000:00.0": {
			ID:         "gpu:0000:00.0",
			VendorName: "NVIDIA",
			APIs: []gpu.ComputeAPI{
				{Kind: "opencl", PlatformIndex: 0, DeviceIndex: 1, UUID: "GPU-abc"},
			},
		},
	}

	argv := buildArgv(u, "7.0", gpus)

	require.Contains(t, argv, "-gpu-platform")
	require.Contains(t, argv, "opencl")
	require.Contains(t, argv, "-gpu-uuid")
	require.Contains(t, argv, "GPU-abc")
	require.NotContains(t, argv, "-np")
}

func TestBuildArgvGPUPrefersCUDAPlatformWhenSupported(t *testing.T) {
	u := unit.New("", 1, []string{"gpu:0000:00.0"})
	gpus := map[string]gpu.GPU{
		"gpu:0000:00.0": {
			ID:         "gpu:0000:00.0",
			VendorName: "NVIDIA",
			APIs: []gpu.ComputeAPI{
				{Kind: "opencl", PlatformIndex: 0, DeviceIndex: 1},
				{Kind: "cuda", DeviceIndex: 1, UUID: "GPU-xyz"},
			},
		},
	}

	argv := buildArgv(u, "7.0", gpus)

	require.Contains(t, argv, "cuda")
	require.Contains(t, argv, "GPU-xyz")
}

func TestBuildArgvFallsBackToNPWhenGPUUnresolved(t *testing.T) {
	u := unit.New("", 3, []string{"gpu:unknown"})
	argv := buildArgv(u, "7.0", map[string]gpu.GPU{})

	require.Contains(t, argv, "-np")
}
