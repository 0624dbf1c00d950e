package app

import (
	"os"
	"strconv"

	"github.com/foldlattice/agent/internal/gpu"
	"github.com/foldlattice/agent/internal/unit"
)

// buildArgv constructs the kernel command line, grounded on the
// original client's Unit::run: -dir/-suffix/-version/-lifeline always,
// then either the GPU flag block for the unit's first assigned GPU or
// a plain -np core count for a CPU-only unit.
func buildArgv(u *unit.Unit, version string, gpus map[string]gpu.GPU) []string {
	argv := []string{
		"-dir", u.ID,
		"-suffix", "01",
		"-version", version,
		"-lifeline", strconv.Itoa(os.Getpid()),
	}

	if len(u.GPUs) == 0 {
		return append(argv, "-np", strconv.Itoa(u.CPUs))
	}

	g, ok := gpus[u.GPUs[0]]
	if !ok {
		return append(argv, "-np", strconv.Itoa(u.CPUs))
	}

	withCUDA := apiSupported(g, "cuda")
	withHIP := apiSupported(g, "hip")

	if api, ok := findAPI(g, "opencl"); ok && api.UUID != "" {
		argv = append(argv, "-gpu-uuid", api.UUID)
	} else if withCUDA {
		if api, ok := findAPI(g, "cuda"); ok && api.UUID != "" {
			argv = append(argv, "-gpu-uuid", api.UUID)
		}
	}

	platform := "opencl"
	if withCUDA {
		platform = "cuda"
	}
	argv = append(argv, "-gpu-platform", platform)
	argv = append(argv, "-gpu-vendor", g.VendorName)

	if api, ok := findAPI(g, "opencl"); ok {
		argv = append(argv, "-gpu-platform-index", strconv.Itoa(api.PlatformIndex))
		argv = append(argv, "-gpu-device-index", strconv.Itoa(api.DeviceIndex))
	}
	if withCUDA {
		if api, ok := findAPI(g, "cuda"); ok {
			argv = append(argv, "-gpu-device-index", strconv.Itoa(api.DeviceIndex))
		}
	}
	if withHIP {
		if api, ok := findAPI(g, "hip"); ok {
			argv = append(argv, "-gpu-device-index", strconv.Itoa(api.DeviceIndex))
		}
	}

	return argv
}

func apiSupported(g gpu.GPU, kind string) bool {
	_, ok := findAPI(g, kind)
	return ok
}

func findAPI(g gpu.GPU, kind string) (gpu.ComputeAPI, bool) {
	for _, api := range g.APIs {
		if api.Kind == kind {
			return api, true
		}
	}
	return gpu.ComputeAPI{}, false
}
