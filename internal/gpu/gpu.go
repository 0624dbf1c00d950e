// Package gpu implements the GPU Registry: resource enumeration (CPU
// pseudo-device count plus GPU tuples) and the downloaded vendor/
// species index that determines whether a detected GPU is "supported"
// (spec.md section 3's Resource type and section 4 GPU Registry row).
//
// CPU count and host uptime come from gopsutil, which the
// teacher already imports for host introspection. PCI bus enumeration
// has no equivalent in gopsutil or anywhere else in the pack — no
// example repo enumerates PCI vendor/device ids — so that one piece
// parses /sys/bus/pci/devices directly (stdlib os/path only); see
// DESIGN.md for the stdlib justification.
package gpu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/foldlattice/agent/internal/errs"
)

// ComputeAPI describes one compute-API enumeration of a GPU (OpenCL,
// CUDA, or HIP), per spec.md section 3.
type ComputeAPI struct {
	Kind           string // "opencl", "cuda", "hip"
	PlatformIndex  int
	DeviceIndex    int
	DriverVersion  string
	ComputeVersion string
	UUID           string
}

// GPU is the detected-resource tuple of spec.md section 3.
type GPU struct {
	ID       string // "gpu:BBBB:SS.F" bus/slot/function identity
	Bus      int
	Slot     int
	Function int
	VendorID int
	DeviceID int

	VendorName string
	Species    string // model family, assigned by the vendor index

	APIs []ComputeAPI

	Supported bool
}

// Resources is the full detected-resource set: logical CPU count plus
// every enumerated GPU.
type Resources struct {
	CPUCount int
	GPUs     []GPU
}

// Detect enumerates CPUs and GPUs and applies index to mark each GPU
// supported or not. index may be nil, in which case every GPU is
// unsupported (no species assigned yet).
func Detect(ctx context.Context, index *Index) (*Resources, error) {
	cpuCount, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, errs.Wrap(err, "failed to count logical CPUs")
	}

	gpus, err := enumeratePCIGPUs()
	if err != nil {
		return nil, err
	}

	for i := range gpus {
		applySupported(&gpus[i], index)
	}

	return &Resources{CPUCount: cpuCount, GPUs: gpus}, nil
}

// applySupported implements the section 3 invariant: "a GPU is
// supported iff the vendor index assigns a non-zero species AND at
// least one compute API enumerated it."
func applySupported(g *GPU, index *Index) {
	if index == nil || len(g.APIs) == 0 {
		g.Supported = false
		return
	}
	species, ok := index.Species(g.VendorID, g.DeviceID)
	if !ok || species == "" {
		g.Supported = false
		return
	}
	g.Species = species
	g.Supported = true
}

// enumeratePCIGPUs walks /sys/bus/pci/devices on Linux looking for
// display-class PCI devices (class code 03xxxx). On platforms without
// that tree it returns an empty (not erroring) GPU list, since a
// machine can legitimately contribute CPU-only work.
func enumeratePCIGPUs() ([]GPU, error) {
	const pciRoot = "/sys/bus/pci/devices"

	entries, err := os.ReadDir(pciRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "failed to read PCI device tree")
	}

	var gpus []GPU
	for _, entry := range entries {
		devPath := filepath.Join(pciRoot, entry.Name())

		class, err := readHexFile(filepath.Join(devPath, "class"))
		if err != nil || (class>>16)&0xff != 0x03 {
			continue // not a display-class device
		}

		vendor, err := readHexFile(filepath.Join(devPath, "vendor"))
		if err != nil {
			continue
		}
		device, err := readHexFile(filepath.Join(devPath, "device"))
		if err != nil {
			continue
		}

		bus, slot, fn, err := parsePCIAddress(entry.Name())
		if err != nil {
			continue
		}

		gpus = append(gpus, GPU{
			ID:         fmt.Sprintf("gpu:%04x:%02x.%d", bus, slot, fn),
			Bus:        bus,
			Slot:       slot,
			Function:   fn,
			VendorID:   int(vendor),
			DeviceID:   int(device),
			VendorName: vendorName(int(vendor)),
		})
	}

	return gpus, nil
}

// parsePCIAddress parses a sysfs device directory name of the form
// "0000:01:00.0" into bus/slot/function.
func parsePCIAddress(name string) (bus, slot, fn int, err error) {
	parts := strings.SplitN(name, ":", 3)
	if len(parts) != 3 {
		return 0, 0, 0, errs.Newf("malformed PCI address %q", name)
	}
	slotFn := strings.SplitN(parts[2], ".", 2)
	if len(slotFn) != 2 {
		return 0, 0, 0, errs.Newf("malformed PCI address %q", name)
	}

	busVal, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return 0, 0, 0, errs.Wrapf(err, "bad bus in PCI address %q", name)
	}
	slotVal, err := strconv.ParseInt(slotFn[0], 16, 32)
	if err != nil {
		return 0, 0, 0, errs.Wrapf(err, "bad slot in PCI address %q", name)
	}
	fnVal, err := strconv.ParseInt(slotFn[1], 16, 32)
	if err != nil {
		return 0, 0, 0, errs.Wrapf(err, "bad function in PCI address %q", name)
	}

	return int(busVal), int(slotVal), int(fnVal), nil
}

func readHexFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseInt(s, 16, 64)
}

func vendorName(vendorID int) string {
	switch vendorID {
	case 0x10de:
		return "NVIDIA"
	case 0x1002:
		return "AMD"
	case 0x8086:
		return "Intel"
	default:
		return fmt.Sprintf("0x%04x", vendorID)
	}
}

// Uptime returns the host uptime in seconds, read through gopsutil's
// host.UptimeWithContext.
func Uptime(ctx context.Context) (uint64, error) {
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, errs.Wrap(err, "failed to read host uptime")
	}
	return up, nil
}
