package gpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePCIAddress(t *testing.T) {
	bus, slot, fn, err := parsePCIAddress("0000:01:00.0")
	require.NoError(t, err)
	require.Equal(t, 1, bus)
	require.Equal(t, 0, slot)
	require.Equal(t, 0, fn)
}

func TestParsePCIAddressRejectsMalformed(t *testing.T) {
	_, _, _, err := parsePCIAddress("not-an-address")
	require.Error(t, err)
}

func TestVendorName(t *testing.T) {
	require.Equal(t, "NVIDIA", vendorName(0x10de))
	require.Equal(t, "AMD", vendorName(0x1002))
	require.Equal(t, "0x1234", vendorName(0x1234))
}

func TestParseIndexSkipsEmptySpecies(t *testing.T) {
	idx, err := parseIndex([]byte(`[
		{"vendor_id":4318,"device_id":7939,"species":"Turing"},
		{"vendor_id":4318,"device_id":1,"species":""}
	]`))
	require.NoError(t, err)

	species, ok := idx.Species(4318, 7939)
	require.True(t, ok)
	require.Equal(t, "Turing", species)

	_, ok = idx.Species(4318, 1)
	require.False(t, ok)
}

func TestApplySupportedRequiresSpeciesAndAPI(t *testing.T) {
	idx, err := parseIndex([]byte(`[{"vendor_id":1,"device_id":2,"species":"Ampere"}]`))
	require.NoError(t, err)

	g := GPU{VendorID: 1, DeviceID: 2}
	applySupported(&g, idx)
	require.False(t, g.Supported, "no compute API enumerated it yet")

	g.APIs = []ComputeAPI{{Kind: "cuda"}}
	applySupported(&g, idx)
	require.True(t, g.Supported)
	require.Equal(t, "Ampere", g.Species)
}

func TestApplySupportedFalseWithoutIndex(t *testing.T) {
	g := GPU{VendorID: 1, DeviceID: 2, APIs: []ComputeAPI{{Kind: "opencl"}}}
	applySupported(&g, nil)
	require.False(t, g.Supported)
}
