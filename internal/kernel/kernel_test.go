package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildArgvCPU(t *testing.T) {
	argv := BuildArgv(Args{
		WorkDir: "work/0x1a", Suffix: "01", Version: "8.4.1", LifelinePID: 4242,
		NumCPUs: 4,
	})
	require.Equal(t, []string{
		"-dir", "work/0x1a", "-suffix", "01", "-version", "8.4.1", "-lifeline", "4242",
		"-np", "4",
	}, argv)
}

func TestBuildArgvGPU(t *testing.T) {
	argv := BuildArgv(Args{
		WorkDir: "work/0x1a", Suffix: "01", Version: "8.4.1", LifelinePID: 99,
		HasGPU: true, GPUUUID: "abc-123", GPUPlatform: "cuda", GPUVendor: "NVIDIA",
		OpenCLPlatform: 0, OpenCLDevice: 1,
		HasCUDA: true, CUDAPlatform: 0, CUDADevice: 1,
		GPUIndex: 1,
	})
	require.Equal(t, []string{
		"-dir", "work/0x1a", "-suffix", "01", "-version", "8.4.1", "-lifeline", "99",
		"-gpu-uuid", "abc-123", "-gpu-platform", "cuda", "-gpu-vendor", "NVIDIA",
		"-opencl-platform", "0", "-opencl-device", "1",
		"-cuda-platform", "0", "-cuda-device", "1",
		"-gpu", "1",
	}, argv)
}

func TestClassifyFinishedUnit(t *testing.T) {
	require.Equal(t, DispositionReturn, Classify(FinishedUnit, false, false))
}

func TestClassifyInterrupted(t *testing.T) {
	require.Equal(t, DispositionRetryCore, Classify(Interrupted, false, false))
}

func TestClassifyCoreRestart(t *testing.T) {
	require.Equal(t, DispositionRestart, Classify(CoreRestart, false, false))
}

func TestClassifyUnknownCodeDumps(t *testing.T) {
	require.Equal(t, DispositionFail, Classify(ExitCode(9999), false, false))
}

func TestClassifyKilledAlwaysFails(t *testing.T) {
	require.Equal(t, DispositionFail, Classify(FinishedUnit, true, false))
}

func TestClassifyMallocErrorDumps(t *testing.T) {
	require.Equal(t, DispositionFail, Classify(MallocError, false, false))
}

func TestSampleDetectsForwardSkew(t *testing.T) {
	s := &Supervisor{startTime: time.Unix(0, 0), lastSample: time.Unix(0, 0)}

	s.Sample(time.Unix(120, 0))
	require.Equal(t, time.Duration(0), s.ClockSkew())

	s.Sample(time.Unix(120+3600, 0))
	require.GreaterOrEqual(t, s.ClockSkew(), 3595*time.Second)
}

func TestSampleDetectsBackwardJump(t *testing.T) {
	s := &Supervisor{startTime: time.Unix(1000, 0), lastSample: time.Unix(1000, 0)}

	s.Sample(time.Unix(900, 0)) // clock moved backward
	require.Less(t, s.ClockSkew(), time.Duration(0))
}

func TestRunTimeFlooredAtZero(t *testing.T) {
	s := &Supervisor{startTime: time.Unix(1000, 0), lastSample: time.Unix(1000, 0)}
	require.Equal(t, time.Duration(0), s.RunTime(time.Unix(999, 0)))
}

func TestItoaNegativeAndZero(t *testing.T) {
	require.Equal(t, "0", itoa(0))
	require.Equal(t, "-7", itoa(-7))
	require.Equal(t, "12345", itoa(12345))
}
