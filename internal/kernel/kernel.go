// Package kernel implements the Kernel Supervisor: spawns the compute
// kernel subprocess, tails its log, detects clock skew, and harvests
// its exit status (spec.md section 4.2).
//
// Grounded on the now-deleted plugin/grpc/discovery.go's
// launchPlugin/pluginLogger (exec.Command with captured stdout/stderr,
// process handle retained for signal/kill), adapted from gRPC-plugin
// process lifecycle to compute-kernel process lifecycle: no port
// announcement or gRPC readiness probe, graceful-interrupt-then-kill
// instead of a single Kill, and exit-code classification instead of
// metadata validation.
package kernel

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/logger"
)

const interruptGrace = 60 * time.Second

// Args describes the kernel invocation, per spec.md section 6's
// "Kernel argv" table.
type Args struct {
	WorkDir     string
	Suffix      string
	Version     string
	LifelinePID int

	// GPU fields; zero values mean "no GPU assigned."
	GPUUUID        string
	GPUPlatform    string // "cuda" or "opencl"
	GPUVendor      string
	OpenCLPlatform int
	OpenCLDevice   int
	CUDAPlatform   int
	CUDADevice     int
	HasCUDA        bool
	HIPPlatform    int
	HIPDevice      int
	HasHIP         bool
	GPUIndex       int // OpenCL device index passed as -gpu <N>
	HasGPU         bool

	NumCPUs int // -np <N>, CPU-only WUs
}

// BuildArgv assembles the kernel's argv exactly as spec.md section 6
// specifies: common flags, then GPU or CPU flags.
func BuildArgv(a Args) []string {
	argv := []string{
		"-dir", a.WorkDir,
		"-suffix", a.Suffix,
		"-version", a.Version,
		"-lifeline", itoa(a.LifelinePID),
	}

	if a.HasGPU {
		if a.GPUUUID != "" {
			argv = append(argv, "-gpu-uuid", a.GPUUUID)
		}
		argv = append(argv, "-gpu-platform", a.GPUPlatform, "-gpu-vendor", a.GPUVendor)
		argv = append(argv, "-opencl-platform", itoa(a.OpenCLPlatform), "-opencl-device", itoa(a.OpenCLDevice))
		if a.HasCUDA {
			argv = append(argv, "-cuda-platform", itoa(a.CUDAPlatform), "-cuda-device", itoa(a.CUDADevice))
		}
		if a.HasHIP {
			argv = append(argv, "-hip-platform", itoa(a.HIPPlatform), "-hip-device", itoa(a.HIPDevice))
		}
		argv = append(argv, "-gpu", itoa(a.GPUIndex))
	} else {
		argv = append(argv, "-np", itoa(a.NumCPUs))
	}

	return argv
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Result is what Wait returns once the kernel process has exited.
type Result struct {
	Code       ExitCode
	Killed     bool
	CoreDumped bool
}

// Supervisor owns one kernel subprocess.
type Supervisor struct {
	mu  sync.Mutex
	cmd *exec.Cmd
	log *zap.SugaredLogger

	pid       int
	startTime time.Time

	stopped      bool
	lastSample   time.Time
	clockSkew    time.Duration

	logOffset int64 // LogTracker supplement: bytes already tailed into the client log
}

// New builds a Supervisor for the given kernel binary, unit id, and
// argv. The binary's own directory is prepended to the dynamic-library
// search path so the kernel finds its companion shared libraries.
func New(ctx context.Context, unitID, binaryPath, workDir string, argv []string) (*Supervisor, error) {
	cmd := exec.Command(binaryPath, argv...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), dynLibPathEnv(filepath.Dir(binaryPath))...)

	logPath := filepath.Join(workDir, "kernel.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.WithKind(errs.Wrapf(err, "failed to create kernel log %s", logPath), errs.KindLocalEnv)
	}

	s := &Supervisor{log: logger.ComponentLogger("kernel").With("unit", unitID)}

	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errs.WithKind(errs.Wrapf(err, "failed to start kernel %s", binaryPath), errs.KindLocalEnv)
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startTime = time.Now()
	s.lastSample = s.startTime

	s.log.Infow("kernel started", "pid", s.pid, "argv", argv)

	return s, nil
}

// dynLibPathEnv returns the platform-appropriate dynamic-library
// search-path environment variable with dir prepended.
func dynLibPathEnv(dir string) []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"DYLD_LIBRARY_PATH=" + dir}
	case "windows":
		return []string{"PATH=" + dir + ";" + os.Getenv("PATH")}
	default:
		return []string{"LD_LIBRARY_PATH=" + dir + ":" + os.Getenv("LD_LIBRARY_PATH")}
	}
}

// PID returns the supervised process id.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// IsRunning reports whether the kernel process is still alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd.ProcessState == nil
}

// Sample takes a wall-clock reading and updates cumulative clockSkew
// per spec.md section 4.2: if the delta since the previous sample
// exceeds 300s or is negative, the surplus is treated as skew rather
// than elapsed run time. This is the corrected comparison — the
// original implementation compared the wrong variable, which this
// agent does not replicate.
func (s *Supervisor) Sample(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := now.Sub(s.lastSample)
	s.lastSample = now

	if delta < 0 || delta > 300*time.Second {
		s.clockSkew += delta
	}
}

// RunTime returns elapsed wall-clock time since start, corrected for
// accumulated clock skew, floored at zero.
func (s *Supervisor) RunTime(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := now.Sub(s.startTime) - s.clockSkew
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// ClockSkew returns the cumulative detected skew.
func (s *Supervisor) ClockSkew() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockSkew
}

// Stop requests termination: the first call sends a graceful
// interrupt and starts a 60s timer that kills the process if it is
// still running then. Further calls after the process has been asked
// to stop are no-ops.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	proc := s.cmd.Process
	s.mu.Unlock()

	if alreadyStopped || proc == nil {
		return nil
	}

	if err := proc.Signal(interruptSignal()); err != nil {
		s.log.Warnw("failed to send interrupt, killing", "error", err)
		return proc.Kill()
	}

	go func() {
		time.Sleep(interruptGrace)
		if s.IsRunning() {
			s.log.Warnw("kernel did not exit within grace period, killing", "grace", interruptGrace)
			proc.Kill()
		}
	}()

	return nil
}

// Wait blocks until the kernel process exits and classifies the
// result.
func (s *Supervisor) Wait() (Result, error) {
	err := s.cmd.Wait()

	state := s.cmd.ProcessState
	if state == nil {
		return Result{}, errs.Wrap(err, "kernel process state unavailable after wait")
	}

	result := Result{Code: ExitCode(state.ExitCode())}

	if ws, ok := exitStatusSignal(state); ok {
		result.Killed = ws.killed
		result.CoreDumped = ws.coreDumped
	}

	s.log.Infow("kernel exited", "code", result.Code, "killed", result.Killed, "core_dumped", result.CoreDumped)

	return result, nil
}

// TailLog copies newly written bytes from the kernel's log file into
// w, starting from the last offset recorded (the LogTracker supplement
// from original_source/), and advances the offset.
func (s *Supervisor) TailLog(logPath string, w io.Writer) error {
	f, err := os.Open(logPath)
	if err != nil {
		return errs.Wrapf(err, "failed to open kernel log %s", logPath)
	}
	defer f.Close()

	s.mu.Lock()
	offset := s.logOffset
	s.mu.Unlock()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return errs.Wrap(err, "failed to seek kernel log")
	}

	reader := bufio.NewReader(f)
	n, err := io.Copy(w, reader)
	if err != nil {
		return errs.Wrap(err, "failed to tail kernel log")
	}

	s.mu.Lock()
	s.logOffset += n
	s.mu.Unlock()

	return nil
}
