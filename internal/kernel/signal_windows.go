//go:build windows

package kernel

import "os"

// Windows has no SIGINT equivalent deliverable via os.Process.Signal,
// so os.Kill is sent instead: Stop's first call terminates the kernel
// at once, without the 60s grace window other platforms get.
func interruptSignal() os.Signal { return os.Kill }

type exitStatus struct {
	killed     bool
	coreDumped bool
}

func exitStatusSignal(state *os.ProcessState) (exitStatus, bool) {
	return exitStatus{}, false
}
