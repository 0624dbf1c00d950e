//go:build !windows

package kernel

import (
	"os"
	"syscall"
)

func interruptSignal() os.Signal { return os.Interrupt }

type exitStatus struct {
	killed     bool
	coreDumped bool
}

func exitStatusSignal(state *os.ProcessState) (exitStatus, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return exitStatus{}, false
	}
	return exitStatus{
		killed:     ws.Signaled(),
		coreDumped: ws.CoreDump(),
	}, true
}
