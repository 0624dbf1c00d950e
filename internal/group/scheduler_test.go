package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldlattice/agent/internal/unit"
	"github.com/foldlattice/agent/internal/wire"
)

func TestPassRemovesDoneUnits(t *testing.T) {
	g := New("")
	g.Units = []*unit.Unit{{ID: "a", State: unit.StateDone}, {ID: "b", State: unit.StateAssign}}
	s := NewScheduler(0) // budget=0, so no new trigger WU is added on top of "b"
	s.Pass(g)
	require.Len(t, g.Units, 1)
	require.Equal(t, "b", g.Units[0].ID)
}

func TestPassAllocatesGPUBoundWU(t *testing.T) {
	g := New("")
	g.Config.CPUs = 8
	g.Config.GPUs = map[string]bool{"gpu:0": true}
	u := &unit.Unit{ID: "u1", State: unit.StateRun, GPUs: []string{"gpu:0"}, MinCPUs: 2, MaxCPUs: 4}
	g.Units = []*unit.Unit{u}

	s := NewScheduler(0)
	s.Pass(g)

	require.Equal(t, 4, u.CPUs) // min_cpus allocated, then topped up to max_cpus in step 2
	require.False(t, u.Paused)
}

func TestPassWithheldWhenGPUUnavailable(t *testing.T) {
	g := New("")
	g.Config.CPUs = 8
	g.Config.GPUs = map[string]bool{} // gpu:0 not enabled
	u := &unit.Unit{ID: "u1", State: unit.StateRun, GPUs: []string{"gpu:0"}, MinCPUs: 2, MaxCPUs: 4}
	g.Units = []*unit.Unit{u}

	s := NewScheduler(0)
	s.Pass(g)

	require.True(t, u.Paused)
}

func TestPassAssignsCPUOnlyWUsInInsertionOrder(t *testing.T) {
	g := New("")
	g.Config.CPUs = 6
	u1 := &unit.Unit{ID: "u1", State: unit.StateRun, MaxCPUs: 4}
	u2 := &unit.Unit{ID: "u2", State: unit.StateRun, MaxCPUs: 4}
	g.Units = []*unit.Unit{u1, u2}

	s := NewScheduler(0)
	s.Pass(g)

	require.Equal(t, 4, u1.CPUs)
	require.Equal(t, 2, u2.CPUs)
	require.False(t, u1.Paused)
	require.False(t, u2.Paused)
}

func TestPassTriggersNewAssignmentUnderBudget(t *testing.T) {
	g := New("")
	g.Config.CPUs = 128
	g.Config.GPUs = map[string]bool{"gpu:0": true}
	s := NewScheduler(2) // budget = 1 gpu + 128/64=2 + 2 maxUploads = 5
	s.Pass(g)
	require.Len(t, g.Units, 1)
}

func TestPassDoesNotTriggerWhenFinishing(t *testing.T) {
	g := New("")
	g.Config.Finish = true
	s := NewScheduler(0)
	s.Pass(g)
	require.Empty(t, g.Units)
}

func TestRecordTerminalCreditedClearsFailures(t *testing.T) {
	g := New("")
	g.Failures = 3
	g.LostWUs = 2
	u := &unit.Unit{Reason: unit.ReasonCredited}
	NewScheduler(0).RecordTerminal(g, u, time.Now())
	require.Equal(t, 0, g.Failures)
	require.Equal(t, 0, g.LostWUs)
}

func TestRecordTerminalDumpedDoesNotBumpFailures(t *testing.T) {
	g := New("")
	u := &unit.Unit{Reason: unit.ReasonDumped}
	NewScheduler(0).RecordTerminal(g, u, time.Now())
	require.Equal(t, 0, g.Failures)
}

func TestRecordTerminalBumpsFailuresAndSetsWait(t *testing.T) {
	g := New("")
	now := time.Unix(1000, 0)
	u := &unit.Unit{Reason: unit.ReasonRejected}
	NewScheduler(0).RecordTerminal(g, u, now)
	require.Equal(t, 1, g.Failures)
	require.Equal(t, now.Add(2*time.Second), g.WaitUntil)
}

func TestRecordTerminalBumpsLostWUsWhenDownloaded(t *testing.T) {
	g := New("")
	u := downloadedUnit(unit.ReasonMissing)
	NewScheduler(0).RecordTerminal(g, u, time.Now())
	require.Equal(t, 1, g.LostWUs)
}

func downloadedUnit(reason unit.DoneReason) *unit.Unit {
	return &unit.Unit{
		Reason: reason,
		Data:   unit.Envelopes{WU: &wire.WorkUnitEnvelope{}},
	}
}

func TestRecordTerminalAutoPausesAfterFourLostWUs(t *testing.T) {
	g := New("")
	now := time.Now()
	for i := 0; i < 5; i++ {
		u := downloadedUnit(unit.ReasonMissing)
		NewScheduler(0).RecordTerminal(g, u, now)
	}
	require.True(t, g.Config.Paused)
	require.Equal(t, 5, g.LostWUs)
	require.NotEmpty(t, g.Failed)
}

func TestShouldWaitWhenPaused(t *testing.T) {
	g := New("")
	g.Config.Paused = true
	require.True(t, ShouldWait(g, WaitConditions{}))
}

func TestShouldWaitOnIdleViolation(t *testing.T) {
	g := New("")
	g.Config.OnIdle = true
	require.True(t, ShouldWait(g, WaitConditions{SystemIdle: false}))
	require.False(t, ShouldWait(g, WaitConditions{SystemIdle: true}))
}

func TestShouldWaitOnBatteryViolation(t *testing.T) {
	g := New("")
	g.Config.OnBattery = false
	require.True(t, ShouldWait(g, WaitConditions{SystemOnBattery: true}))
}

func TestShouldWaitForGPU(t *testing.T) {
	g := New("")
	require.True(t, ShouldWait(g, WaitConditions{GPUUnresolved: true}))
}
