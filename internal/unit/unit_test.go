package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestIDIsDeterministic(t *testing.T) {
	a := RequestID("c2lnbmF0dXJl")
	b := RequestID("c2lnbmF0dXJl")
	require.Equal(t, a, b)
}

func TestValidateIDDetectsMismatch(t *testing.T) {
	u := &Unit{ID: "wrong"}
	err := u.ValidateID("c2lnbmF0dXJl")
	require.Error(t, err)
}

func TestValidateIDAcceptsMatch(t *testing.T) {
	sig := "c2lnbmF0dXJl"
	u := &Unit{ID: RequestID(sig)}
	require.NoError(t, u.ValidateID(sig))
}

func TestDeadlineExpiredHonorsExcludedStates(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	for _, s := range []State{StateAssign, StateDump, StateDone} {
		u := &Unit{State: s, Deadline: past}
		require.False(t, u.DeadlineExpired(time.Now()), "state %s should be excluded", s)
	}
}

func TestDeadlineExpiredTrueWhenPast(t *testing.T) {
	u := &Unit{State: StateRun, Deadline: time.Now().Add(-time.Minute)}
	require.True(t, u.DeadlineExpired(time.Now()))
}

func TestDeadlineExpiredFalseWhenZero(t *testing.T) {
	u := &Unit{State: StateRun}
	require.False(t, u.DeadlineExpired(time.Now()))
}

func TestGetRunTimeAccumulatesAcrossRestarts(t *testing.T) {
	now := time.Now()
	u := &Unit{RunTime: 10 * time.Second}
	require.Equal(t, 10*time.Second, u.GetRunTime(now))

	u.StartTime = now.Add(-5 * time.Second)
	require.InDelta(t, 15, u.GetRunTime(now).Seconds(), 0.01)
}

func TestGetRunTimeSubtractsClockSkew(t *testing.T) {
	now := time.Now()
	u := &Unit{StartTime: now.Add(-1 * time.Hour), ClockSkew: 55 * time.Minute}
	require.InDelta(t, 300, u.GetRunTime(now).Seconds(), 1)
}

func TestGetKnownProgressZeroWithoutTotal(t *testing.T) {
	u := &Unit{}
	require.Equal(t, 0.0, u.GetKnownProgress())
}

func TestAtOrBeyondCore(t *testing.T) {
	require.False(t, (&Unit{State: StateAssign}).AtOrBeyondCore())
	require.False(t, (&Unit{State: StateDownload}).AtOrBeyondCore())
	require.True(t, (&Unit{State: StateCore}).AtOrBeyondCore())
	require.True(t, (&Unit{State: StateRun}).AtOrBeyondCore())
	require.True(t, (&Unit{State: StateUpload}).AtOrBeyondCore())
	require.True(t, (&Unit{State: StateDump}).AtOrBeyondCore())
}
