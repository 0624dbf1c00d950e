package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryLimitByState(t *testing.T) {
	require.Equal(t, uint(50), retryLimit(StateAssign))
	require.Equal(t, uint(50), retryLimit(StateUpload))
	require.Equal(t, uint(50), retryLimit(StateDump))
	require.Equal(t, uint(10), retryLimit(StateDownload))
	require.Equal(t, uint(10), retryLimit(StateRun))
}

func TestRecordRetrySchedulesExponentialWait(t *testing.T) {
	u := &Unit{State: StateDownload}
	now := time.Unix(0, 0)

	exceeded := recordRetry(u, now)
	require.False(t, exceeded)
	require.Equal(t, uint(1), u.Retries)
	require.Equal(t, now.Add(1*time.Second), u.Wait)
}

func TestRecordRetryExceedsLimit(t *testing.T) {
	u := &Unit{State: StateDownload, Retries: 10}
	exceeded := recordRetry(u, time.Now())
	require.True(t, exceeded)
}

func TestRecordRetryS5Schedule(t *testing.T) {
	u := &Unit{State: StateAssign}
	now := time.Unix(0, 0)

	var waits []time.Duration
	for i := 0; i < 10; i++ {
		prev := u.Wait
		exceeded := recordRetry(u, now)
		require.False(t, exceeded)
		waits = append(waits, u.Wait.Sub(now))
		now = u.Wait
		_ = prev
	}
	require.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 128 * time.Second, 256 * time.Second, 512 * time.Second,
	}, waits)
}

func TestMaybeResetRetriesAfterStableRun(t *testing.T) {
	now := time.Now()
	u := &Unit{State: StateRun, Retries: 5, StartTime: now.Add(-3 * time.Minute)}
	maybeResetRetries(u, now)
	require.Equal(t, uint(0), u.Retries)
}

func TestMaybeResetRetriesLeavesShortRun(t *testing.T) {
	now := time.Now()
	u := &Unit{State: StateRun, Retries: 5, StartTime: now.Add(-30 * time.Second)}
	maybeResetRetries(u, now)
	require.Equal(t, uint(5), u.Retries)
}

func TestCancelPendingRetryClearsWait(t *testing.T) {
	u := &Unit{Wait: time.Now().Add(time.Minute)}
	cancelPendingRetry(u)
	require.True(t, u.Wait.IsZero())
}

func TestReadyToRetry(t *testing.T) {
	now := time.Now()
	u := &Unit{Wait: now.Add(time.Minute)}
	require.False(t, readyToRetry(u, now))
	require.True(t, readyToRetry(u, now.Add(2*time.Minute)))
}
