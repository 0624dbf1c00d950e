package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleCapsAtExponent(t *testing.T) {
	s := NewSchedule(9)

	require.Equal(t, 1*time.Second, s.Wait(0))
	require.Equal(t, 2*time.Second, s.Wait(1))
	require.Equal(t, 4*time.Second, s.Wait(2))
	require.Equal(t, 512*time.Second, s.Wait(9))
	require.Equal(t, 512*time.Second, s.Wait(20), "exponent beyond cap must not keep growing")
}

func TestScheduleS5Sequence(t *testing.T) {
	// spec.md S5: waits 1,2,4,...,512 across 10 retries.
	s := NewSchedule(9)
	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 128, 256, 512}
	for i, w := range want {
		require.Equal(t, w*time.Second, s.Wait(uint(i)))
	}
}

func TestAccountChannelScheduleFloorAndCeiling(t *testing.T) {
	require.Equal(t, 15*time.Second, AccountChannelSchedule(0))
	require.LessOrEqual(t, AccountChannelSchedule(10), 240*time.Second)
}

func TestGPUIndexScheduleCeiling(t *testing.T) {
	require.Equal(t, 24*time.Hour, GPUIndexSchedule(30))
}
