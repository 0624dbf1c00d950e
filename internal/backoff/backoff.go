// Package backoff implements the exponential retry schedule used by
// the Unit State Machine, Group Scheduler, and Account Channel
// (spec.md sections 4.1, 4.4, 4.5).
//
// Grounded on the teacher's pulse/budget/limiter.go: an injectable
// clock field so tests can drive the schedule deterministically
// (spec.md section 8, scenario S5) without sleeping in real time.
package backoff

import "time"

// Schedule computes capped-exponential wait durations: 2^min(n,cap)
// seconds. NewSchedule(9) gives spec.md section 4.1's unit retry
// policy, wait = 2^min(retries,9); the zero value has Cap 0 and so
// always waits one second.
type Schedule struct {
	Cap   uint
	timeNow func() time.Time
}

// NewSchedule returns a Schedule with the given exponent cap.
func NewSchedule(cap uint) *Schedule {
	return &Schedule{Cap: cap, timeNow: time.Now}
}

// NewScheduleWithClock is NewSchedule with an injectable clock, for tests.
func NewScheduleWithClock(cap uint, now func() time.Time) *Schedule {
	return &Schedule{Cap: cap, timeNow: now}
}

// Wait returns 2^min(n,Cap) seconds.
func (s *Schedule) Wait(n uint) time.Duration {
	exp := n
	if exp > s.Cap {
		exp = s.Cap
	}
	return time.Duration(1<<exp) * time.Second
}

// WaitUntil returns the clock time at which a retry numbered n should
// next be attempted.
func (s *Schedule) WaitUntil(n uint) time.Time {
	now := time.Now
	if s.timeNow != nil {
		now = s.timeNow
	}
	return now().Add(s.Wait(n))
}

// AccountChannelSchedule returns the 15s-floor/240s-cap backoff used
// by the Account Channel's state machine (spec.md section 4.5). It is
// not a power-of-two schedule like Schedule, so it gets its own
// function rather than abusing Cap.
func AccountChannelSchedule(n uint) time.Duration {
	const floor = 15 * time.Second
	const ceiling = 240 * time.Second

	wait := floor
	for i := uint(0); i < n; i++ {
		wait *= 2
		if wait >= ceiling {
			return ceiling
		}
	}
	return wait
}

// GPUIndexSchedule returns the exponential backoff (24h ceiling) used
// when refreshing the GPU vendor/species index fails (spec.md section 6).
func GPUIndexSchedule(n uint) time.Duration {
	const ceiling = 24 * time.Hour
	wait := time.Second
	for i := uint(0); i < n; i++ {
		wait *= 2
		if wait >= ceiling {
			return ceiling
		}
	}
	return wait
}
