package unit

import (
	"time"

	"github.com/foldlattice/agent/internal/backoff"
)

// stableRunTime is the threshold (spec.md section 4.1's retry policy)
// past which a WU's retries counter resets to 0: running successfully
// for this long means whatever caused earlier retries is behind it.
const stableRunTime = 2 * time.Minute

// retryLimit returns the retry ceiling for state: 50 at ASSIGN and at
// or beyond UPLOAD (results already earned are worth fighting for),
// 10 everywhere else.
func retryLimit(state State) uint {
	switch state {
	case StateAssign, StateUpload, StateDump:
		return 50
	default:
		return 10
	}
}

// schedule is the 2^min(retries,9)-second backoff spec.md section 4.1
// specifies, shared with every retrying state.
var schedule = backoff.NewSchedule(9)

// recordRetry bumps the retry counter and sets the next eligible wait
// time, or returns an exceeded=true result once the state's limit is
// hit (the caller must then clean("retries")). The wait uses the
// pre-increment retry count as its exponent, so the first retry waits
// 2^0=1s, matching spec.md section 8 scenario S5's 1,2,4,...,512
// sequence.
func recordRetry(u *Unit, now time.Time) (exceeded bool) {
	exponent := u.Retries
	u.Retries++
	if u.Retries > retryLimit(u.State) {
		return true
	}
	u.Wait = now.Add(schedule.Wait(exponent))
	return false
}

// maybeResetRetries implements the "reset after >=2 minutes of stable
// run time" rule.
func maybeResetRetries(u *Unit, now time.Time) {
	if u.State == StateRun && u.GetRunTime(now) >= stableRunTime {
		u.Retries = 0
	}
}

// readyToRetry reports whether enough time has passed since the last
// recordRetry call for the state machine to attempt the operation again.
func readyToRetry(u *Unit, now time.Time) bool {
	return u.Wait.IsZero() || !now.Before(u.Wait)
}

// cancelPendingRetry implements "a fresh dumpWU request cancels
// pending retries."
func cancelPendingRetry(u *Unit) {
	u.Wait = time.Time{}
}
