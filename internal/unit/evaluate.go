package unit

import "time"

// Evaluate applies the two state-independent rules every scheduler
// tick must check before dispatching a state-specific step: deadline
// expiry (invariant 4) and the retry backoff window. It reports
// whether the caller should proceed with u's next operation now.
func (e *Engine) Evaluate(now time.Time, u *Unit) bool {
	if u.DeadlineExpired(now) {
		e.clean(u, ReasonExpired)
		return false
	}

	maybeResetRetries(u, now)

	if !readyToRetry(u, now) {
		return false
	}

	return true
}

// DumpRequested forces u into DUMP immediately, cancelling any pending
// retry wait, per spec.md section 4.1's "any non-terminal --dumpWU()--
// > DUMP" transition.
func (e *Engine) DumpRequested(u *Unit) {
	if u.IsTerminal() {
		return
	}
	cancelPendingRetry(u)
	u.State = StateDump
}
