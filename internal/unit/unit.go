// Package unit implements the Unit State Machine: the per-WU
// lifecycle ASSIGN -> DOWNLOAD -> CORE -> RUN -> UPLOAD/DUMP -> DONE
// (spec.md section 4.1), the largest single component of the agent.
//
// Grounded on the now-deleted pulse/async/job.go's Job struct: typed
// status enum, lifecycle methods (Start/Pause/Complete/Fail) that stamp
// UpdatedAt, and a parallel persisted-string marshal/unmarshal pair for
// a sub-record (PulseState there, the signed envelope set here). The
// state machine dispatch loop itself is grounded on pulse/async/queue.go,
// which drove a job through its states via a single Evaluate-style
// re-entrant step function rather than a goroutine per job -- the same
// shape spec.md section 5 requires (single-threaded cooperative loop).
package unit

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/wire"
)

// State is one of the seven lifecycle states of spec.md section 4.1.
type State string

const (
	StateAssign   State = "ASSIGN"
	StateDownload State = "DOWNLOAD"
	StateCore     State = "CORE"
	StateRun      State = "RUN"
	StateUpload   State = "UPLOAD"
	StateDump     State = "DUMP"
	StateDone     State = "DONE"
)

// DoneReason records why a WU reached DONE, for the credit-record and
// group failure-accounting logic.
type DoneReason string

const (
	ReasonCredited DoneReason = "credited"
	ReasonDumped   DoneReason = "dumped"
	ReasonRejected DoneReason = "rejected"
	ReasonRetries  DoneReason = "retries"
	ReasonExpired  DoneReason = "expired"
	ReasonMissing  DoneReason = "missing"
	ReasonFailed   DoneReason = "failed"
	ReasonAborted  DoneReason = "aborted"
)

// Envelopes holds the nested signed wire envelopes a WU accumulates
// across its lifetime, per spec.md section 3's `data` field. Data is
// stripped of its raw payload bytes before persistence as the spec
// requires; Raw carries payload bytes only transiently during a
// Download or Finalize step.
type Envelopes struct {
	Request    json.RawMessage        `json:"request,omitempty"`
	Assignment *wire.AssignmentEnvelope `json:"assignment,omitempty"`
	WU         *wire.WorkUnitEnvelope   `json:"wu,omitempty"`
	Results    *wire.ResultsEnvelope    `json:"results,omitempty"`

	Raw []byte `json:"-"`
}

// Unit is one work unit's full persisted and transient state, the
// struct spec.md section 3 describes under "Unit (WU)".
type Unit struct {
	ID    string `json:"id"`
	Group string `json:"group"`
	State State  `json:"state"`

	CPUs int   `json:"cpus"`
	GPUs []string `json:"gpus,omitempty"`
	MinCPUs int `json:"min_cpus"`
	MaxCPUs int `json:"max_cpus"`

	Data Envelopes `json:"data"`

	StartTime time.Time     `json:"start_time,omitempty"`
	RunTime   time.Duration `json:"run_time"`
	ClockSkew time.Duration `json:"clock_skew"`

	LastKnownDone                   uint32        `json:"last_known_done"`
	LastKnownTotal                  uint32        `json:"last_known_total"`
	LastKnownProgressUpdateRunTime time.Duration `json:"last_known_progress_update_run_time"`

	Retries uint      `json:"retries"`
	Wait    time.Time `json:"wait,omitempty"`
	CSIndex int       `json:"cs_index"`

	Deadline    time.Time `json:"deadline,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	RequestedAt time.Time     `json:"requested_at,omitempty"`
	Credit      float64       `json:"credit"`

	Paused bool `json:"paused"`

	Reason DoneReason `json:"reason,omitempty"`
	Error  string     `json:"error,omitempty"`

	CoreURL    string `json:"core_url,omitempty"`
	CoreSHA256 string `json:"core_sha256,omitempty"`
	CoreType   int    `json:"core_type,omitempty"`
	WS         string `json:"ws,omitempty"`
	CS         []string `json:"cs,omitempty"`
}

// New creates a fresh WU in ASSIGN awaiting its first assignment
// attempt. Its id stays empty until Assign succeeds and signs a
// request; the WU is tracked in its group's unit list meanwhile.
func New(group string, cpus int, gpus []string) *Unit {
	return &Unit{
		Group: group,
		State: StateAssign,
		CPUs:  cpus,
		GPUs:  gpus,
	}
}

// RequestID computes the WU id invariant of spec.md section 8 property
// 1: the URL-safe base64 SHA-256 of the signed request's signature
// bytes. IDs are derived from the decoded signature, not its base64
// text or the plaintext request, so a replayed-but-resigned request
// never collides. A malformed signatureB64 degrades to the same empty
// id an empty signature produces, rather than hashing garbage.
func RequestID(signatureB64 string) string {
	if signatureB64 == "" {
		return ""
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(sig)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}

// ValidateID checks invariant 3 of spec.md section 3: the persisted
// request must hash to the unit's own id.
func (u *Unit) ValidateID(signatureB64 string) error {
	want := RequestID(signatureB64)
	if u.ID != want {
		return errs.WithKind(errs.Newf("unit id %s does not match hash of its request (%s)", u.ID, want), errs.KindIntegrity)
	}
	return nil
}

// IsTerminal reports whether the unit has reached DONE.
func (u *Unit) IsTerminal() bool { return u.State == StateDone }

// AtOrBeyondCore reports whether the unit is in a state that must be
// persisted on every change, per spec.md section 3's lifecycle note.
func (u *Unit) AtOrBeyondCore() bool {
	switch u.State {
	case StateCore, StateRun, StateUpload, StateDump:
		return true
	default:
		return false
	}
}

// DeadlineExpired implements invariant 4: a WU whose deadline has
// passed transitions to DONE(expired) at its next evaluation, except
// while in ASSIGN, DUMP, or DONE.
func (u *Unit) DeadlineExpired(now time.Time) bool {
	if u.Deadline.IsZero() {
		return false
	}
	switch u.State {
	case StateAssign, StateDump, StateDone:
		return false
	default:
		return now.After(u.Deadline)
	}
}

// GetRunTime returns the clock-skew-corrected accumulated run time per
// spec.md section 4.1's progress model: accumulated run_time plus
// (now - start - clockSkew), floored at the accumulated value (never
// negative).
func (u *Unit) GetRunTime(now time.Time) time.Duration {
	if u.StartTime.IsZero() {
		return u.RunTime
	}
	live := now.Sub(u.StartTime) - u.ClockSkew
	if live < 0 {
		live = 0
	}
	return u.RunTime + live
}

// GetKnownProgress returns lastKnownDone/lastKnownTotal, or 0 before
// the first wuinfo sample.
func (u *Unit) GetKnownProgress() float64 {
	if u.LastKnownTotal == 0 {
		return 0
	}
	return float64(u.LastKnownDone) / float64(u.LastKnownTotal)
}

// clone returns a deep-enough copy for persistence round-trip tests;
// GPUs/CS slices are copied, nested envelopes are shared (never
// mutated in place after being set).
func (u *Unit) clone() *Unit {
	cp := *u
	if u.GPUs != nil {
		cp.GPUs = append([]string(nil), u.GPUs...)
	}
	if u.CS != nil {
		cp.CS = append([]string(nil), u.CS...)
	}
	return &cp
}
