// Package errs provides error handling for the agent.
//
// It re-exports github.com/cockroachdb/errors, which gives every
// component the same vocabulary for the error taxonomy used throughout:
// stack traces, hints/details for operators, and Is/As-based
// classification between transient, terminal, integrity, kernel, and
// local-environment failures.
package errs

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

var (
	Is         = crdb.Is
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Kind classifies a failure per the error taxonomy: how the unit or
// account-channel state machine should react to it.
type Kind int

const (
	// KindTransient covers connection refused, 5xx, timeouts: retry with backoff.
	KindTransient Kind = iota
	// KindRejected covers server 400/406/410: terminal, clean with reason "rejected".
	KindRejected
	// KindIntegrity covers bad certificate/signature/hash: retried once, then "failed".
	KindIntegrity
	// KindKernel covers crash/kill/unknown exit code: DUMP the unit.
	KindKernel
	// KindLocalEnv covers disk full, missing file, invalid tar member: clean "missing".
	KindLocalEnv
	// KindReplay covers IV reuse on the account channel: close and reconnect.
	KindReplay
)

type classifiedError struct {
	kind Kind
	err  error
}

func (c *classifiedError) Error() string { return c.err.Error() }
func (c *classifiedError) Unwrap() error { return c.err }

// WithKind attaches a Kind to err so callers at the unit/channel boundary
// can route it to retry() or clean(reason) without re-deriving it from
// the underlying error text.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

// KindOf extracts the Kind attached by WithKind, defaulting to KindTransient
// for errors that were never classified (the safe default: retry).
func KindOf(err error) Kind {
	var c *classifiedError
	if As(err, &c) {
		return c.kind
	}
	return KindTransient
}
