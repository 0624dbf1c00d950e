package kernel

// ExitCode is the full compute-kernel exit status enum, supplemented
// from original_source/ExitCode.h beyond the two codes spec.md names
// explicitly (FINISHED_UNIT, INTERRUPTED).
type ExitCode int

const (
	FailedOne               ExitCode = 0
	FailedTwo               ExitCode = 1
	SMPMismatch             ExitCode = 97
	CoreRestart             ExitCode = 98
	CoreStartupError        ExitCode = 99
	FinishedUnit            ExitCode = 100
	SpecialExit             ExitCode = 101
	Interrupted             ExitCode = 102
	ClientDied              ExitCode = 103
	CoreOutdated            ExitCode = 110
	BadFileFormat           ExitCode = 111
	BadFrameChecksum        ExitCode = 112
	BadCoreFiles            ExitCode = 113
	BadWorkUnit             ExitCode = 114
	BadArguments            ExitCode = 115
	MissingWorkFiles        ExitCode = 116
	FileIOError             ExitCode = 117
	BadWorkChecksum         ExitCode = 118
	MallocError             ExitCode = 119
	CoreIsAbsent            ExitCode = 120
	UnknownError            ExitCode = 121
	UnstableMachine         ExitCode = 122
	EarlyUnitEnd            ExitCode = 123
	GPUMemtestError         ExitCode = 124
	GPUInitializationError  ExitCode = 125
	GPUUnavailableError     ExitCode = 126
	WUStalled               ExitCode = 127
	FailedThree             ExitCode = 255
)

// Disposition is the client action spec.md section 4.1's Finalize
// operation takes for a given exit code.
type Disposition int

const (
	DispositionReturn Disposition = iota // upload results, no failure indication
	DispositionRetryCore                 // RUN, no retry penalty (INTERRUPTED)
	DispositionRestart                   // RUN, retry-counter path (CORE_RESTART)
	DispositionDump                      // DUMP the unit
	DispositionFail                      // DUMP, bump group failure counter
)

// Classify maps an exit code to the disposition Finalize should act
// on, per spec.md section 4.1's Finalize contract plus the UNKNOWN/
// invalid-code -> DUMP fallback and the action taxonomy in
// original_source/ExitCode.h's header comment (RETURN/EXIT/RESTART/
// DUMP/DEFAULT/FAIL/UNSTABLE collapsed into this agent's five-way
// disposition, since this agent has no "UPDATE the core" action of its
// own — that's handled by the Core Cache re-fetching on a fresh
// assignment).
func Classify(code ExitCode, killed, coreDumped bool) Disposition {
	if killed || coreDumped {
		return DispositionFail
	}

	switch code {
	case FinishedUnit, BadWorkUnit:
		return DispositionReturn
	case Interrupted:
		return DispositionRetryCore
	case CoreRestart:
		return DispositionRestart
	case BadFileFormat, BadFrameChecksum, BadCoreFiles, MissingWorkFiles, FileIOError:
		return DispositionDump
	default:
		return DispositionFail
	}
}
