// Package session owns transfer sessions: the per-session state machine,
// the chunked sender/receiver engines, and the manager holding all live
// sessions for one running instance.
package session

// Phase is the lifecycle position of a session.
//
// Legal transitions: Waiting -> Transferring, and Waiting/Transferring ->
// Cancelled or Failed, and Transferring -> Finished. The last three are
// terminal.
type Phase int

const (
	PhaseWaiting Phase = iota
	PhaseTransferring
	PhaseFinished
	PhaseCancelled
	PhaseFailed
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseTransferring:
		return "transferring"
	case PhaseFinished:
		return "finished"
	case PhaseCancelled:
		return "cancelled"
	case PhaseFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is legal from p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseFinished, PhaseCancelled, PhaseFailed:
		return true
	default:
		return false
	}
}

// ErrorCause categorizes why a session failed, so callers can branch on
// the cause instead of parsing messages.
type ErrorCause int

const (
	CauseNone ErrorCause = iota
	CauseIO
	CauseCrypto
	CauseProtocol
	CauseTimeout
)

// String returns the lowercase cause name.
func (c ErrorCause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseIO:
		return "io"
	case CauseCrypto:
		return "crypto"
	case CauseProtocol:
		return "protocol"
	case CauseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// State is a snapshot of a session's phase. Cause is meaningful only when
// Phase is PhaseFailed.
type State struct {
	Phase Phase
	Cause ErrorCause
}

func legalTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case PhaseTransferring:
		return from == PhaseWaiting
	case PhaseFinished:
		return from == PhaseTransferring
	case PhaseCancelled, PhaseFailed:
		return true
	default:
		return false
	}
}
