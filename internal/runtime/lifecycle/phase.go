// Package lifecycle defines the startup phases and stop reasons shared by the
// orchestrator, metrics and logs.
package lifecycle

// Phase is one discrete, non-repeating stage of the startup state machine.
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseBackup       Phase = "BACKUP"
	PhaseStorageInit  Phase = "STORAGE_INIT"
	PhaseBotConstruct Phase = "BOT_CONSTRUCT"
	PhaseRunning      Phase = "RUNNING"
	PhaseStopped      Phase = "STOPPED"
	PhaseFailed       Phase = "FAILED"
)

// Phases lists every phase in transition order (terminal ones last).
var Phases = []Phase{
	PhaseInit,
	PhaseBackup,
	PhaseStorageInit,
	PhaseBotConstruct,
	PhaseRunning,
	PhaseStopped,
	PhaseFailed,
}

func (p Phase) Terminal() bool { return p == PhaseStopped || p == PhaseFailed }

func (p Phase) order() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// CanTransition reports whether from -> to moves strictly forward.
// Any non-terminal phase may go to STOPPED or FAILED; terminal phases are final.
func CanTransition(from, to Phase) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to.Terminal() {
		return from.order() >= 0
	}
	return to.order() == from.order()+1
}

// StopReason describes why the process is shutting down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
