package domain

// RunnerState is one of the runner lifecycle states. All state mutations go
// through the transition allow-list below; stores reject anything else.
type RunnerState string

const (
	StateRunnerStarting        RunnerState = "runner_starting"         // record exists; instance requested
	StateRunnerStartingClaimed RunnerState = "runner_starting_claimed" // same, pre-bound to a user
	StateAppStarting           RunnerState = "app_starting"            // instance running; init in progress
	StateReady                 RunnerState = "ready"                   // provisioned, in pool, unassigned
	StateReadyClaimed          RunnerState = "ready_claimed"           // provisioned, user-bound, awaiting client
	StateAwaitingClient        RunnerState = "awaiting_client"         // claim scripts finished; URL returned
	StateActive                RunnerState = "active"                  // client connected
	StateDisconnecting         RunnerState = "disconnecting"           // client gone; grace window
	StateDisconnected          RunnerState = "disconnected"
	StateTerminating           RunnerState = "terminating" // termination pipeline running
	StateClosed                RunnerState = "closed"      // cloud instance stopped
	StateTerminated            RunnerState = "terminated"  // cloud instance destroyed (terminal)
	StateClosedPool            RunnerState = "closed_pool" // ready pool runner closed for idleness (terminal)
	StateError                 RunnerState = "error"       // provisioning or reaping failure (terminal)
)

// terminalStates are the states a runner never leaves (except closed, which
// only advances to terminated).
var terminalStates = map[RunnerState]bool{
	StateTerminated: true,
	StateClosedPool: true,
	StateError:      true,
}

// ValidState returns true if s is a known runner state.
func ValidState(s string) bool {
	switch RunnerState(s) {
	case StateRunnerStarting, StateRunnerStartingClaimed, StateAppStarting,
		StateReady, StateReadyClaimed, StateAwaitingClient, StateActive,
		StateDisconnecting, StateDisconnected, StateTerminating,
		StateClosed, StateTerminated, StateClosedPool, StateError:
		return true
	}
	return false
}

// Alive returns true for every state except closed, terminated, closed_pool,
// and error. An alive runner still has (or is acquiring) a cloud instance.
func (s RunnerState) Alive() bool {
	switch s {
	case StateClosed, StateTerminated, StateClosedPool, StateError:
		return false
	}
	return true
}

// Terminal returns true for states a runner can never leave.
func (s RunnerState) Terminal() bool {
	return terminalStates[s]
}

// AliveStates returns the set of alive states, for store queries.
func AliveStates() []RunnerState {
	return []RunnerState{
		StateRunnerStarting, StateRunnerStartingClaimed, StateAppStarting,
		StateReady, StateReadyClaimed, StateAwaitingClient, StateActive,
		StateDisconnecting, StateDisconnected, StateTerminating,
	}
}

// ShouldRunTerminateScript reports whether the on_terminate script is worth
// attempting for a runner in the given state. Runners that never finished
// provisioning, or whose instance is already gone, are skipped.
func ShouldRunTerminateScript(s RunnerState) bool {
	switch s {
	case StateReady, StateReadyClaimed, StateRunnerStarting,
		StateRunnerStartingClaimed, StateAppStarting,
		StateTerminated, StateClosed:
		return false
	}
	return true
}

// allowedTransitions is the state-machine allow-list. A transition from → to
// is legal iff to is in allowedTransitions[from]. Transitions into
// terminating, error, and the terminal confirmation chain are handled
// below in CanTransition because they apply to whole classes of states.
var allowedTransitions = map[RunnerState][]RunnerState{
	StateRunnerStarting:        {StateAppStarting, StateReady},
	StateRunnerStartingClaimed: {StateAppStarting, StateReadyClaimed},
	StateAppStarting:           {StateReady, StateReadyClaimed},
	StateReady:                 {StateReadyClaimed, StateActive},
	StateReadyClaimed:          {StateAwaitingClient, StateActive},
	StateAwaitingClient:        {StateActive},
	StateActive:                {StateDisconnecting},
	StateDisconnecting:         {StateDisconnected, StateActive},
	StateDisconnected:          {StateActive},
	StateTerminating:           {StateClosed},
	StateClosed:                {StateTerminated, StateClosedPool},
}

// CanTransition reports whether moving from → to is legal.
//
// Beyond the per-state allow-list, every alive state may enter terminating
// (the termination pipeline) and any non-terminal state may enter error.
func CanTransition(from, to RunnerState) bool {
	if from == to {
		return false
	}
	if to == StateTerminating {
		return from.Alive()
	}
	if to == StateError {
		return !from.Terminal()
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// reportableStates is the exact whitelist of states external processes (the
// VM bootstrap) may report. Case-sensitive; anything else is rejected.
var reportableStates = map[RunnerState]bool{
	StateRunnerStarting:        true,
	StateAppStarting:           true,
	StateReady:                 true,
	StateRunnerStartingClaimed: true,
	StateReadyClaimed:          true,
	StateAwaitingClient:        true,
	StateActive:                true,
	StateDisconnecting:         true,
}

// Reportable returns true if s may be set via an external state report.
func Reportable(s string) bool {
	return reportableStates[RunnerState(s)]
}
