package domain

// LifecycleState is one node of the child state machine:
//
//	init → sandbox_created → runtime_ready → wallet_verified
//	     → funded → starting → healthy → stopped → cleaned_up
//	                                             ↘ dead
//
// Transitions are linear forward. dead may be entered from any running
// state on a terminal error; cleaned_up is reachable only from stopped or
// dead, and only after a successful sandbox deletion.
type LifecycleState string

const (
	StateInit           LifecycleState = "init"
	StateSandboxCreated LifecycleState = "sandbox_created"
	StateRuntimeReady   LifecycleState = "runtime_ready"
	StateWalletVerified LifecycleState = "wallet_verified"
	StateFunded         LifecycleState = "funded"
	StateStarting       LifecycleState = "starting"
	StateHealthy        LifecycleState = "healthy"
	StateStopped        LifecycleState = "stopped"
	StateCleanedUp      LifecycleState = "cleaned_up"
	StateDead           LifecycleState = "dead"
)

var lifecycleOrder = map[LifecycleState]int{
	StateInit:           0,
	StateSandboxCreated: 1,
	StateRuntimeReady:   2,
	StateWalletVerified: 3,
	StateFunded:         4,
	StateStarting:       5,
	StateHealthy:        6,
	StateStopped:        7,
	StateCleanedUp:      8,
}

// CanTransition reports whether moving from → to is a legal lifecycle
// step.
func CanTransition(from, to LifecycleState) bool {
	if to == StateDead {
		// Terminal error from any running state, but not from a state that
		// already left the running set.
		return from != StateCleanedUp && from != StateDead
	}
	if to == StateCleanedUp {
		return from == StateStopped || from == StateDead
	}
	fo, ok1 := lifecycleOrder[from]
	to2, ok2 := lifecycleOrder[to]
	return ok1 && ok2 && to2 == fo+1
}

// StatusFor maps a lifecycle state to the coarse child status column.
func StatusFor(s LifecycleState) ChildStatus {
	switch s {
	case StateHealthy:
		return ChildHealthy
	case StateStopped:
		return ChildStopped
	case StateDead:
		return ChildDead
	case StateCleanedUp:
		return ChildCleanedUp
	default:
		return ChildSpawning
	}
}
