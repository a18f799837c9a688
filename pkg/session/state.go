package session

// Phase is the timer's lifecycle phase. The three phases are a closed set;
// every state value is exactly one of them.
type Phase string

const (
	// PhaseIdle means no session is running.
	PhaseIdle Phase = "idle"
	// PhaseCounting means the budget is ticking down.
	PhaseCounting Phase = "counting"
	// PhaseExpired means the budget ran out and overrun time is accruing.
	PhaseExpired Phase = "expired"
)

// State is a snapshot of the timer. Durations are milliseconds; only the
// fields of the current phase carry meaning.
type State struct {
	Phase       Phase `json:"phase"`
	RemainingMs int64 `json:"remainingMs,omitempty"`
	TotalMs     int64 `json:"totalMs,omitempty"`
	OverrunMs   int64 `json:"overrunMs,omitempty"`
}

// Idle is the no-session state.
func Idle() State {
	return State{Phase: PhaseIdle}
}

// Counting is the running state with remaining and total budget.
func Counting(remainingMs, totalMs int64) State {
	return State{Phase: PhaseCounting, RemainingMs: remainingMs, TotalMs: totalMs}
}

// Expired is the overrun state.
func Expired(overrunMs int64) State {
	return State{Phase: PhaseExpired, OverrunMs: overrunMs}
}
