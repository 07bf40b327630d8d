package types

// AttemptState is the lifecycle state of one submission attempt.
type AttemptState int

const (
	// AttemptStateUndefined is the zero value.
	AttemptStateUndefined AttemptState = iota
	// AttemptStateBuilt means the unsigned operation has been built.
	AttemptStateBuilt
	// AttemptStateFeeResolved means sponsorship data has been attached.
	AttemptStateFeeResolved
	// AttemptStateSubmitted means the bundler accepted the operation.
	AttemptStateSubmitted
	// AttemptStateConfirmed means the operation was mined to the required depth.
	AttemptStateConfirmed
	// AttemptStateRejected means the network rejected the operation.
	AttemptStateRejected
	// AttemptStateTimedOut means the wait window elapsed; the outcome is unknown.
	AttemptStateTimedOut
)

func (s AttemptState) String() string {
	switch s {
	case AttemptStateBuilt:
		return "built"
	case AttemptStateFeeResolved:
		return "fee_resolved"
	case AttemptStateSubmitted:
		return "submitted"
	case AttemptStateConfirmed:
		return "confirmed"
	case AttemptStateRejected:
		return "rejected"
	case AttemptStateTimedOut:
		return "timed_out"
	default:
		return "undefined"
	}
}

// IsTerminal reports whether no further transition is allowed for this attempt.
func (s AttemptState) IsTerminal() bool {
	return s == AttemptStateConfirmed || s == AttemptStateRejected || s == AttemptStateTimedOut
}

// CanTransition reports whether an attempt may move from one state to another.
// Rejected is reachable before Submitted because the bundler may refuse the send itself.
func CanTransition(from, to AttemptState) bool {
	switch from {
	case AttemptStateUndefined:
		return to == AttemptStateBuilt
	case AttemptStateBuilt:
		return to == AttemptStateFeeResolved
	case AttemptStateFeeResolved:
		return to == AttemptStateSubmitted || to == AttemptStateRejected
	case AttemptStateSubmitted:
		return to == AttemptStateConfirmed || to == AttemptStateRejected || to == AttemptStateTimedOut
	default:
		return false
	}
}

// CanReconcile reports whether a caller-driven status query may settle an attempt in state from.
// Only attempts whose outcome was unknown can be settled, and only into a definite outcome.
func CanReconcile(from, to AttemptState) bool {
	return from == AttemptStateTimedOut && (to == AttemptStateConfirmed || to == AttemptStateRejected)
}
