package domain

import "fmt"

// allowedTransitions is the full monotonic transition table.
// Deletion is not a state: approved, unapproved and poisoned reports leave
// the store through ReportStore.Delete.
//
// pending  -> approved | unapproved
// approved -> poisoned
var allowedTransitions = map[ApprovalState][]ApprovalState{
	StatePending:  {StateApproved, StateUnapproved},
	StateApproved: {StatePoisoned},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ApprovalState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to ApprovalState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
