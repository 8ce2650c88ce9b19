package model

import "fmt"

const (
	StatePending    = "pending"
	StateInProgress = "in_progress"
	StateDone       = "done"
	StateFailed     = "failed"
)

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatePending: true,
	},
	StatePending: {
		StatePending:    true,
		StateInProgress: true,
		StateFailed:     true, // unreadable before the first stage (e.g. empty folder)
	},
	StateInProgress: {
		StateInProgress: true,
		StateDone:       true,
		StateFailed:     true,
		StatePending:    true, // requeue after interruption
	},
	StateDone: {
		StateDone: true,
	},
	StateFailed: {
		StateFailed:  true,
		StatePending: true, // explicit operator requeue only
	},
}

func IsKnownState(state string) bool {
	_, ok := allowedTransitions[state]
	return ok
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionItemState(item *WorkItem, toState, reason string) error {
	from := item.State
	if !CanTransition(from, toState) {
		return fmt.Errorf("invalid work item state transition: %q -> %q (identity=%s)", from, toState, item.Identity)
	}
	item.State = toState
	item.Reason = reason
	return nil
}
