package api

import "fmt"

// ValidateRunTransition checks whether a run status transition is valid.
// An empty "from" status represents the initial state before the run was saved.
// Terminal states (succeeded, failed, error) do not allow outgoing transitions.
func ValidateRunTransition(from, to RunStatus) *APIError {
	valid := map[RunStatus][]RunStatus{
		"":                  {RunStatusInProgress},
		RunStatusInProgress: {RunStatusSucceeded, RunStatusFailed, RunStatusError},
	}

	allowed, exists := valid[from]
	if !exists {
		return NewInvalidRequestError("status",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
