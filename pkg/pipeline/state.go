package pipeline

import (
	"context"
	"log/slog"
)

// State is a phase of a pipeline run.
type State string

const (
	StateGenerating       State = "generating"
	StateExecuting        State = "executing"
	StateFixing           State = "fixing"
	StateSucceeded        State = "succeeded"
	StateExhaustedFailure State = "exhausted_failure"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateExhaustedFailure, StateFailed:
		return true
	}
	return false
}

// validTransitions lists the allowed successors of each state. The empty
// state is the start of a run.
var validTransitions = map[State][]State{
	"":                    {StateGenerating, StateFailed},
	StateGenerating:       {StateExecuting, StateFailed},
	StateExecuting:        {StateSucceeded, StateFixing, StateExhaustedFailure, StateFailed},
	StateFixing:           {StateExecuting, StateFailed},
	StateSucceeded:        nil,
	StateExhaustedFailure: nil,
	StateFailed:           nil,
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is reported to observers on every state change.
type Transition struct {
	RunID   string
	From    State
	To      State
	Attempt int

	// Log is the log of the attempt that triggered the transition, if any.
	Log string

	// Err is set on transitions to StateFailed and StateExhaustedFailure.
	Err error
}

// Observer receives state transitions. Implementations must not block.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) {
	f(ctx, t)
}

// LogObserver logs every transition through slog.
type LogObserver struct{}

// OnTransition logs t at INFO, or WARN for unsuccessful terminal states.
func (LogObserver) OnTransition(ctx context.Context, t Transition) {
	attrs := []any{"run_id", t.RunID, "from", string(t.From), "state", string(t.To), "attempt", t.Attempt}
	if t.Err != nil {
		attrs = append(attrs, "error", t.Err)
	}
	if t.To == StateFailed || t.To == StateExhaustedFailure {
		slog.WarnContext(ctx, "pipeline state", attrs...)
		return
	}
	slog.InfoContext(ctx, "pipeline state", attrs...)
}
