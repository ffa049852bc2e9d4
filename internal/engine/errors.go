package engine

import (
	"fmt"
	"strings"
)

// AlreadyInitializedError is returned when InitializePhases finds the
// seven phase instances already in place. Callers may ignore it.
type AlreadyInitializedError struct {
	CycleID  string
	ReportID string
}

func (e AlreadyInitializedError) Error() string {
	return fmt.Sprintf("phases already initialized for cycle %s report %s", e.CycleID, e.ReportID)
}

// DependencyUnmetError names the predecessor phases blocking a start.
type DependencyUnmetError struct {
	Kind     string
	Blocking []string
}

func (e DependencyUnmetError) Error() string {
	return fmt.Sprintf("phase %s cannot start; waiting on %s", e.Kind, strings.Join(e.Blocking, ", "))
}

// ConcurrentModificationError signals a stale version on a transition.
// The caller must reload and retry; the engine never retries on its
// own.
type ConcurrentModificationError struct {
	PhaseInstanceID string
	ExpectedVersion int64
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("phase instance %s changed since version %d; reload and retry", e.PhaseInstanceID, e.ExpectedVersion)
}

// InvalidTransitionError is returned for edges the state machine does
// not have.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}
