package phase

import "fmt"

// The seven phase kinds of a cycle report review.
const (
	Planning              = "planning"
	Scoping               = "scoping"
	DataProviderID        = "data_provider_id"
	SampleSelection       = "sample_selection"
	RequestForInformation = "request_for_information"
	TestingExecution      = "testing_execution"
	ObservationManagement = "observation_management"
)

// Phase instance states.
const (
	StateNotStarted = "not_started"
	StateInProgress = "in_progress"
	StateSubmitted  = "submitted"
	StateApproved   = "approved"
	StateRejected   = "rejected"
	StateCompleted  = "completed"
)

// kinds is the canonical ordering used for listings and progress.
var kinds = []string{
	Planning,
	Scoping,
	DataProviderID,
	SampleSelection,
	RequestForInformation,
	TestingExecution,
	ObservationManagement,
}

// predecessors encodes the fixed partial order. Data provider
// identification and sample selection fork off scoping and run in
// parallel; testing execution is the join point. Request for
// information deliberately waits on sample selection only, so it can
// start while data provider identification is still underway.
var predecessors = map[string][]string{
	Planning:              {},
	Scoping:               {Planning},
	DataProviderID:        {Scoping},
	SampleSelection:       {Scoping},
	RequestForInformation: {SampleSelection},
	TestingExecution:      {DataProviderID, RequestForInformation},
	ObservationManagement: {TestingExecution},
}

// Kinds returns all seven phase kinds in pipeline order.
func Kinds() []string {
	out := make([]string, len(kinds))
	copy(out, kinds)
	return out
}

// Count is the number of phase kinds in the pipeline.
const Count = 7

// Validate returns an error for an unknown phase kind.
func Validate(kind string) error {
	if _, ok := predecessors[kind]; !ok {
		return fmt.Errorf("unknown phase kind %s", kind)
	}
	return nil
}

// Predecessors returns the phase kinds that must be completed before
// the given kind may start.
func Predecessors(kind string) []string {
	deps := predecessors[kind]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Successors returns the phase kinds that list the given kind as a
// predecessor.
func Successors(kind string) []string {
	var out []string
	for _, k := range kinds {
		for _, dep := range predecessors[k] {
			if dep == kind {
				out = append(out, k)
			}
		}
	}
	return out
}

// ValidTransition reports whether the state machine has an edge from
// one state to another. Entry into in_progress additionally requires a
// dependency check, which is the orchestrator's job.
func ValidTransition(from, to string) bool {
	switch from {
	case StateNotStarted:
		return to == StateInProgress
	case StateInProgress:
		return to == StateSubmitted
	case StateSubmitted:
		return to == StateApproved || to == StateRejected
	case StateApproved:
		return to == StateCompleted
	case StateRejected:
		return to == StateInProgress
	}
	return false
}
