package phase

import "testing"

func TestGraphShape(t *testing.T) {
	if len(Kinds()) != Count {
		t.Fatalf("expected %d kinds, got %d", Count, len(Kinds()))
	}
	for _, k := range Kinds() {
		if err := Validate(k); err != nil {
			t.Fatalf("kind %s: %v", k, err)
		}
	}
	if err := Validate("shipping"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestForkAndJoin(t *testing.T) {
	succ := Successors(Scoping)
	if len(succ) != 2 {
		t.Fatalf("scoping should fork into 2 phases, got %v", succ)
	}
	deps := Predecessors(TestingExecution)
	if len(deps) != 2 {
		t.Fatalf("testing execution should join 2 phases, got %v", deps)
	}
	// RFI waits on sample selection only.
	rfi := Predecessors(RequestForInformation)
	if len(rfi) != 1 || rfi[0] != SampleSelection {
		t.Fatalf("unexpected RFI predecessors %v", rfi)
	}
}

func TestValidTransition(t *testing.T) {
	valid := [][2]string{
		{StateNotStarted, StateInProgress},
		{StateInProgress, StateSubmitted},
		{StateSubmitted, StateApproved},
		{StateSubmitted, StateRejected},
		{StateApproved, StateCompleted},
		{StateRejected, StateInProgress},
	}
	for _, v := range valid {
		if !ValidTransition(v[0], v[1]) {
			t.Errorf("expected %s -> %s to be valid", v[0], v[1])
		}
	}
	invalid := [][2]string{
		{StateNotStarted, StateCompleted},
		{StateInProgress, StateApproved},
		{StateCompleted, StateInProgress},
		{StateApproved, StateRejected},
	}
	for _, v := range invalid {
		if ValidTransition(v[0], v[1]) {
			t.Errorf("expected %s -> %s to be invalid", v[0], v[1])
		}
	}
}
