package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
	"testline/internal/phase"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("cycle-1")
	eng := engine.New(conn, cfg)
	fixed := func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	eng.SLA.Now = fixed
	ctx := context.Background()
	if _, err := eng.InitCycle(ctx, "cycle-1", "test", "admin"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	if _, err := eng.CreateReport(ctx, domain.Report{ID: "rep-1", CycleID: "cycle-1", Name: "Call Report"}, "admin"); err != nil {
		t.Fatalf("create report: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func initPhases(t *testing.T, env testEnv) map[string]domain.PhaseInstance {
	t.Helper()
	instances, err := env.Engine.InitializePhases(env.Ctx, "cycle-1", "rep-1", "admin")
	if err != nil {
		t.Fatalf("initialize phases: %v", err)
	}
	byKind := map[string]domain.PhaseInstance{}
	for _, p := range instances {
		byKind[p.Kind] = p
	}
	return byKind
}

// transition reloads the instance and applies one edge at its current version.
func transition(t *testing.T, env testEnv, id, target string) domain.PhaseInstance {
	t.Helper()
	p, err := env.Engine.Repo.GetPhaseInstance(env.Ctx, id)
	if err != nil {
		t.Fatalf("reload %s: %v", id, err)
	}
	p, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		PhaseInstanceID: id,
		Target:          target,
		ExpectedVersion: p.Version,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("transition %s -> %s: %v", id, target, err)
	}
	return p
}

func complete(t *testing.T, env testEnv, id string) {
	t.Helper()
	p, err := env.Engine.Repo.GetPhaseInstance(env.Ctx, id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if p.State == phase.StateNotStarted {
		transition(t, env, id, phase.StateInProgress)
	}
	transition(t, env, id, phase.StateSubmitted)
	transition(t, env, id, phase.StateApproved)
	transition(t, env, id, phase.StateCompleted)
}

func TestInitializePhases(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	if len(byKind) != 7 {
		t.Fatalf("expected 7 phases, got %d", len(byKind))
	}
	for kind, p := range byKind {
		if p.State != phase.StateNotStarted {
			t.Errorf("phase %s starts in %s", kind, p.State)
		}
		if p.Version != 0 {
			t.Errorf("phase %s starts at version %d", kind, p.Version)
		}
	}
	pct, err := env.Engine.AggregateProgress(env.Ctx, "cycle-1", "rep-1")
	if err != nil || pct != 0 {
		t.Fatalf("expected 0%% after init, got %d (%v)", pct, err)
	}
	// Second call is a no-op error, never duplicate rows.
	_, err = env.Engine.InitializePhases(env.Ctx, "cycle-1", "rep-1", "admin")
	var initErr engine.AlreadyInitializedError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected AlreadyInitializedError, got %v", err)
	}
	views, err := env.Engine.ListPhases(env.Ctx, "cycle-1", "rep-1")
	if err != nil || len(views) != 7 {
		t.Fatalf("still expected 7 phases, got %d (%v)", len(views), err)
	}
}

func TestDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	dpi := byKind[phase.DataProviderID]
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		PhaseInstanceID: dpi.ID,
		Target:          phase.StateInProgress,
		ExpectedVersion: dpi.Version,
		ActorID:         "tester",
	})
	var depErr engine.DependencyUnmetError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyUnmetError, got %v", err)
	}
	found := false
	for _, k := range depErr.Blocking {
		if k == phase.Scoping {
			found = true
		}
	}
	if !found {
		t.Fatalf("error should name scoping, got %v", depErr.Blocking)
	}
}

func TestPlanningAutoAdvancesScoping(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	complete(t, env, byKind[phase.Planning].ID)
	scoping, err := env.Engine.Repo.GetPhaseInstance(env.Ctx, byKind[phase.Scoping].ID)
	if err != nil {
		t.Fatal(err)
	}
	if scoping.State != phase.StateInProgress {
		t.Fatalf("scoping should auto-start after planning, got %s", scoping.State)
	}
}

func TestParallelForkAfterScoping(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	complete(t, env, byKind[phase.Planning].ID)
	complete(t, env, byKind[phase.Scoping].ID)

	transition(t, env, byKind[phase.DataProviderID].ID, phase.StateInProgress)
	transition(t, env, byKind[phase.SampleSelection].ID, phase.StateInProgress)

	dpi, _ := env.Engine.Repo.GetPhaseInstance(env.Ctx, byKind[phase.DataProviderID].ID)
	sel, _ := env.Engine.Repo.GetPhaseInstance(env.Ctx, byKind[phase.SampleSelection].ID)
	if dpi.State != phase.StateInProgress || sel.State != phase.StateInProgress {
		t.Fatalf("both parallel phases should run: dpi=%s sel=%s", dpi.State, sel.State)
	}
}

func TestRFIWaitsOnSampleSelectionOnly(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	complete(t, env, byKind[phase.Planning].ID)
	complete(t, env, byKind[phase.Scoping].ID)

	// Data provider identification started but far from done.
	transition(t, env, byKind[phase.DataProviderID].ID, phase.StateInProgress)
	complete(t, env, byKind[phase.SampleSelection].ID)

	rfi := transition(t, env, byKind[phase.RequestForInformation].ID, phase.StateInProgress)
	if rfi.State != phase.StateInProgress {
		t.Fatalf("RFI should start once sample selection completed, got %s", rfi.State)
	}
}

func TestTestingExecutionJoin(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	complete(t, env, byKind[phase.Planning].ID)
	complete(t, env, byKind[phase.Scoping].ID)
	complete(t, env, byKind[phase.SampleSelection].ID)
	complete(t, env, byKind[phase.RequestForInformation].ID)

	// DPI still open: the join must hold.
	te := byKind[phase.TestingExecution].ID
	p, _ := env.Engine.Repo.GetPhaseInstance(env.Ctx, te)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		PhaseInstanceID: te, Target: phase.StateInProgress, ExpectedVersion: p.Version, ActorID: "tester",
	})
	var depErr engine.DependencyUnmetError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyUnmetError at the join, got %v", err)
	}
	complete(t, env, byKind[phase.DataProviderID].ID)
	transition(t, env, te, phase.StateInProgress)
}

func TestRejectionLoop(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	planning := byKind[phase.Planning].ID
	transition(t, env, planning, phase.StateInProgress)
	transition(t, env, planning, phase.StateSubmitted)
	p := transition(t, env, planning, phase.StateRejected)
	if p.State != phase.StateRejected {
		t.Fatalf("expected rejected, got %s", p.State)
	}
	p = transition(t, env, planning, phase.StateInProgress)
	if p.State != phase.StateInProgress {
		t.Fatalf("rejected phase should re-enter in_progress, got %s", p.State)
	}
}

func TestAggregateProgress(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	complete(t, env, byKind[phase.Planning].ID)
	pct, err := env.Engine.AggregateProgress(env.Ctx, "cycle-1", "rep-1")
	if err != nil {
		t.Fatal(err)
	}
	if pct != 14 {
		t.Fatalf("one of seven completed should be 14%%, got %d", pct)
	}
	for _, kind := range []string{phase.Scoping, phase.DataProviderID, phase.SampleSelection, phase.RequestForInformation, phase.TestingExecution, phase.ObservationManagement} {
		complete(t, env, byKind[kind].ID)
	}
	pct, err = env.Engine.AggregateProgress(env.Ctx, "cycle-1", "rep-1")
	if err != nil || pct != 100 {
		t.Fatalf("all completed should be 100%%, got %d (%v)", pct, err)
	}
}

func TestConcurrentModification(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	planning := byKind[phase.Planning]

	first, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		PhaseInstanceID: planning.ID, Target: phase.StateInProgress, ExpectedVersion: planning.Version, ActorID: "a",
	})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if first.Version != planning.Version+1 {
		t.Fatalf("version should increment, got %d", first.Version)
	}
	// Same expected version again: exactly one winner.
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		PhaseInstanceID: planning.ID, Target: phase.StateSubmitted, ExpectedVersion: planning.Version, ActorID: "b",
	})
	var cmErr engine.ConcurrentModificationError
	if !errors.As(err, &cmErr) {
		t.Fatalf("expected ConcurrentModificationError, got %v", err)
	}
}

func TestSubmitArmsAndApproveDisarmsClock(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	planning := byKind[phase.Planning].ID
	transition(t, env, planning, phase.StateInProgress)
	transition(t, env, planning, phase.StateSubmitted)

	clock, err := env.Engine.Repo.GetClock(env.Ctx, planning)
	if err != nil {
		t.Fatalf("expected armed clock after submit: %v", err)
	}
	if clock.Level != 0 {
		t.Fatalf("fresh clock should be level 0, got %d", clock.Level)
	}
	transition(t, env, planning, phase.StateApproved)
	if _, err := env.Engine.Repo.GetClock(env.Ctx, planning); err == nil {
		t.Fatal("clock should be disarmed after approval")
	}
}

func TestInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	byKind := initPhases(t, env)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		PhaseInstanceID: byKind[phase.Planning].ID,
		Target:          phase.StateCompleted,
		ExpectedVersion: 0,
		ActorID:         "tester",
	})
	var invErr engine.InvalidTransitionError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}
