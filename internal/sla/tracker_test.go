package sla_test

import (
	"context"
	"testing"
	"time"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
	"testline/internal/notify"
	"testline/internal/phase"
	"testline/internal/repo"
	"testline/internal/sla"
)

type clockEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func (e *clockEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func newClockEnv(t *testing.T) *clockEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &clockEnv{
		Ctx: context.Background(),
		now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default("cycle-1"))
	eng.Now = func() time.Time { return env.now }
	eng.SLA.Now = eng.Now
	env.Engine = eng
	if _, err := eng.InitCycle(env.Ctx, "cycle-1", "", "admin"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	return env
}

// submitPlanning creates a report, initializes phases and walks
// planning into submitted, which arms its approval clock.
func submitPlanning(t *testing.T, env *clockEnv, reportID string) string {
	t.Helper()
	if _, err := env.Engine.CreateReport(env.Ctx, domain.Report{ID: reportID, CycleID: "cycle-1", Name: reportID}, "admin"); err != nil {
		t.Fatal(err)
	}
	instances, err := env.Engine.InitializePhases(env.Ctx, "cycle-1", reportID, "admin")
	if err != nil {
		t.Fatal(err)
	}
	var planning domain.PhaseInstance
	for _, p := range instances {
		if p.Kind == phase.Planning {
			planning = p
		}
	}
	for _, target := range []string{phase.StateInProgress, phase.StateSubmitted} {
		p, err := env.Engine.Repo.GetPhaseInstance(env.Ctx, planning.ID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			PhaseInstanceID: planning.ID, Target: target, ExpectedVersion: p.Version, ActorID: "tester",
		}); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}
	return planning.ID
}

func TestScanAdvancesOneLevelExactlyOnce(t *testing.T) {
	env := newClockEnv(t)
	id := submitPlanning(t, env, "rep-1")

	// Just inside the threshold: nothing fires.
	env.advance(24 * time.Hour)
	env.advance(-time.Second)
	n, err := env.Engine.SLA.Scan(env.Ctx, env.now)
	if err != nil || n != 0 {
		t.Fatalf("scan before threshold advanced %d (%v)", n, err)
	}
	// One second past the 24h threshold: level 0 -> 1, exactly once.
	env.advance(2 * time.Second)
	n, err = env.Engine.SLA.Scan(env.Ctx, env.now)
	if err != nil || n != 1 {
		t.Fatalf("scan past threshold advanced %d (%v)", n, err)
	}
	clock, err := env.Engine.Repo.GetClock(env.Ctx, id)
	if err != nil || clock.Level != 1 {
		t.Fatalf("expected level 1, got %d (%v)", clock.Level, err)
	}
	// An immediate repeat scan never re-fires the same level.
	n, err = env.Engine.SLA.Scan(env.Ctx, env.now)
	if err != nil || n != 0 {
		t.Fatalf("repeat scan advanced %d (%v)", n, err)
	}
}

func TestLevelsClimbAndCap(t *testing.T) {
	env := newClockEnv(t)
	id := submitPlanning(t, env, "rep-1")
	env.advance(25 * time.Hour)
	if _, err := env.Engine.SLA.Scan(env.Ctx, env.now); err != nil {
		t.Fatal(err)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.SLA.Scan(env.Ctx, env.now); err != nil {
		t.Fatal(err)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.SLA.Scan(env.Ctx, env.now); err != nil {
		t.Fatal(err)
	}
	clock, err := env.Engine.Repo.GetClock(env.Ctx, id)
	if err != nil || clock.Level != sla.MaxLevel {
		t.Fatalf("expected max level, got %d (%v)", clock.Level, err)
	}
	// Way past every threshold: capped, no further advance.
	env.advance(300 * time.Hour)
	n, err := env.Engine.SLA.Scan(env.Ctx, env.now)
	if err != nil || n != 0 {
		t.Fatalf("capped clock advanced %d (%v)", n, err)
	}
}

func TestDisarmCancelsEscalation(t *testing.T) {
	env := newClockEnv(t)
	id := submitPlanning(t, env, "rep-1")
	p, err := env.Engine.Repo.GetPhaseInstance(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		PhaseInstanceID: id, Target: phase.StateApproved, ExpectedVersion: p.Version, ActorID: "owner",
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(48 * time.Hour)
	n, err := env.Engine.SLA.Scan(env.Ctx, env.now)
	if err != nil || n != 0 {
		t.Fatalf("disarmed clock escalated: %d (%v)", n, err)
	}
	events, err := env.Engine.Repo.ListEscalations(env.Ctx, repo.EscalationFilter{PhaseInstanceID: id})
	if err != nil || len(events) != 0 {
		t.Fatalf("no escalation events expected, got %d (%v)", len(events), err)
	}
}

func TestEscalationRecipientsWidenPerLevel(t *testing.T) {
	env := newClockEnv(t)
	id := submitPlanning(t, env, "rep-1")
	env.advance(25 * time.Hour)
	if _, err := env.Engine.SLA.Scan(env.Ctx, env.now); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.ListEscalations(env.Ctx, repo.EscalationFilter{PhaseInstanceID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Recipient != "report_owner" {
		t.Fatalf("level 1 should notify the chain head only, got %v", events)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.SLA.Scan(env.Ctx, env.now); err != nil {
		t.Fatal(err)
	}
	events, err = env.Engine.Repo.ListEscalations(env.Ctx, repo.EscalationFilter{PhaseInstanceID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("level 2 adds two more recipients, got %d events", len(events))
	}
}

type captureSink struct {
	digests []notify.Digest
}

func (s *captureSink) Deliver(_ context.Context, d notify.Digest) error {
	s.digests = append(s.digests, d)
	return nil
}

func TestDigestBatchingPerRecipientPerDay(t *testing.T) {
	env := newClockEnv(t)
	submitPlanning(t, env, "rep-1")
	submitPlanning(t, env, "rep-2")

	// Both clocks violate on the same day: the shared recipient gets
	// one digest, not two.
	env.advance(25 * time.Hour)
	if _, err := env.Engine.SLA.Scan(env.Ctx, env.now); err != nil {
		t.Fatal(err)
	}
	sink := &captureSink{}
	delivered, err := env.Engine.SLA.DispatchDigests(env.Ctx, sink)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 || len(sink.digests) != 1 {
		t.Fatalf("same recipient same day should collapse to 1 digest, got %d", delivered)
	}
	if len(sink.digests[0].Events) != 2 {
		t.Fatalf("digest should carry both events, got %d", len(sink.digests[0].Events))
	}

	// The next day produces a fresh digest key and a second notification.
	env.advance(24 * time.Hour)
	if _, err := env.Engine.SLA.Scan(env.Ctx, env.now); err != nil {
		t.Fatal(err)
	}
	delivered, err = env.Engine.SLA.DispatchDigests(env.Ctx, sink)
	if err != nil {
		t.Fatal(err)
	}
	if delivered < 1 {
		t.Fatalf("different day should produce a new digest, got %d", delivered)
	}
}

func TestManualEscalationJoinsDigest(t *testing.T) {
	env := newClockEnv(t)
	id := submitPlanning(t, env, "rep-1")

	// No threshold has elapsed; the manual trigger fires anyway.
	clock, err := env.Engine.SLA.EscalateNow(env.Ctx, id, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if clock.Level != 1 {
		t.Fatalf("manual escalation should reach level 1, got %d", clock.Level)
	}
	// A second manual trigger the same day widens the audience but the
	// chain head still gets a single digest for the day.
	if _, err := env.Engine.SLA.EscalateNow(env.Ctx, id, "tester"); err != nil {
		t.Fatal(err)
	}
	sink := &captureSink{}
	delivered, err := env.Engine.SLA.DispatchDigests(env.Ctx, sink)
	if err != nil {
		t.Fatal(err)
	}
	// report_owner (two events) and tester (one event).
	if delivered != 2 {
		t.Fatalf("expected 2 digests, got %d", delivered)
	}
	for _, d := range sink.digests {
		if d.Recipient == "report_owner" && len(d.Events) != 2 {
			t.Fatalf("chain head digest should carry both events, got %d", len(d.Events))
		}
	}
}
