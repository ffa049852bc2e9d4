package engine

import (
	"context"
	"errors"
	"testing"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/migrate"
	"testline/internal/phase"
)

// A duplicate phase-instance insert must read as a unique violation so
// InitializePhases can report AlreadyInitializedError when two callers
// race past the count check.
func TestDuplicatePhaseInsertIsUniqueViolation(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default("cycle-1"))
	ctx := context.Background()
	if _, err := e.InitCycle(ctx, "cycle-1", "", "admin"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	if _, err := e.CreateReport(ctx, domain.Report{ID: "rep-1", CycleID: "cycle-1", Name: "Call Report"}, "admin"); err != nil {
		t.Fatalf("create report: %v", err)
	}
	instances, err := e.InitializePhases(ctx, "cycle-1", "rep-1", "admin")
	if err != nil {
		t.Fatalf("initialize phases: %v", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	dup := instances[0]
	dup.ID = "dup-planning"
	err = e.Repo.InsertPhaseInstance(ctx, tx, dup)
	if err == nil {
		t.Fatalf("duplicate (cycle, report, kind) insert should fail")
	}
	if !isUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if dup.Kind != phase.Planning {
		t.Fatalf("fixture should duplicate planning, got %s", dup.Kind)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(nil) {
		t.Fatal("nil is not a violation")
	}
	if isUniqueViolation(errors.New("disk I/O error")) {
		t.Fatal("unrelated error is not a violation")
	}
}
