package sla

import (
	"context"
	"testing"
	"time"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/migrate"
	"testline/internal/notify"
)

type recordingSink struct {
	digests []notify.Digest
}

func (s *recordingSink) Deliver(_ context.Context, d notify.Digest) error {
	s.digests = append(s.digests, d)
	return nil
}

// A batch another dispatcher already claimed must not reach the sink:
// the guarded pending->sent update claims zero rows and delivery is
// skipped.
func TestClaimedBatchIsNotRedelivered(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tracker := NewTracker(conn, config.Default("cycle-1"))
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tracker.Now = func() time.Time { return fixed }
	ctx := context.Background()

	event := domain.EscalationEvent{
		ID:              "esc-1",
		PhaseInstanceID: "phase-1",
		Level:           1,
		RecipientChain:  []string{"report_owner"},
		Recipient:       "report_owner",
		DigestKey:       "report_owner@2025-03-01",
		Status:          "pending",
		CreatedAt:       fixed.Format(time.RFC3339),
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := tracker.Repo.InsertEscalation(ctx, tx, event); err != nil {
		t.Fatalf("insert escalation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A rival dispatcher claims the batch between our pending read and
	// our delivery attempt.
	rival, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin rival tx: %v", err)
	}
	if claimed, err := tracker.Repo.MarkEscalationsSent(ctx, rival, []string{event.ID}, fixed.Format(time.RFC3339)); err != nil || claimed != 1 {
		t.Fatalf("rival claim: claimed=%d err=%v", claimed, err)
	}
	if err := rival.Commit(); err != nil {
		t.Fatalf("commit rival: %v", err)
	}

	sink := &recordingSink{}
	sent, err := tracker.deliverDigest(ctx, sink, event.DigestKey, []domain.EscalationEvent{event}, false)
	if err != nil {
		t.Fatalf("deliver digest: %v", err)
	}
	if sent {
		t.Fatal("stale batch should not count as delivered")
	}
	if len(sink.digests) != 0 {
		t.Fatalf("sink should not be invoked for a claimed batch, got %d digests", len(sink.digests))
	}
}
