// Package sla owns per-phase-instance deadline clocks and the
// escalation machinery that fires when they run out.
package sla

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testline/internal/config"
	"testline/internal/domain"
	"testline/internal/events"
	"testline/internal/repo"
)

// MaxLevel is the critical escalation tier; scans never advance past it.
const MaxLevel = 3

type Tracker struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func NewTracker(db *sql.DB, cfg *config.Config) *Tracker {
	return &Tracker{
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// ArmTx arms a clock for a phase instance that just entered the given
// state, if an SLA rule covers that (kind, state) entry. Runs inside
// the caller's transaction so a crash cannot separate the transition
// from its clock.
func (t *Tracker) ArmTx(ctx context.Context, tx *sql.Tx, instance domain.PhaseInstance, state string) error {
	rule, ok := t.Config.RuleFor(instance.Kind, state)
	if !ok {
		return nil
	}
	threshold := rule.Threshold
	if threshold <= 0 {
		threshold = t.Config.DefaultThreshold()
	}
	now := t.now().UTC().Format(time.RFC3339)
	return t.Repo.UpsertClock(ctx, tx, domain.SLAClock{
		PhaseInstanceID:  instance.ID,
		Chain:            rule.Chain,
		ArmedAt:          now,
		ThresholdSeconds: int64(threshold / time.Second),
		Level:            0,
		UpdatedAt:        now,
	})
}

// DisarmTx removes the clock, cancelling any pending escalation. Safe
// to call when no clock is armed.
func (t *Tracker) DisarmTx(ctx context.Context, tx *sql.Tx, phaseInstanceID string) error {
	return t.Repo.DeleteClock(ctx, tx, phaseInstanceID)
}

// Scan advances every armed clock whose current-level threshold has
// elapsed by exactly one level, recording one escalation batch per
// advance. A failure on one clock does not stop the others.
func (t *Tracker) Scan(ctx context.Context, now time.Time) (int, error) {
	clocks, err := t.Repo.ListClocks(ctx)
	if err != nil {
		return 0, err
	}
	advanced := 0
	var errs []error
	for _, clock := range clocks {
		ok, err := t.scanClock(ctx, clock, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("clock %s: %w", clock.PhaseInstanceID, err))
			continue
		}
		if ok {
			advanced++
		}
	}
	return advanced, errors.Join(errs...)
}

func (t *Tracker) scanClock(ctx context.Context, clock domain.SLAClock, now time.Time) (bool, error) {
	if clock.Level >= MaxLevel {
		return false, nil
	}
	armedAt, err := time.Parse(time.RFC3339, clock.ArmedAt)
	if err != nil {
		return false, fmt.Errorf("parse armed_at: %w", err)
	}
	threshold := time.Duration(clock.ThresholdSeconds) * time.Second
	// Level N fires once N+1 thresholds have elapsed since arming.
	due := armedAt.Add(threshold * time.Duration(clock.Level+1))
	if now.Before(due) {
		return false, nil
	}
	tx, err := t.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	nowStr := now.UTC().Format(time.RFC3339)
	// The guarded update re-checks "still armed at this level" so a
	// disarm or a concurrent scanner racing us makes this a no-op.
	ok, err := t.Repo.AdvanceClockLevel(ctx, tx, clock.PhaseInstanceID, clock.Level, nowStr)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	newLevel := clock.Level + 1
	if err := t.recordEscalation(ctx, tx, clock, newLevel, now, "sla.threshold"); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// recordEscalation writes one escalation event per recipient role of
// the chain at the given level, plus an audit event.
func (t *Tracker) recordEscalation(ctx context.Context, tx *sql.Tx, clock domain.SLAClock, level int, now time.Time, reason string) error {
	chain := t.Config.Chain(clock.Chain)
	if len(chain) == 0 {
		return fmt.Errorf("escalation chain %s not configured", clock.Chain)
	}
	recipients := recipientsForLevel(chain, level)
	nowStr := now.UTC().Format(time.RFC3339)
	day := now.UTC().Format("2006-01-02")
	for _, recipient := range recipients {
		evt := domain.EscalationEvent{
			ID:              uuid.New().String(),
			PhaseInstanceID: clock.PhaseInstanceID,
			Level:           level,
			RecipientChain:  chain,
			Recipient:       recipient,
			DigestKey:       recipient + "@" + day,
			Message:         fmt.Sprintf("phase %s reached escalation level %d (%s)", clock.PhaseInstanceID, level, reason),
			Status:          "pending",
			CreatedAt:       nowStr,
		}
		if err := t.Repo.InsertEscalation(ctx, tx, evt); err != nil {
			return err
		}
	}
	return t.Events.Append(ctx, tx, "sla.escalated", "", "phase_instance", clock.PhaseInstanceID, "scheduler", events.EventPayload{
		"level":  level,
		"chain":  clock.Chain,
		"reason": reason,
	})
}

// recipientsForLevel widens the audience as the level climbs: level 1
// notifies the first role of the chain, level 2 the first two, and so
// on.
func recipientsForLevel(chain []string, level int) []string {
	if level > len(chain) {
		level = len(chain)
	}
	return chain[:level]
}

// EscalateNow is the manual, tester-triggered escalation. It skips the
// timer, advances the clock one level immediately, and joins the same
// day's digest as timer-driven escalations.
func (t *Tracker) EscalateNow(ctx context.Context, phaseInstanceID, actorID string) (domain.SLAClock, error) {
	clock, err := t.Repo.GetClock(ctx, phaseInstanceID)
	if err != nil {
		return domain.SLAClock{}, err
	}
	if clock.Level >= MaxLevel {
		return clock, fmt.Errorf("clock already at maximum level %d", MaxLevel)
	}
	now := t.now()
	tx, err := t.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return clock, err
	}
	defer tx.Rollback()
	ok, err := t.Repo.AdvanceClockLevel(ctx, tx, phaseInstanceID, clock.Level, now.UTC().Format(time.RFC3339))
	if err != nil {
		return clock, err
	}
	if !ok {
		return clock, fmt.Errorf("clock for %s changed; retry", phaseInstanceID)
	}
	clock.Level++
	if err := t.recordEscalation(ctx, tx, clock, clock.Level, now, "manual by "+actorID); err != nil {
		return clock, err
	}
	if err := tx.Commit(); err != nil {
		return clock, err
	}
	return clock, nil
}
