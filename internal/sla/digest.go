package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"testline/internal/domain"
	"testline/internal/notify"
)

// DispatchDigests hands pending escalation events to the sink, one
// notification per digest key. A key that already produced a
// notification today absorbs later events silently, so no recipient
// hears from us twice on the same day.
func (t *Tracker) DispatchDigests(ctx context.Context, sink notify.Sink) (int, error) {
	digests, err := t.Repo.PendingDigests(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	var errs []error
	for key, batch := range digests {
		alreadySent, err := t.Repo.HasSentDigest(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("digest %s: %w", key, err))
			continue
		}
		sent, err := t.deliverDigest(ctx, sink, key, batch, alreadySent)
		if err != nil {
			errs = append(errs, fmt.Errorf("digest %s: %w", key, err))
			continue
		}
		if sent {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

// deliverDigest claims the batch with a guarded pending->sent update
// before handing it to the sink, the same pattern the clock scan uses
// for level advances. A concurrent dispatcher claims zero rows and
// walks away; a sink failure rolls the claim back so the events stay
// pending for the next pass.
func (t *Tracker) deliverDigest(ctx context.Context, sink notify.Sink, key string, batch []domain.EscalationEvent, suppress bool) (bool, error) {
	tx, err := t.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ids := make([]string, 0, len(batch))
	for _, e := range batch {
		ids = append(ids, e.ID)
	}
	claimed, err := t.Repo.MarkEscalationsSent(ctx, tx, ids, t.now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	if claimed == 0 {
		return false, nil
	}
	if !suppress {
		if err := sink.Deliver(ctx, notify.Digest{
			DigestKey: key,
			Recipient: batch[0].Recipient,
			Events:    batch,
		}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return !suppress, nil
}
