package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"testline/internal/domain"
)

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.EscalationEvent) error {
	chain, err := json.Marshal(e.RecipientChain)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO escalation_events(id,phase_instance_id,level,recipient_chain,recipient,digest_key,message,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.PhaseInstanceID, e.Level, string(chain), e.Recipient, e.DigestKey, nullable(e.Message), e.Status, e.CreatedAt)
	return err
}

const escalationColumns = `id,phase_instance_id,level,recipient_chain,recipient,digest_key,COALESCE(message,''),status,created_at,sent_at`

func scanEscalation(scan func(dest ...any) error) (domain.EscalationEvent, error) {
	var e domain.EscalationEvent
	var chain string
	var sentAt sql.NullString
	err := scan(&e.ID, &e.PhaseInstanceID, &e.Level, &chain, &e.Recipient, &e.DigestKey, &e.Message, &e.Status, &e.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if sentAt.Valid {
		e.SentAt = &sentAt.String
	}
	_ = json.Unmarshal([]byte(chain), &e.RecipientChain)
	return e, nil
}

type EscalationFilter struct {
	PhaseInstanceID string
	Recipient       string
	Status          string
	Limit           int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilter) ([]domain.EscalationEvent, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalation_events`
	var (
		clauses []string
		args    []any
	)
	if f.PhaseInstanceID != "" {
		clauses = append(clauses, "phase_instance_id=?")
		args = append(args, f.PhaseInstanceID)
	}
	if f.Recipient != "" {
		clauses = append(clauses, "recipient=?")
		args = append(args, f.Recipient)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationEvent
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PendingDigests groups pending escalation events by digest key.
func (r Repo) PendingDigests(ctx context.Context) (map[string][]domain.EscalationEvent, error) {
	pending, err := r.ListEscalations(ctx, EscalationFilter{Status: "pending"})
	if err != nil {
		return nil, err
	}
	digests := map[string][]domain.EscalationEvent{}
	for _, e := range pending {
		digests[e.DigestKey] = append(digests[e.DigestKey], e)
	}
	return digests, nil
}

// HasSentDigest reports whether a notification for this digest key was
// already handed off, enforcing at most one per recipient per day.
func (r Repo) HasSentDigest(ctx context.Context, digestKey string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM escalation_events WHERE digest_key=? AND status='sent' LIMIT 1`, digestKey)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// MarkEscalationsSent flips the batch from pending to sent and reports
// how many rows it actually claimed. Rows another dispatcher already
// took are left alone, so a zero count means the whole batch is spoken
// for.
func (r Repo) MarkEscalationsSent(ctx context.Context, tx *sql.Tx, ids []string, sentAt string) (int64, error) {
	var claimed int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE escalation_events SET status='sent', sent_at=? WHERE id=? AND status='pending'`, sentAt, id)
		if err != nil {
			return claimed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		claimed += n
	}
	return claimed, nil
}
