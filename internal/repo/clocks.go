package repo

import (
	"context"
	"database/sql"

	"testline/internal/domain"
)

func (r Repo) UpsertClock(ctx context.Context, tx *sql.Tx, c domain.SLAClock) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sla_clocks(phase_instance_id,chain,armed_at,threshold_seconds,level,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(phase_instance_id) DO UPDATE SET chain=excluded.chain, armed_at=excluded.armed_at,
threshold_seconds=excluded.threshold_seconds, level=excluded.level, updated_at=excluded.updated_at`,
		c.PhaseInstanceID, c.Chain, c.ArmedAt, c.ThresholdSeconds, c.Level, c.UpdatedAt)
	return err
}

func (r Repo) DeleteClock(ctx context.Context, tx *sql.Tx, phaseInstanceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM sla_clocks WHERE phase_instance_id=?`, phaseInstanceID)
	return err
}

func scanClock(scan func(dest ...any) error) (domain.SLAClock, error) {
	var c domain.SLAClock
	err := scan(&c.PhaseInstanceID, &c.Chain, &c.ArmedAt, &c.ThresholdSeconds, &c.Level, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetClock(ctx context.Context, phaseInstanceID string) (domain.SLAClock, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT phase_instance_id,chain,armed_at,threshold_seconds,level,updated_at FROM sla_clocks WHERE phase_instance_id=?`, phaseInstanceID)
	return scanClock(row.Scan)
}

func (r Repo) GetClockTx(ctx context.Context, tx *sql.Tx, phaseInstanceID string) (domain.SLAClock, error) {
	row := tx.QueryRowContext(ctx, `SELECT phase_instance_id,chain,armed_at,threshold_seconds,level,updated_at FROM sla_clocks WHERE phase_instance_id=?`, phaseInstanceID)
	return scanClock(row.Scan)
}

func (r Repo) ListClocks(ctx context.Context) ([]domain.SLAClock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase_instance_id,chain,armed_at,threshold_seconds,level,updated_at FROM sla_clocks ORDER BY armed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLAClock
	for rows.Next() {
		c, err := scanClock(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// AdvanceClockLevel bumps a clock exactly one level, guarded by the
// level it was read at. Returns false when the clock is gone (disarmed
// mid-scan) or another scanner already advanced it.
func (r Repo) AdvanceClockLevel(ctx context.Context, tx *sql.Tx, phaseInstanceID string, fromLevel int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sla_clocks SET level=level+1, updated_at=? WHERE phase_instance_id=? AND level=?`,
		now, phaseInstanceID, fromLevel)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
