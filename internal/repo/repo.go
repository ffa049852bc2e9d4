package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"testline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertCycle(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,lob_id,quarter,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.LOBID, c.Quarter, c.Status, nullable(c.Description), c.CreatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,lob_id,quarter,status,COALESCE(description,''),created_at FROM cycles WHERE id=?`, id)
	var c domain.Cycle
	err := row.Scan(&c.ID, &c.LOBID, &c.Quarter, &c.Status, &c.Description, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,lob_id,quarter,status,COALESCE(description,''),created_at FROM cycles ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.ID, &c.LOBID, &c.Quarter, &c.Status, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SingleCycle returns the only cycle when exactly one exists.
func (r Repo) SingleCycle(ctx context.Context) (domain.Cycle, error) {
	cycles, err := r.ListCycles(ctx)
	if err != nil {
		return domain.Cycle{}, err
	}
	if len(cycles) == 0 {
		return domain.Cycle{}, ErrNotFound
	}
	if len(cycles) > 1 {
		return domain.Cycle{}, fmt.Errorf("multiple cycles exist; specify --cycle")
	}
	return cycles[0], nil
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,cycle_id,name,owner_id,created_at) VALUES (?,?,?,?,?)`,
		rep.ID, rep.CycleID, rep.Name, nullable(rep.OwnerID), rep.CreatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,cycle_id,name,COALESCE(owner_id,''),created_at FROM reports WHERE id=?`, id)
	var rep domain.Report
	err := row.Scan(&rep.ID, &rep.CycleID, &rep.Name, &rep.OwnerID, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	return rep, err
}

func (r Repo) ListReports(ctx context.Context, cycleID string) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cycle_id,name,COALESCE(owner_id,''),created_at FROM reports WHERE cycle_id=? ORDER BY created_at`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		if err := rows.Scan(&rep.ID, &rep.CycleID, &rep.Name, &rep.OwnerID, &rep.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

const phaseColumns = `id,cycle_id,report_id,kind,state,version,deadline,payload_json,created_at,updated_at,completed_at`

func scanPhase(scan func(dest ...any) error) (domain.PhaseInstance, error) {
	var p domain.PhaseInstance
	var deadline, payload, completed sql.NullString
	err := scan(&p.ID, &p.CycleID, &p.ReportID, &p.Kind, &p.State, &p.Version, &deadline, &payload, &p.CreatedAt, &p.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if deadline.Valid {
		p.Deadline = &deadline.String
	}
	if payload.Valid {
		p.PayloadJSON = &payload.String
	}
	if completed.Valid {
		p.CompletedAt = &completed.String
	}
	return p, nil
}

func (r Repo) InsertPhaseInstance(ctx context.Context, tx *sql.Tx, p domain.PhaseInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_instances(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CycleID, p.ReportID, p.Kind, p.State, p.Version,
		nullablePtr(p.Deadline), nullablePtr(p.PayloadJSON), p.CreatedAt, p.UpdatedAt, nullablePtr(p.CompletedAt))
	return err
}

func (r Repo) GetPhaseInstance(ctx context.Context, id string) (domain.PhaseInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE id=?`, id)
	return scanPhase(row.Scan)
}

func (r Repo) GetPhaseInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.PhaseInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE id=?`, id)
	return scanPhase(row.Scan)
}

func (r Repo) GetPhaseByKind(ctx context.Context, cycleID, reportID, kind string) (domain.PhaseInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE cycle_id=? AND report_id=? AND kind=?`,
		cycleID, reportID, kind)
	return scanPhase(row.Scan)
}

func (r Repo) ListPhaseInstances(ctx context.Context, cycleID, reportID string) ([]domain.PhaseInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE cycle_id=? AND report_id=?`, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseInstance
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPhaseInstancesTx(ctx context.Context, tx *sql.Tx, cycleID, reportID string) ([]domain.PhaseInstance, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phase_instances WHERE cycle_id=? AND report_id=?`, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseInstance
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountPhaseInstances(ctx context.Context, tx *sql.Tx, cycleID, reportID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM phase_instances WHERE cycle_id=? AND report_id=?`, cycleID, reportID).Scan(&n)
	return n, err
}

// UpdatePhaseInstanceVersioned applies an optimistic-concurrency write:
// the row is updated only when its stored version still equals
// expectedVersion, and the version is bumped in the same statement.
// Returns false when another writer won the race.
func (r Repo) UpdatePhaseInstanceVersioned(ctx context.Context, tx *sql.Tx, p domain.PhaseInstance, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phase_instances
SET state=?, version=version+1, deadline=?, payload_json=?, updated_at=?, completed_at=?
WHERE id=? AND version=?`,
		p.State, nullablePtr(p.Deadline), nullablePtr(p.PayloadJSON), p.UpdatedAt, nullablePtr(p.CompletedAt),
		p.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r Repo) ListEvents(ctx context.Context, cycleID string, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(cycle_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if cycleID != "" {
		query += ` AND cycle_id=?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CycleID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}
