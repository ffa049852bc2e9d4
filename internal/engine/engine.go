package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"testline/internal/authz"
	"testline/internal/config"
	"testline/internal/domain"
	"testline/internal/events"
	"testline/internal/phase"
	"testline/internal/repo"
	"testline/internal/sla"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Authz  *authz.Evaluator
	SLA    *sla.Tracker
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Authz:  authz.New(r),
		SLA:    sla.NewTracker(db, cfg),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitCycle creates a cycle and seeds the configured RBAC roles.
func (e Engine) InitCycle(ctx context.Context, cycleID, description, actorID string) (domain.Cycle, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c := domain.Cycle{
		ID:          cycleID,
		LOBID:       e.Config.Cycle.LOB,
		Quarter:     e.Config.Cycle.Quarter,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if c.LOBID == "" {
		c.LOBID = "default"
	}
	if err := e.Repo.InsertCycle(ctx, tx, c); err != nil {
		return domain.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := e.seedRolesTx(ctx, tx); err != nil {
		return domain.Cycle{}, err
	}
	if err := e.Events.Append(ctx, tx, "cycle.init", c.ID, "cycle", c.ID, actorID, events.EventPayload{"status": c.Status}); err != nil {
		return domain.Cycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cycle{}, err
	}
	e.Authz.InvalidateAll()
	return c, nil
}

func (e Engine) seedRolesTx(ctx context.Context, tx *sql.Tx) error {
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.UpsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			p, err := parsePermission(perm)
			if err != nil {
				return fmt.Errorf("role %s: %w", roleID, err)
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, p.Resource, p.Action); err != nil {
				return fmt.Errorf("seed role %s permission %s: %w", roleID, perm, err)
			}
		}
	}
	return nil
}

func parsePermission(s string) (domain.Permission, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return domain.Permission{Resource: s[:i], Action: s[i+1:]}, nil
		}
	}
	return domain.Permission{}, fmt.Errorf("permission %q must be resource:action", s)
}

// CreateReport registers a report under a cycle. Phases are not
// created until AssignReport.
func (e Engine) CreateReport(ctx context.Context, rep domain.Report, actorID string) (domain.Report, error) {
	if rep.ID == "" {
		return rep, errors.New("report id required")
	}
	if rep.Name == "" {
		return rep, errors.New("report name required")
	}
	if _, err := e.Repo.GetCycle(ctx, rep.CycleID); err != nil {
		return rep, err
	}
	rep.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return rep, err
	}
	if err := e.Events.Append(ctx, tx, "report.created", rep.CycleID, "report", rep.ID, actorID, events.EventPayload{"name": rep.Name}); err != nil {
		return rep, err
	}
	if err := tx.Commit(); err != nil {
		return rep, err
	}
	return rep, nil
}

// InitializePhases creates all seven phase instances for a (cycle,
// report) pair in one transaction, every one in not_started. A second
// call finds them and returns AlreadyInitializedError, which callers
// may treat as success.
func (e Engine) InitializePhases(ctx context.Context, cycleID, reportID, actorID string) ([]domain.PhaseInstance, error) {
	rep, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if rep.CycleID != cycleID {
		return nil, fmt.Errorf("report %s not in cycle %s", reportID, cycleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := e.Repo.CountPhaseInstances(ctx, tx, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, AlreadyInitializedError{CycleID: cycleID, ReportID: reportID}
	}
	now := e.now().UTC().Format(time.RFC3339)
	instances := make([]domain.PhaseInstance, 0, phase.Count)
	for _, kind := range phase.Kinds() {
		p := domain.PhaseInstance{
			ID:        uuid.New().String(),
			CycleID:   cycleID,
			ReportID:  reportID,
			Kind:      kind,
			State:     phase.StateNotStarted,
			Version:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertPhaseInstance(ctx, tx, p); err != nil {
			// A concurrent initializer can slip past the count check;
			// the (cycle_id, report_id, kind) constraint catches it.
			if isUniqueViolation(err) {
				return nil, AlreadyInitializedError{CycleID: cycleID, ReportID: reportID}
			}
			return nil, fmt.Errorf("insert phase %s: %w", kind, err)
		}
		instances = append(instances, p)
	}
	if err := e.Events.Append(ctx, tx, "workflow.initialized", cycleID, "report", reportID, actorID, events.EventPayload{"phases": phase.Count}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return instances, nil
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CanStart reports whether every predecessor of the instance's kind is
// completed, returning the kinds still in the way.
func (e Engine) CanStart(ctx context.Context, instance domain.PhaseInstance) (bool, []string, error) {
	siblings, err := e.Repo.ListPhaseInstances(ctx, instance.CycleID, instance.ReportID)
	if err != nil {
		return false, nil, err
	}
	return canStartAmong(instance, siblings)
}

func canStartAmong(instance domain.PhaseInstance, siblings []domain.PhaseInstance) (bool, []string, error) {
	states := map[string]string{}
	for _, s := range siblings {
		states[s.Kind] = s.State
	}
	var blocking []string
	for _, dep := range phase.Predecessors(instance.Kind) {
		if states[dep] != phase.StateCompleted {
			blocking = append(blocking, dep)
		}
	}
	return len(blocking) == 0, blocking, nil
}

// TransitionOptions parameterize a phase transition request.
type TransitionOptions struct {
	PhaseInstanceID string
	Target          string
	ExpectedVersion int64
	ActorID         string
	Payload         *string
}

// Transition moves a phase instance along one state-machine edge. The
// optimistic version check makes concurrent attempts race: exactly one
// wins per version increment. Clock arming and disarming ride the same
// transaction as the state write.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.PhaseInstance, error) {
	instance, err := e.Repo.GetPhaseInstance(ctx, opts.PhaseInstanceID)
	if err != nil {
		return instance, err
	}
	if !phase.ValidTransition(instance.State, opts.Target) {
		return instance, InvalidTransitionError{From: instance.State, To: opts.Target}
	}
	if instance.State == phase.StateNotStarted && opts.Target == phase.StateInProgress {
		ok, blocking, err := e.CanStart(ctx, instance)
		if err != nil {
			return instance, err
		}
		if !ok {
			return instance, DependencyUnmetError{Kind: instance.Kind, Blocking: blocking}
		}
	}
	if opts.Payload != nil {
		var tmp any
		if err := json.Unmarshal([]byte(*opts.Payload), &tmp); err != nil {
			return instance, fmt.Errorf("payload json: %w", err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return instance, err
	}
	defer tx.Rollback()

	updated, err := e.applyTransitionTx(ctx, tx, instance, opts.Target, opts.ExpectedVersion, opts.ActorID, opts.Payload)
	if err != nil {
		return instance, err
	}
	if opts.Target == phase.StateCompleted {
		if err := e.onCompletedTx(ctx, tx, updated, opts.ActorID); err != nil {
			return instance, err
		}
	}
	if err := tx.Commit(); err != nil {
		return instance, err
	}
	return e.Repo.GetPhaseInstance(ctx, updated.ID)
}

// applyTransitionTx performs the versioned state write plus clock
// bookkeeping and event emission for a single instance.
func (e Engine) applyTransitionTx(ctx context.Context, tx *sql.Tx, instance domain.PhaseInstance, target string, expectedVersion int64, actorID string, payload *string) (domain.PhaseInstance, error) {
	from := instance.State
	nowStr := e.now().UTC().Format(time.RFC3339)
	instance.State = target
	instance.UpdatedAt = nowStr
	if payload != nil {
		instance.PayloadJSON = payload
	}
	if target == phase.StateCompleted {
		instance.CompletedAt = &nowStr
	}
	ok, err := e.Repo.UpdatePhaseInstanceVersioned(ctx, tx, instance, expectedVersion)
	if err != nil {
		return instance, err
	}
	if !ok {
		return instance, ConcurrentModificationError{PhaseInstanceID: instance.ID, ExpectedVersion: expectedVersion}
	}
	instance.Version = expectedVersion + 1

	// The clock for the state we are leaving is resolved, never
	// decremented; a new blocking state arms a fresh one.
	if err := e.SLA.DisarmTx(ctx, tx, instance.ID); err != nil {
		return instance, err
	}
	if err := e.SLA.ArmTx(ctx, tx, instance, target); err != nil {
		return instance, err
	}
	if err := e.Events.Append(ctx, tx, "phase.transition", instance.CycleID, "phase_instance", instance.ID, actorID, events.EventPayload{
		"kind": instance.Kind,
		"from": from,
		"to":   target,
	}); err != nil {
		return instance, err
	}
	return instance, nil
}

// onCompletedTx re-evaluates the direct successors of a completed
// phase. Newly startable successors get a phase.unblocked signal; no
// successor is force-started except the Planning→Scoping auto-advance.
func (e Engine) onCompletedTx(ctx context.Context, tx *sql.Tx, completed domain.PhaseInstance, actorID string) error {
	siblings, err := e.Repo.ListPhaseInstancesTx(ctx, tx, completed.CycleID, completed.ReportID)
	if err != nil {
		return err
	}
	byKind := map[string]domain.PhaseInstance{}
	for _, s := range siblings {
		if s.ID == completed.ID {
			s = completed
		}
		byKind[s.Kind] = s
	}
	for _, succKind := range phase.Successors(completed.Kind) {
		succ, ok := byKind[succKind]
		if !ok || succ.State != phase.StateNotStarted {
			continue
		}
		startable, _, err := canStartAmong(succ, mapValues(byKind))
		if err != nil {
			return err
		}
		if !startable {
			continue
		}
		if completed.Kind == phase.Planning && succKind == phase.Scoping {
			// Product rule: scoping begins the moment planning wraps.
			if _, err := e.applyTransitionTx(ctx, tx, succ, phase.StateInProgress, succ.Version, actorID, nil); err != nil {
				return err
			}
			continue
		}
		if err := e.Events.Append(ctx, tx, "phase.unblocked", succ.CycleID, "phase_instance", succ.ID, actorID, events.EventPayload{
			"kind":      succ.Kind,
			"unlocking": completed.Kind,
		}); err != nil {
			return err
		}
	}
	return nil
}

func mapValues(m map[string]domain.PhaseInstance) []domain.PhaseInstance {
	out := make([]domain.PhaseInstance, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// PhaseView is a phase instance plus its computed blocked flag.
// Blocked is never persisted.
type PhaseView struct {
	domain.PhaseInstance
	Blocked  bool     `json:"blocked"`
	Blocking []string `json:"blocking,omitempty"`
}

// ListPhases returns all phase instances for a report with the blocked
// pseudo-state computed on read.
func (e Engine) ListPhases(ctx context.Context, cycleID, reportID string) ([]PhaseView, error) {
	instances, err := e.Repo.ListPhaseInstances(ctx, cycleID, reportID)
	if err != nil {
		return nil, err
	}
	byKind := map[string]domain.PhaseInstance{}
	for _, p := range instances {
		byKind[p.Kind] = p
	}
	var views []PhaseView
	for _, kind := range phase.Kinds() {
		p, ok := byKind[kind]
		if !ok {
			continue
		}
		view := PhaseView{PhaseInstance: p}
		if p.State == phase.StateNotStarted {
			ok, blocking, err := canStartAmong(p, instances)
			if err != nil {
				return nil, err
			}
			view.Blocked = !ok
			view.Blocking = blocking
		}
		views = append(views, view)
	}
	return views, nil
}

// AggregateProgress returns completed phases over seven as an integer
// percentage: 0 right after initialization, 100 only when everything
// is done.
func (e Engine) AggregateProgress(ctx context.Context, cycleID, reportID string) (int, error) {
	instances, err := e.Repo.ListPhaseInstances(ctx, cycleID, reportID)
	if err != nil {
		return 0, err
	}
	if len(instances) == 0 {
		return 0, repo.ErrNotFound
	}
	completed := 0
	for _, p := range instances {
		if p.State == phase.StateCompleted {
			completed++
		}
	}
	return completed * 100 / phase.Count, nil
}

// CreateGrant records a resource grant and eagerly invalidates the
// actor's cached decisions.
func (e Engine) CreateGrant(ctx context.Context, g domain.ResourceGrant, actorID string) (domain.ResourceGrant, error) {
	if g.ActorID == "" || g.Resource == "" || g.Action == "" || g.ResourceID == "" {
		return g, errors.New("actor_id, resource, action and resource_id required")
	}
	if g.Effect != "allow" && g.Effect != "deny" {
		return g, errors.New("effect must be allow or deny")
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	g.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGrant(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "grant.created", "", "grant", g.ID, actorID, events.EventPayload{
		"actor_id": g.ActorID,
		"resource": g.Resource,
		"action":   g.Action,
		"effect":   g.Effect,
	}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	e.Authz.InvalidateActor(g.ActorID)
	return g, nil
}

// RevokeGrant removes a grant and invalidates the affected actor.
func (e Engine) RevokeGrant(ctx context.Context, grantID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	affectedActor, err := e.Repo.DeleteGrant(ctx, tx, grantID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "grant.revoked", "", "grant", grantID, actorID, events.EventPayload{"actor_id": affectedActor}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Authz.InvalidateActor(affectedActor)
	return nil
}

// UpsertRole writes a role definition and purges the whole permission
// cache, since a role change can affect any actor.
func (e Engine) UpsertRole(ctx context.Context, role domain.Role, actorID string) error {
	if role.ID == "" {
		return errors.New("role id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertRole(ctx, tx, role.ID, role.Description); err != nil {
		return err
	}
	if err := e.Repo.ClearRolePermissions(ctx, tx, role.ID); err != nil {
		return err
	}
	for _, p := range role.Permissions {
		if err := e.Repo.AddRolePermission(ctx, tx, role.ID, p.Resource, p.Action); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "role.updated", "", "role", role.ID, actorID, events.EventPayload{"permissions": len(role.Permissions)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Authz.InvalidateAll()
	return nil
}

// AssignRole attaches a role to an actor and invalidates that actor.
func (e Engine) AssignRole(ctx context.Context, targetActorID, roleID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, targetActorID, "", now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, targetActorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.assigned", "", "actor", targetActorID, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Authz.InvalidateActor(targetActorID)
	return nil
}

// RevokeRole detaches a role from an actor and invalidates that actor.
func (e Engine) RevokeRole(ctx context.Context, targetActorID, roleID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, targetActorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", "", "actor", targetActorID, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Authz.InvalidateActor(targetActorID)
	return nil
}
