package authz_test

import (
	"context"
	"testing"
	"time"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
)

func newTestEngine(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("cycle-1"))
	ctx := context.Background()
	if _, err := eng.InitCycle(ctx, "cycle-1", "", "admin"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	return eng, ctx
}

func TestRoleDerivedAllow(t *testing.T) {
	eng, ctx := newTestEngine(t)
	if err := eng.AssignRole(ctx, "alice", "tester", "admin"); err != nil {
		t.Fatal(err)
	}
	actor := domain.Actor{ID: "alice"}
	allowed, err := eng.Authz.Check(ctx, actor, "phases", "transition", "")
	if err != nil || !allowed {
		t.Fatalf("tester should transition phases: allowed=%v err=%v", allowed, err)
	}
	allowed, err = eng.Authz.Check(ctx, actor, "rbac", "manage", "")
	if err != nil || allowed {
		t.Fatalf("tester must not manage rbac: allowed=%v err=%v", allowed, err)
	}
}

func TestDenyGrantWins(t *testing.T) {
	eng, ctx := newTestEngine(t)
	if err := eng.AssignRole(ctx, "alice", "tester", "admin"); err != nil {
		t.Fatal(err)
	}
	actor := domain.Actor{ID: "alice"}
	allowed, err := eng.Authz.Check(ctx, actor, "phases", "transition", "phase-9")
	if err != nil || !allowed {
		t.Fatalf("expected role allow before deny: %v %v", allowed, err)
	}
	// Even with a simultaneous allow grant, the deny must win.
	if _, err := eng.CreateGrant(ctx, domain.ResourceGrant{
		ActorID: "alice", Resource: "phases", Action: "transition", ResourceID: "phase-9", Effect: "allow",
	}, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateGrant(ctx, domain.ResourceGrant{
		ActorID: "alice", Resource: "phases", Action: "transition", ResourceID: "phase-9", Effect: "deny",
	}, "admin"); err != nil {
		t.Fatal(err)
	}
	allowed, err = eng.Authz.Check(ctx, actor, "phases", "transition", "phase-9")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("explicit deny must override role permission and allow grant")
	}
	// Other resource instances are untouched.
	allowed, _ = eng.Authz.Check(ctx, actor, "phases", "transition", "phase-10")
	if !allowed {
		t.Fatal("deny is scoped to one resource instance")
	}
}

func TestAllowGrantWithoutRole(t *testing.T) {
	eng, ctx := newTestEngine(t)
	actor := domain.Actor{ID: "bob"}
	allowed, _ := eng.Authz.Check(ctx, actor, "phases", "approve", "phase-1")
	if allowed {
		t.Fatal("no role, no grant: deny")
	}
	if _, err := eng.CreateGrant(ctx, domain.ResourceGrant{
		ActorID: "bob", Resource: "phases", Action: "approve", ResourceID: "phase-1", Effect: "allow",
	}, "admin"); err != nil {
		t.Fatal(err)
	}
	allowed, err := eng.Authz.Check(ctx, actor, "phases", "approve", "phase-1")
	if err != nil || !allowed {
		t.Fatalf("allow grant should permit: %v %v", allowed, err)
	}
}

func TestExpiredGrantIsAbsent(t *testing.T) {
	eng, ctx := newTestEngine(t)
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := eng.CreateGrant(ctx, domain.ResourceGrant{
		ActorID: "bob", Resource: "phases", Action: "approve", ResourceID: "phase-1", Effect: "allow", ExpiresAt: &past,
	}, "admin"); err != nil {
		t.Fatal(err)
	}
	allowed, err := eng.Authz.Check(ctx, domain.Actor{ID: "bob"}, "phases", "approve", "phase-1")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expired grant must be treated as absent")
	}
}

func TestUnknownRoleIsZeroPermissions(t *testing.T) {
	eng, ctx := newTestEngine(t)
	actor := domain.Actor{ID: "carol", Roles: []string{"no-such-role"}}
	allowed, err := eng.Authz.Check(ctx, actor, "phases", "read", "")
	if err != nil {
		t.Fatalf("unknown role must not error: %v", err)
	}
	if allowed {
		t.Fatal("unknown role must deny")
	}
}

func TestEagerInvalidationOnGrantWrite(t *testing.T) {
	eng, ctx := newTestEngine(t)
	if err := eng.AssignRole(ctx, "alice", "tester", "admin"); err != nil {
		t.Fatal(err)
	}
	actor := domain.Actor{ID: "alice"}
	// Prime the cache with an allow.
	allowed, _ := eng.Authz.Check(ctx, actor, "phases", "transition", "phase-1")
	if !allowed {
		t.Fatal("expected allow before deny grant")
	}
	if _, err := eng.CreateGrant(ctx, domain.ResourceGrant{
		ActorID: "alice", Resource: "phases", Action: "transition", ResourceID: "phase-1", Effect: "deny",
	}, "admin"); err != nil {
		t.Fatal(err)
	}
	// The cached allow must be gone immediately, not after TTL.
	allowed, _ = eng.Authz.Check(ctx, actor, "phases", "transition", "phase-1")
	if allowed {
		t.Fatal("grant write must eagerly invalidate the actor's cache")
	}
}

func TestEffectivePermissions(t *testing.T) {
	eng, ctx := newTestEngine(t)
	if err := eng.AssignRole(ctx, "alice", "tester", "admin"); err != nil {
		t.Fatal(err)
	}
	perms, err := eng.Authz.GetEffectivePermissions(ctx, domain.Actor{ID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	has := func(resource, action string) bool {
		for _, p := range perms {
			if p.Resource == resource && p.Action == action {
				return true
			}
		}
		return false
	}
	if !has("phases", "transition") || !has("escalations", "trigger") {
		t.Fatalf("missing tester permissions in %v", perms)
	}
	if has("rbac", "manage") {
		t.Fatalf("tester should not manage rbac: %v", perms)
	}
}
