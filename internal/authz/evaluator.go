// Package authz decides whether an actor may perform an action on a
// resource. Evaluation is layered, first match wins: explicit deny
// grant, explicit allow grant, role-derived permission, default deny.
package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"testline/internal/domain"
	"testline/internal/repo"
)

// AuthorizationError indicates a failed permission check.
type AuthorizationError struct {
	Permission string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 30 * time.Second
)

type Evaluator struct {
	Repo  repo.Repo
	Now   func() time.Time
	cache *expirable.LRU[string, bool]
}

func New(r repo.Repo) *Evaluator {
	return &Evaluator{
		Repo:  r,
		Now:   time.Now,
		cache: expirable.NewLRU[string, bool](defaultCacheSize, nil, defaultCacheTTL),
	}
}

func (ev *Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

func cacheKey(actorID, resource, action, resourceID string) string {
	return actorID + "|" + resource + "|" + action + "|" + resourceID
}

// Check evaluates (actor, resource, action, resourceID) and returns the
// decision. Errors are infrastructure failures only; a missing role or
// grant is simply a deny.
func (ev *Evaluator) Check(ctx context.Context, actor domain.Actor, resource, action, resourceID string) (bool, error) {
	key := cacheKey(actor.ID, resource, action, resourceID)
	if allowed, ok := ev.cache.Get(key); ok {
		return allowed, nil
	}
	allowed, err := ev.evaluate(ctx, actor, resource, action, resourceID)
	if err != nil {
		return false, err
	}
	ev.cache.Add(key, allowed)
	return allowed, nil
}

func (ev *Evaluator) evaluate(ctx context.Context, actor domain.Actor, resource, action, resourceID string) (bool, error) {
	if resourceID != "" {
		grants, err := ev.Repo.GrantsFor(ctx, actor.ID, resource, action, resourceID, ev.now().UTC())
		if err != nil {
			return false, err
		}
		for _, g := range grants {
			if g.Effect == "deny" {
				return false, nil
			}
		}
		for _, g := range grants {
			if g.Effect == "allow" {
				return true, nil
			}
		}
	}
	roles := actor.Roles
	if len(roles) == 0 {
		dbRoles, err := ev.Repo.ActorRoles(ctx, actor.ID)
		if err != nil {
			return false, err
		}
		roles = dbRoles
	}
	return ev.Repo.RoleHasPermission(ctx, roles, resource, action)
}

// Require is Check that returns an AuthorizationError on deny.
func (ev *Evaluator) Require(ctx context.Context, actor domain.Actor, resource, action, resourceID string) error {
	allowed, err := ev.Check(ctx, actor, resource, action, resourceID)
	if err != nil {
		return err
	}
	if !allowed {
		return AuthorizationError{Permission: resource + ":" + action}
	}
	return nil
}

// GetEffectivePermissions unions role-derived permissions and subtracts
// explicit denies. Display-only: callers must still Check before
// mutating anything.
func (ev *Evaluator) GetEffectivePermissions(ctx context.Context, actor domain.Actor) ([]domain.Permission, error) {
	roles := actor.Roles
	if len(roles) == 0 {
		dbRoles, err := ev.Repo.ActorRoles(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		roles = dbRoles
	}
	perms, err := ev.Repo.RolePermissions(ctx, roles)
	if err != nil {
		return nil, err
	}
	denies, err := ev.Repo.DenyGrants(ctx, actor.ID, ev.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(denies) == 0 {
		return perms, nil
	}
	denied := map[domain.Permission]bool{}
	for _, g := range denies {
		denied[domain.Permission{Resource: g.Resource, Action: g.Action}] = true
	}
	var out []domain.Permission
	for _, p := range perms {
		if !denied[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

// InvalidateActor eagerly drops every cached decision for one actor.
// Called after a grant write; TTL expiry alone would leave a stale
// allow window.
func (ev *Evaluator) InvalidateActor(actorID string) {
	prefix := actorID + "|"
	for _, key := range ev.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			ev.cache.Remove(key)
		}
	}
}

// InvalidateAll drops the whole cache. Called after role-definition
// writes, which can affect any actor.
func (ev *Evaluator) InvalidateAll() {
	ev.cache.Purge()
}
