package rbac

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/harborline/authcore/store"
)

// ErrUnknownRole is returned when assigning a role the hierarchy does not
// define.
var ErrUnknownRole = errors.New("unknown role")

const rolePrefix = "arole:"

// CheckRequest describes one permission check.
type CheckRequest struct {
	UserID     string
	TeamID     string
	Resource   string
	Action     string
	ResourceID string
	Context    map[string]string
}

// Decision is the outcome of a check. Reason is always set on a denial.
type Decision struct {
	Granted     bool
	Reason      string
	MatchedRole string
	MatchedRule *Grant
}

// ResolvedPermission is one row of the advisory "what can this user ever
// do" view: every action a user's role could grant on a resource type,
// with no condition filtering.
type ResolvedPermission struct {
	Resource string
	Actions  []string
}

// Config for the Engine.
type Config struct {
	// CacheTTL bounds how long a decision may be served from cache.
	// Zero selects the 5 minute default.
	CacheTTL time.Duration
}

// Engine answers permission checks against an injected role hierarchy
// and role assignments held in the store.
type Engine struct {
	store     store.Client
	hierarchy *Hierarchy
	cache     *decisionCache
}

// NewEngine builds an Engine. The hierarchy must validate cleanly;
// construction fails listing the first issue otherwise.
func NewEngine(st store.Client, hierarchy *Hierarchy, cfg Config) (*Engine, error) {
	if hierarchy == nil {
		hierarchy = DefaultHierarchy()
	}
	if issues := hierarchy.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid role hierarchy: %s", issues[0])
	}
	return &Engine{
		store:     st,
		hierarchy: hierarchy,
		cache:     newDecisionCache(cfg.CacheTTL),
	}, nil
}

// Hierarchy returns the role graph the engine was built with.
func (e *Engine) Hierarchy() *Hierarchy { return e.hierarchy }

func roleAssignmentKey(teamID string) string {
	if teamID == "" {
		teamID = "_personal"
	}
	return rolePrefix + teamID
}

// AssignRole sets the user's role within a team and synchronously drops
// every cached decision for that user and team.
func (e *Engine) AssignRole(ctx context.Context, userID, teamID, role string) error {
	if !e.hierarchy.Defined(role) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if err := e.store.HSet(ctx, roleAssignmentKey(teamID), map[string]string{userID: role}); err != nil {
		return err
	}
	e.cache.invalidate(userID, teamID)
	return nil
}

// RemoveRole clears the user's role within a team and invalidates the
// pair's cached decisions. Removing an unassigned role is a no-op.
func (e *Engine) RemoveRole(ctx context.Context, userID, teamID string) error {
	if err := e.store.HDel(ctx, roleAssignmentKey(teamID), userID); err != nil {
		return err
	}
	e.cache.invalidate(userID, teamID)
	return nil
}

// RoleOf returns the user's assigned role for a team, or "" when none is
// assigned.
func (e *Engine) RoleOf(ctx context.Context, userID, teamID string) (string, error) {
	role, err := e.store.HGet(ctx, roleAssignmentKey(teamID), userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// HasPermission runs one permission check. It never returns an error:
// any internal failure is converted to a denial so the check fails
// closed.
func (e *Engine) HasPermission(ctx context.Context, req CheckRequest) Decision {
	key := cacheKey(req)
	if d, ok := e.cache.get(key); ok {
		return d
	}

	d, err := e.decide(ctx, req)
	if err != nil {
		log.Print("authcore: permission check failed, denying")
		return Decision{Granted: false, Reason: "internal error during permission check"}
	}

	e.cache.put(key, req, d)
	return d
}

func (e *Engine) decide(ctx context.Context, req CheckRequest) (Decision, error) {
	role, err := e.RoleOf(ctx, req.UserID, req.TeamID)
	if err != nil {
		return Decision{}, err
	}
	if role == "" {
		return Decision{Granted: false, Reason: "no roles assigned"}, nil
	}

	for _, grant := range e.hierarchy.EffectiveGrants(role) {
		if grant.Resource != req.Resource || !grant.allows(req.Action) {
			continue
		}
		ok, err := e.evalConditions(ctx, grant.Conditions, req)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			matched := grant
			return Decision{
				Granted:     true,
				Reason:      fmt.Sprintf("granted by role %q", role),
				MatchedRole: role,
				MatchedRule: &matched,
			}, nil
		}
	}
	return Decision{
		Granted: false,
		Reason:  fmt.Sprintf("no grant allows %q on %q", req.Action, req.Resource),
	}, nil
}

// GetUserPermissions aggregates every grant of the user's role into a
// per-resource union of actions. Conditions are not evaluated; this is
// an advisory view, not a per-request decision.
func (e *Engine) GetUserPermissions(ctx context.Context, userID, teamID string) ([]ResolvedPermission, error) {
	role, err := e.RoleOf(ctx, userID, teamID)
	if err != nil {
		return nil, err
	}
	if role == "" {
		return nil, nil
	}

	byResource := make(map[string]map[string]bool)
	var order []string
	for _, grant := range e.hierarchy.EffectiveGrants(role) {
		actions, ok := byResource[grant.Resource]
		if !ok {
			actions = make(map[string]bool)
			byResource[grant.Resource] = actions
			order = append(order, grant.Resource)
		}
		for _, a := range grant.Actions {
			actions[a] = true
		}
	}

	out := make([]ResolvedPermission, 0, len(order))
	for _, resource := range order {
		actions := make([]string, 0, len(byResource[resource]))
		for a := range byResource[resource] {
			actions = append(actions, a)
		}
		sort.Strings(actions)
		out = append(out, ResolvedPermission{Resource: resource, Actions: actions})
	}
	return out, nil
}
