package rbac

import (
	"context"
	"strings"
)

// Condition fields name where the compared value comes from.
const (
	// FieldResourceOwner resolves to the owning user recorded for the
	// checked resource.
	FieldResourceOwner = "resource.owner"
	// FieldTeamID resolves to the team id of the check.
	FieldTeamID = "team.id"
	// FieldUserID resolves to the caller's user id.
	FieldUserID = "user.id"
	// Any other field is looked up in the caller-supplied context map
	// under its name with the "context." prefix stripped.
	contextFieldPrefix = "context."
)

// Condition operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpContains  = "contains"
)

// Condition gates a grant on a runtime comparison. Value and Values may
// carry the ${userId} and ${teamId} placeholders, substituted with the
// caller's identifiers before comparison.
type Condition struct {
	Field    string
	Operator string
	Value    string
	Values   []string
}

const resourcePrefix = "arsc:"

func resourceKey(resourceType, resourceID string) string {
	return resourcePrefix + resourceType + ":" + resourceID
}

// SetResourceOwner records the owning user for a resource so that
// owner-scoped conditions can resolve it. Callers maintain these records
// as resources are created and transferred. Cached decisions about the
// resource are dropped synchronously, so the previous owner cannot keep
// an owner-gated grant out of the cache.
func (e *Engine) SetResourceOwner(ctx context.Context, resourceType, resourceID, ownerID string) error {
	err := e.store.HSet(ctx, resourceKey(resourceType, resourceID), map[string]string{
		"owner_id": ownerID,
	})
	if err != nil {
		return err
	}
	e.cache.invalidateResource(resourceType, resourceID)
	return nil
}

// DeleteResourceOwner removes a resource's ownership record and every
// cached decision made about the resource.
func (e *Engine) DeleteResourceOwner(ctx context.Context, resourceType, resourceID string) error {
	if err := e.store.Del(ctx, resourceKey(resourceType, resourceID)); err != nil {
		return err
	}
	e.cache.invalidateResource(resourceType, resourceID)
	return nil
}

func (e *Engine) resourceOwner(ctx context.Context, resourceType, resourceID string) (string, error) {
	fields, err := e.store.HGetAll(ctx, resourceKey(resourceType, resourceID))
	if err != nil {
		return "", err
	}
	return fields["owner_id"], nil
}

// evalConditions reports whether every condition of a grant holds for the
// request. Conditions are evaluated in declaration order; the first
// failing one decides.
func (e *Engine) evalConditions(ctx context.Context, conds []Condition, req CheckRequest) (bool, error) {
	for _, cond := range conds {
		ok, err := e.evalCondition(ctx, cond, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evalCondition(ctx context.Context, cond Condition, req CheckRequest) (bool, error) {
	actual, err := e.resolveField(ctx, cond.Field, req)
	if err != nil {
		return false, err
	}

	value := substitute(cond.Value, req)
	values := make([]string, len(cond.Values))
	for i, v := range cond.Values {
		values[i] = substitute(v, req)
	}

	switch cond.Operator {
	case OpEquals:
		return actual == value, nil
	case OpNotEquals:
		return actual != value, nil
	case OpIn:
		for _, v := range values {
			if actual == v {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		for _, v := range values {
			if actual == v {
				return false, nil
			}
		}
		return true, nil
	case OpContains:
		return strings.Contains(actual, value), nil
	default:
		// Unknown operators never satisfy.
		return false, nil
	}
}

func (e *Engine) resolveField(ctx context.Context, field string, req CheckRequest) (string, error) {
	switch field {
	case FieldResourceOwner:
		return e.resourceOwner(ctx, req.Resource, req.ResourceID)
	case FieldTeamID:
		return req.TeamID, nil
	case FieldUserID:
		return req.UserID, nil
	}
	if name, ok := strings.CutPrefix(field, contextFieldPrefix); ok {
		return req.Context[name], nil
	}
	return req.Context[field], nil
}

func substitute(v string, req CheckRequest) string {
	if strings.Contains(v, "${userId}") {
		v = strings.ReplaceAll(v, "${userId}", req.UserID)
	}
	if strings.Contains(v, "${teamId}") {
		v = strings.ReplaceAll(v, "${teamId}", req.TeamID)
	}
	return v
}
