// Package rbac resolves hierarchical, conditional permissions. Roles form
// a directed inheritance graph; a role's effective grants are its own plus
// every ancestor's. Decisions are cached in process for a short TTL and
// invalidated synchronously on role mutation.
package rbac

import (
	"fmt"
	"sort"
)

// Grant allows a set of actions on a resource type, optionally gated by
// conditions evaluated per request.
type Grant struct {
	Resource   string
	Actions    []string
	Conditions []Condition
}

func (g Grant) allows(action string) bool {
	for _, a := range g.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// RoleDefinition names a role, the roles it inherits from, and its own
// grants.
type RoleDefinition struct {
	Name     string
	Inherits []string
	Grants   []Grant
}

// Hierarchy is an immutable role graph. Construct one with NewHierarchy
// or DefaultHierarchy and share it across checks.
type Hierarchy struct {
	roles map[string]RoleDefinition
	order []string
}

// NewHierarchy builds a Hierarchy from role definitions. Definitions with
// duplicate names overwrite earlier ones. Call Validate before serving
// traffic with a hand-built graph.
func NewHierarchy(defs ...RoleDefinition) *Hierarchy {
	h := &Hierarchy{roles: make(map[string]RoleDefinition, len(defs))}
	for _, def := range defs {
		if _, seen := h.roles[def.Name]; !seen {
			h.order = append(h.order, def.Name)
		}
		h.roles[def.Name] = def
	}
	return h
}

// DefaultHierarchy is the built-in collaboration-platform graph:
// owner inherits admin inherits developer inherits viewer, and guest
// stands alone with read-only access to shared documents.
func DefaultHierarchy() *Hierarchy {
	return NewHierarchy(
		RoleDefinition{
			Name: "viewer",
			Grants: []Grant{
				{Resource: "project", Actions: []string{"read"}},
				{Resource: "document", Actions: []string{"read"}},
				{Resource: "comment", Actions: []string{"read"}},
			},
		},
		RoleDefinition{
			Name:     "developer",
			Inherits: []string{"viewer"},
			Grants: []Grant{
				{Resource: "document", Actions: []string{"create", "update"}},
				{Resource: "comment", Actions: []string{"create", "update", "delete"}},
				{Resource: "project", Actions: []string{"update"}, Conditions: []Condition{
					{Field: FieldResourceOwner, Operator: OpEquals, Value: "${userId}"},
				}},
			},
		},
		RoleDefinition{
			Name:     "admin",
			Inherits: []string{"developer"},
			Grants: []Grant{
				{Resource: "project", Actions: []string{"create", "update", "delete"}},
				{Resource: "document", Actions: []string{"delete"}},
				{Resource: "member", Actions: []string{"invite", "remove"}},
				{Resource: "settings", Actions: []string{"update"}},
			},
		},
		RoleDefinition{
			Name:     "owner",
			Inherits: []string{"admin"},
			Grants: []Grant{
				{Resource: "team", Actions: []string{"delete", "transfer"}},
				{Resource: "billing", Actions: []string{"*"}},
				{Resource: "role", Actions: []string{"assign", "remove"}},
			},
		},
		RoleDefinition{
			Name: "guest",
			Grants: []Grant{
				{Resource: "document", Actions: []string{"read"}},
				{Resource: "comment", Actions: []string{"read"}},
			},
		},
	)
}

// Roles lists the defined role names in definition order.
func (h *Hierarchy) Roles() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Defined reports whether the role exists in the graph.
func (h *Hierarchy) Defined(role string) bool {
	_, ok := h.roles[role]
	return ok
}

// EffectiveGrants returns the role's own grants plus every ancestor's,
// depth first. A role reachable through multiple inheritance paths
// contributes its grants once.
func (h *Hierarchy) EffectiveGrants(role string) []Grant {
	var out []Grant
	visited := make(map[string]bool)

	var walk func(name string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		def, ok := h.roles[name]
		if !ok {
			return
		}
		out = append(out, def.Grants...)
		for _, parent := range def.Inherits {
			walk(parent)
		}
	}
	walk(role)
	return out
}

const (
	colorWhite = iota
	colorGrey
	colorBlack
)

// Validate checks the graph for inheritance cycles and references to
// undefined parent roles. It returns human-readable issues instead of an
// error so it can back a health probe; an empty slice means the graph is
// sound.
func (h *Hierarchy) Validate() []string {
	var issues []string

	names := make([]string, 0, len(h.roles))
	for name := range h.roles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, parent := range h.roles[name].Inherits {
			if _, ok := h.roles[parent]; !ok {
				issues = append(issues, fmt.Sprintf("role %q inherits undefined role %q", name, parent))
			}
		}
	}

	color := make(map[string]int, len(h.roles))
	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		switch color[name] {
		case colorGrey:
			issues = append(issues, fmt.Sprintf("inheritance cycle: %s", cyclePath(path, name)))
			return true
		case colorBlack:
			return false
		}
		color[name] = colorGrey
		for _, parent := range h.roles[name].Inherits {
			if _, ok := h.roles[parent]; !ok {
				continue
			}
			if visit(parent, append(path, name)) {
				break
			}
		}
		color[name] = colorBlack
		return false
	}
	for _, name := range names {
		if color[name] == colorWhite {
			visit(name, nil)
		}
	}
	return issues
}

func cyclePath(path []string, repeat string) string {
	out := ""
	for _, step := range path {
		out += step + " -> "
	}
	return out + repeat
}
