package access

import (
	"slices"
	"strings"
	"sync"
)

// Anyone in a permission's role list allows every authenticated principal.
const Anyone = "*"

// Role names with built-in meaning.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
)

// Kind tags what a Check asks.
type Kind int

const (
	// KindPermission asks whether the principal holds a permission key.
	KindPermission Kind = iota
	// KindRole asks whether the principal has a role, directly or one level down the hierarchy.
	KindRole
	// KindAttribute is KindPermission plus an attribute equality requirement.
	KindAttribute
)

// Check is one permission query. Build it with Perm, HasRoleCheck or PermWhere.
type Check struct {
	Kind       Kind
	Permission string
	Role       string
	Attribute  string // department, location, role or username
	Value      string
}

// Perm checks a permission key.
func Perm(key string) Check {
	return Check{Kind: KindPermission, Permission: key}
}

// HasRoleCheck checks a role.
func HasRoleCheck(role string) Check {
	return Check{Kind: KindRole, Role: role}
}

// PermWhere checks a permission key and additionally requires the principal's attribute to equal value.
func PermWhere(key, attribute, value string) Check {
	return Check{Kind: KindAttribute, Permission: key, Attribute: attribute, Value: value}
}

// Rule decides a permission key in place of its table entry.
type Rule func(p *Principal, c Check) bool

type entry struct {
	anyone bool
	roles  []string
}

// Registry holds the role hierarchy, the permission table and custom rules.
// Safe for concurrent use; writes are expected only at startup or from admin hooks.
type Registry struct {
	mu          sync.RWMutex
	hierarchy   map[string][]string
	permissions map[string]entry
	rules       map[string]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hierarchy:   map[string][]string{},
		permissions: map[string]entry{},
		rules:       map[string]Rule{},
	}
}

// DefaultRegistry returns a registry loaded with the built-in roles and permissions.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for role, implied := range defaultHierarchy {
		r.SetRoleHierarchy(role, implied...)
	}
	for key, roles := range defaultPermissions {
		r.AddPermission(key, roles...)
	}
	return r
}

var defaultHierarchy = map[string][]string{
	RoleSuperAdmin: {RoleAdmin, "manager", "executive", "geospatial", "technology", "officer", "user"},
	RoleAdmin:      {"manager", "executive", "geospatial", "technology", "officer", "user"},
	"manager":      {"executive", "geospatial", "technology", "officer"},
	"executive":    {"officer"},
}

var defaultPermissions = map[string][]string{
	"dashboard.view":  {Anyone},
	"profile.edit":    {Anyone},
	"permits.view":    {Anyone},
	"permits.create":  {"officer", "technology", "geospatial"},
	"permits.edit":    {"officer"},
	"permits.approve": {"manager", "executive"},
	"permits.delete":  {RoleAdmin},
	"projects.view":   {Anyone},
	"projects.edit":   {"executive"},
	"maps.edit":       {"geospatial"},
	"reports.view":    {"manager", "executive"},
	"users.manage":    {RoleAdmin},
	"sessions.view":   {RoleAdmin},
	"settings.manage": {RoleSuperAdmin},
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// AddPermission sets the roles allowed for key, replacing any previous entry.
// Include Anyone to allow every authenticated principal.
func (r *Registry) AddPermission(key string, roles ...string) {
	e := entry{}
	for _, role := range roles {
		if role == Anyone {
			e.anyone = true
			continue
		}
		e.roles = append(e.roles, normalize(role))
	}
	r.mu.Lock()
	r.permissions[key] = e
	r.mu.Unlock()
}

// RemovePermission drops key and any rule for it. Unknown keys deny.
func (r *Registry) RemovePermission(key string) {
	r.mu.Lock()
	delete(r.permissions, key)
	delete(r.rules, key)
	r.mu.Unlock()
}

// AddRule installs a fallback decision for key, consulted only when the table denies.
func (r *Registry) AddRule(key string, rule Rule) {
	r.mu.Lock()
	r.rules[key] = rule
	r.mu.Unlock()
}

// SetRoleHierarchy replaces the roles that role implicitly satisfies. No implied roles removes the entry.
func (r *Registry) SetRoleHierarchy(role string, implies ...string) {
	role = normalize(role)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(implies) == 0 {
		delete(r.hierarchy, role)
		return
	}
	list := make([]string, 0, len(implies))
	for _, i := range implies {
		list = append(list, normalize(i))
	}
	r.hierarchy[role] = list
}

// HasRole reports whether p has role directly, or whether one of p's roles lists it in the
// hierarchy. Only one level is walked: if manager implies executive and executive implies
// officer, manager does not satisfy officer unless listed explicitly.
func (r *Registry) HasRole(p *Principal, role string) bool {
	if p == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasRoleLocked(p, normalize(role))
}

func (r *Registry) hasRoleLocked(p *Principal, role string) bool {
	for _, own := range p.Roles {
		own = normalize(own)
		if own == role || slices.Contains(r.hierarchy[own], role) {
			return true
		}
	}
	return false
}

// Can evaluates one check. A nil principal is always denied.
func (r *Registry) Can(p *Principal, c Check) bool {
	if p == nil {
		return false
	}
	if c.Kind == KindRole {
		return r.HasRole(p, c.Role)
	}

	r.mu.RLock()
	rule, hasRule := r.rules[c.Permission]
	e, hasEntry := r.permissions[c.Permission]
	allowed := hasEntry && (e.anyone ||
		slices.ContainsFunc(e.roles, func(role string) bool { return r.hasRoleLocked(p, role) }))
	r.mu.RUnlock()

	// Rules run outside the lock so they may call back into the registry.
	if !allowed && hasRule {
		allowed = rule(p, c)
	}
	if !allowed {
		return false
	}
	if c.Kind == KindAttribute {
		return attributeMatches(p, c.Attribute, c.Value)
	}
	return true
}

// CanAny reports whether at least one check passes.
func (r *Registry) CanAny(p *Principal, checks ...Check) bool {
	return slices.ContainsFunc(checks, func(c Check) bool { return r.Can(p, c) })
}

// CanAll reports whether every check passes. An empty list passes.
func (r *Registry) CanAll(p *Principal, checks ...Check) bool {
	for _, c := range checks {
		if !r.Can(p, c) {
			return false
		}
	}
	return true
}

// IsAdmin reports whether p is directly assigned admin or superadmin.
func (r *Registry) IsAdmin(p *Principal) bool {
	return p != nil && (p.HasDirectRole(RoleAdmin) || p.HasDirectRole(RoleSuperAdmin))
}

// IsSuperAdmin reports whether p is directly assigned superadmin.
func (r *Registry) IsSuperAdmin(p *Principal) bool {
	return p != nil && p.HasDirectRole(RoleSuperAdmin)
}

// Permissions returns a copy of the permission table, Anyone included where set.
func (r *Registry) Permissions() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.permissions))
	for key, e := range r.permissions {
		roles := slices.Clone(e.roles)
		if e.anyone {
			roles = append([]string{Anyone}, roles...)
		}
		out[key] = roles
	}
	return out
}

func attributeMatches(p *Principal, attribute, value string) bool {
	switch strings.ToLower(attribute) {
	case "department":
		return p.Department != "" && strings.EqualFold(p.Department, value)
	case "location":
		return p.Location != "" && strings.EqualFold(p.Location, value)
	case "username":
		return p.Username != "" && strings.EqualFold(p.Username, value)
	case "role":
		return p.HasDirectRole(value)
	}
	return false
}
