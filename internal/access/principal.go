// Package access answers "may this principal do X" against a role hierarchy and a
// permission table. The principal travels in the request context.
package access

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	Username        string     `json:"username,omitempty"`
	Roles           []string   `json:"roles"`
	Groups          []string   `json:"groups"`
	Department      string     `json:"department,omitempty"`
	Location        string     `json:"location,omitempty"`
	IsActive        bool       `json:"is_active"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
}

// HasDirectRole reports whether role is assigned to p, ignoring the hierarchy. Case-insensitive.
func (p *Principal) HasDirectRole(role string) bool {
	return slices.ContainsFunc(p.Roles, func(r string) bool { return strings.EqualFold(r, role) })
}

// InGroup reports group membership. Case-insensitive.
func (p *Principal) InGroup(group string) bool {
	return slices.ContainsFunc(p.Groups, func(g string) bool { return strings.EqualFold(g, group) })
}

type contextKey struct{}

// WithPrincipal binds p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal bound by the auth guard.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}
