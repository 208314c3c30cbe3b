package access

import "context"

// Control resolves the principal from the request context before asking the registry.
type Control struct {
	Registry *Registry
}

func (c Control) principal(ctx context.Context) *Principal {
	p, _ := PrincipalFromContext(ctx)
	return p
}

// Can evaluates check for the request's principal.
func (c Control) Can(ctx context.Context, check Check) bool {
	return c.Registry.Can(c.principal(ctx), check)
}

// CanAny is Registry.CanAny for the request's principal.
func (c Control) CanAny(ctx context.Context, checks ...Check) bool {
	return c.Registry.CanAny(c.principal(ctx), checks...)
}

// CanAll is Registry.CanAll for the request's principal. Unauthenticated requests fail even
// with an empty list.
func (c Control) CanAll(ctx context.Context, checks ...Check) bool {
	p := c.principal(ctx)
	return p != nil && c.Registry.CanAll(p, checks...)
}

// HasRole is Registry.HasRole for the request's principal.
func (c Control) HasRole(ctx context.Context, role string) bool {
	return c.Registry.HasRole(c.principal(ctx), role)
}

// IsAdmin is Registry.IsAdmin for the request's principal.
func (c Control) IsAdmin(ctx context.Context) bool {
	return c.Registry.IsAdmin(c.principal(ctx))
}

// IsSuperAdmin is Registry.IsSuperAdmin for the request's principal.
func (c Control) IsSuperAdmin(ctx context.Context) bool {
	return c.Registry.IsSuperAdmin(c.principal(ctx))
}
