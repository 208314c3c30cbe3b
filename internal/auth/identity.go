// identity.go -- conversions between store users, principals and the session's "user" map.
package auth

import (
	"time"

	"github.com/MGallo-Code/warden/internal/access"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// PrincipalFromUser builds the request identity from a stored user.
func PrincipalFromUser(u *store.User) *access.Principal {
	return &access.Principal{
		ID:              u.ID,
		Email:           u.Email,
		Name:            u.Name,
		Username:        deref(u.Username),
		Roles:           append([]string(nil), u.Roles...),
		Groups:          append([]string(nil), u.Groups...),
		Department:      deref(u.Department),
		Location:        deref(u.Location),
		IsActive:        u.IsActive,
		EmailVerifiedAt: u.EmailVerifiedAt,
	}
}

// identityMap is the session representation of p, readable by dot path ("user.roles").
func identityMap(p *access.Principal) map[string]any {
	m := map[string]any{
		"id":         p.ID.String(),
		"email":      p.Email,
		"name":       p.Name,
		"username":   p.Username,
		"roles":      p.Roles,
		"groups":     p.Groups,
		"department": p.Department,
		"location":   p.Location,
		"is_active":  p.IsActive,
	}
	if p.EmailVerifiedAt != nil {
		m["email_verified_at"] = p.EmailVerifiedAt.UTC().Format(time.RFC3339)
	}
	return m
}

// principalFromMap reverses identityMap. Slices arrive as []any after a trip through the
// JSON cache and as []string when set earlier in the same request.
func principalFromMap(id uuid.UUID, m map[string]any) *access.Principal {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	p := &access.Principal{
		ID:         id,
		Email:      str("email"),
		Name:       str("name"),
		Username:   str("username"),
		Roles:      stringList(m["roles"]),
		Groups:     stringList(m["groups"]),
		Department: str("department"),
		Location:   str("location"),
		IsActive:   true,
	}
	if active, ok := m["is_active"].(bool); ok {
		p.IsActive = active
	}
	if t, err := time.Parse(time.RFC3339, str("email_verified_at")); err == nil {
		p.EmailVerifiedAt = &t
	}
	return p
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
