package core

import "slices"

// PublicPermission bypasses a permission check entirely.
const PublicPermission = "public"

// wildcardPermission grants every permission string.
const wildcardPermission = "*"

// RuntimeContext identifies the caller of a runtime operation.
// It is created per request and never mutated afterwards.
type RuntimeContext struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Token       string   `json:"token,omitempty"`
}

// SystemContext returns a context holding the wildcard permission.
// Used by internal jobs and the CLI's --system flag.
func SystemContext() RuntimeContext {
	return RuntimeContext{
		UserID:      "system",
		Roles:       []string{"admin"},
		Permissions: []string{wildcardPermission},
	}
}

// HasPermission reports whether the context may perform an action guarded
// by permission. "public" always passes; "*" in the context grants all.
func (c RuntimeContext) HasPermission(permission string) bool {
	if permission == PublicPermission {
		return true
	}
	return slices.Contains(c.Permissions, wildcardPermission) ||
		slices.Contains(c.Permissions, permission)
}

// HasRole reports whether the context carries role.
func (c RuntimeContext) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Require returns a PERMISSION error unless the context holds permission.
func (c RuntimeContext) Require(permission, verb, entity string) error {
	if c.HasPermission(permission) {
		return nil
	}
	return Permission(permission, verb, entity)
}
