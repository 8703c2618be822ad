package auth

import (
	"fmt"
	"strings"
	"sync"
)

// Built-in roles
const (
	RoleAdmin   = "admin"
	RoleUser    = "user"
	RoleGuest   = "guest"
	RoleService = "service"
)

// Role represents a named set of permissions.
// Permissions are method names, optionally qualified by a resource ("tools/call:echo");
// a trailing "*" matches any suffix.
type Role struct {
	Name        string
	Description string
	Permissions []string
	ParentRoles []string
}

// RBAC maps roles to permissions and answers authorization questions
type RBAC struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	defaultRole string
}

// NewRBAC creates a policy with the built-in roles. Principals without roles
// are treated as holding defaultRole; pass "" to deny them everything.
func NewRBAC(defaultRole string) *RBAC {
	r := &RBAC{
		roles:       make(map[string]*Role),
		defaultRole: defaultRole,
	}
	r.initializeDefaultRoles()
	return r
}

func (r *RBAC) initializeDefaultRoles() {
	handshake := []string{"initialize", "ping", "notifications/*"}

	_ = r.CreateRole(RoleAdmin, "Administrator with full access", []string{"*"}, nil)
	_ = r.CreateRole(RoleGuest, "May list tools", append([]string{"tools/list"}, handshake...), nil)
	_ = r.CreateRole(RoleUser, "May list and call tools", []string{"tools/call:*"}, []string{RoleGuest})
	_ = r.CreateRole(RoleService, "Service account", []string{"tools/*"}, []string{RoleGuest})
}

// CreateRole adds a role
func (r *RBAC) CreateRole(name, description string, permissions []string, parentRoles []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[name]; exists {
		return fmt.Errorf("role %s already exists", name)
	}

	r.roles[name] = &Role{
		Name:        name,
		Description: description,
		Permissions: append([]string(nil), permissions...),
		ParentRoles: append([]string(nil), parentRoles...),
	}
	return nil
}

// Grant adds permissions to an existing role
func (r *RBAC) Grant(roleName string, permissions ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, exists := r.roles[roleName]
	if !exists {
		return fmt.Errorf("role %s does not exist", roleName)
	}
	role.Permissions = append(role.Permissions, permissions...)
	return nil
}

// DeleteRole removes a role; the default role cannot be removed
func (r *RBAC) DeleteRole(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == r.defaultRole {
		return fmt.Errorf("cannot delete default role")
	}
	delete(r.roles, name)
	return nil
}

// HasRole reports whether the role is defined
func (r *RBAC) HasRole(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.roles[name]
	return ok
}

// Allowed reports whether any of the roles grants operation on resource
func (r *RBAC) Allowed(roles []string, operation, resource string) bool {
	permission := operation
	if resource != "" {
		permission = operation + ":" + resource
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(roles) == 0 && r.defaultRole != "" {
		roles = []string{r.defaultRole}
	}
	for _, roleName := range roles {
		if r.roleHasPermission(roleName, permission, make(map[string]bool)) {
			return true
		}
	}
	return false
}

// roleHasPermission walks the role and its parents; caller holds the read lock
func (r *RBAC) roleHasPermission(roleName, permission string, visited map[string]bool) bool {
	if visited[roleName] {
		return false
	}
	visited[roleName] = true

	role, exists := r.roles[roleName]
	if !exists {
		return false
	}

	for _, perm := range role.Permissions {
		if matchPermission(perm, permission) {
			return true
		}
	}

	for _, parent := range role.ParentRoles {
		if r.roleHasPermission(parent, permission, visited) {
			return true
		}
	}
	return false
}

// matchPermission supports trailing wildcards.
// "tools/call:*" matches "tools/call:echo" and the unqualified "tools/call".
func matchPermission(pattern, permission string) bool {
	if pattern == "*" || pattern == permission {
		return true
	}
	if !strings.HasSuffix(pattern, "*") {
		return false
	}

	prefix := strings.TrimSuffix(pattern, "*")
	if strings.HasPrefix(permission, prefix) {
		return true
	}
	return strings.HasSuffix(prefix, ":") && permission == strings.TrimSuffix(prefix, ":")
}
