package auth

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrRoleMissing is returned when the principal carries no role at all.
	ErrRoleMissing = errors.New("role information missing")
	// ErrInsufficientRole is returned when the principal's role is not allowed.
	ErrInsufficientRole = errors.New("insufficient role")
)

// PolicyKind enumerates the access policies a route can carry.
type PolicyKind int

const (
	PolicyPublic PolicyKind = iota
	PolicyRequiresAuth
	PolicyRequiresAuthWithRoles
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyRequiresAuth:
		return "requires_auth"
	case PolicyRequiresAuthWithRoles:
		return "requires_auth_with_roles"
	default:
		return "public"
	}
}

// Declaration is the static metadata attached to a route or route group. It carries two
// independent markers; a nil marker is undeclared and falls back to the group's.
// Roles only take effect when the resolved auth marker is true.
type Declaration struct {
	RequiresAuth *bool
	Roles        []string
}

// Authenticated declares a route that needs a valid session.
func Authenticated() *Declaration {
	return &Declaration{RequiresAuth: boolPtr(true)}
}

// WithRoles declares a route that needs a valid session and one of roles.
func WithRoles(roles ...string) *Declaration {
	return &Declaration{RequiresAuth: boolPtr(true), Roles: roles}
}

// RequiresRole sets only the role marker; authentication comes from the group.
func RequiresRole(roles ...string) *Declaration {
	return &Declaration{Roles: roles}
}

// Public declares a route without requirements. Registering it on a route overrides its group.
func Public() *Declaration {
	return &Declaration{RequiresAuth: boolPtr(false)}
}

func boolPtr(v bool) *bool {
	return &v
}

// Policy is the resolved access requirement of a route.
type Policy struct {
	Kind  PolicyKind
	roles map[string]struct{}
}

// PolicyFor turns a single declaration into a policy.
func PolicyFor(decl *Declaration) Policy {
	return resolve(decl, nil)
}

// resolve reads each marker from the route declaration first, then from the group.
func resolve(route, group *Declaration) Policy {
	var requiresAuth *bool
	var roles []string
	for _, decl := range []*Declaration{route, group} {
		if decl == nil {
			continue
		}
		if requiresAuth == nil {
			requiresAuth = decl.RequiresAuth
		}
		if roles == nil {
			roles = decl.Roles
		}
	}

	if requiresAuth == nil || !*requiresAuth {
		return Policy{Kind: PolicyPublic}
	}
	if len(roles) == 0 {
		return Policy{Kind: PolicyRequiresAuth}
	}
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return Policy{Kind: PolicyRequiresAuthWithRoles, roles: allowed}
}

// AuthRequired reports whether the route needs an authenticated principal.
func (p Policy) AuthRequired() bool {
	return p.Kind != PolicyPublic
}

// Roles returns the allowed roles in sorted order.
func (p Policy) Roles() []string {
	roles := make([]string, 0, len(p.roles))
	for role := range p.roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// CheckRole verifies role against the policy. Policies without a role set accept any role.
func (p Policy) CheckRole(role string) error {
	if p.Kind != PolicyRequiresAuthWithRoles {
		return nil
	}
	if role == "" {
		return ErrRoleMissing
	}
	if _, ok := p.roles[role]; !ok {
		return ErrInsufficientRole
	}
	return nil
}

// RouteID identifies a registered route, e.g. "POST /api/auth/logout".
type RouteID string

// NewRouteID builds the identifier for method and full path.
func NewRouteID(method, path string) RouteID {
	return RouteID(method + " " + path)
}

type routeDecl struct {
	group string
	decl  *Declaration
}

// Policies is the static route policy registry. It is filled at startup and only read afterwards.
type Policies struct {
	mu     sync.RWMutex
	groups map[string]*Declaration
	routes map[RouteID]routeDecl
}

// NewPolicies creates an empty registry.
func NewPolicies() *Policies {
	return &Policies{
		groups: make(map[string]*Declaration),
		routes: make(map[RouteID]routeDecl),
	}
}

// Group records the group level declaration, the equivalent of annotating a whole controller.
func (p *Policies) Group(name string, decl *Declaration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[name] = decl
}

// Route records a route belonging to group. Each marker set in decl overrides the group's;
// a nil decl or an unset marker inherits it, so only Public() makes a guarded group's route open.
func (p *Policies) Route(id RouteID, group string, decl *Declaration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[id] = routeDecl{group: group, decl: decl}
}

// Resolve returns the policy for id. Unknown routes are public.
func (p *Policies) Resolve(id RouteID) Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()

	route, ok := p.routes[id]
	if !ok {
		return Policy{Kind: PolicyPublic}
	}
	return resolve(route.decl, p.groups[route.group])
}
