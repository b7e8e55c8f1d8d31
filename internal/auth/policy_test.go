package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		name string
		decl *Declaration
		want PolicyKind
	}{
		{name: "nil declaration", decl: nil, want: PolicyPublic},
		{name: "public", decl: Public(), want: PolicyPublic},
		{name: "roles without auth marker", decl: RequiresRole("ADMIN"), want: PolicyPublic},
		{name: "authenticated", decl: Authenticated(), want: PolicyRequiresAuth},
		{name: "with roles", decl: WithRoles("ADMIN", "USER"), want: PolicyRequiresAuthWithRoles},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, PolicyFor(tt.decl).Kind)
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	p := NewPolicies()
	p.Group("admin", Authenticated())
	p.Group("open", nil)
	p.Group("staff", WithRoles("ADMIN"))

	inherits := NewRouteID("GET", "/admin/report")
	overridesPublic := NewRouteID("GET", "/admin/ping")
	rolesOnly := NewRouteID("GET", "/admin/roles-only")
	overridesRoles := NewRouteID("DELETE", "/admin/users/:id")
	openRoute := NewRouteID("GET", "/open")
	methodOnly := NewRouteID("POST", "/open/logout")
	staffAuthOnly := NewRouteID("GET", "/staff/report")
	staffRolesOverride := NewRouteID("GET", "/staff/audit")
	staffPublic := NewRouteID("GET", "/staff/ping")
	openRolesOnly := NewRouteID("GET", "/open/roles-only")

	p.Route(inherits, "admin", nil)
	p.Route(overridesPublic, "admin", Public())
	p.Route(rolesOnly, "admin", RequiresRole("ADMIN"))
	p.Route(overridesRoles, "admin", WithRoles("ADMIN"))
	p.Route(openRoute, "open", nil)
	p.Route(methodOnly, "open", Authenticated())
	p.Route(staffAuthOnly, "staff", Authenticated())
	p.Route(staffRolesOverride, "staff", RequiresRole("USER", "ADMIN"))
	p.Route(staffPublic, "staff", Public())
	p.Route(openRolesOnly, "open", RequiresRole("ADMIN"))

	require.Equal(t, PolicyRequiresAuth, p.Resolve(inherits).Kind)
	require.Equal(t, PolicyPublic, p.Resolve(overridesPublic).Kind)
	require.Equal(t, PolicyRequiresAuthWithRoles, p.Resolve(rolesOnly).Kind)
	require.Equal(t, []string{"ADMIN"}, p.Resolve(rolesOnly).Roles())
	require.Equal(t, PolicyRequiresAuthWithRoles, p.Resolve(overridesRoles).Kind)
	require.Equal(t, []string{"ADMIN"}, p.Resolve(overridesRoles).Roles())
	require.Equal(t, PolicyPublic, p.Resolve(openRoute).Kind)
	require.Equal(t, PolicyRequiresAuth, p.Resolve(methodOnly).Kind)
	require.Equal(t, PolicyPublic, p.Resolve(NewRouteID("GET", "/unregistered")).Kind)

	// group roles survive a route that only restates authentication
	require.Equal(t, PolicyRequiresAuthWithRoles, p.Resolve(staffAuthOnly).Kind)
	require.Equal(t, []string{"ADMIN"}, p.Resolve(staffAuthOnly).Roles())
	require.Equal(t, []string{"ADMIN", "USER"}, p.Resolve(staffRolesOverride).Roles())
	require.Equal(t, PolicyPublic, p.Resolve(staffPublic).Kind)
	// roles without any auth marker stay public
	require.Equal(t, PolicyPublic, p.Resolve(openRolesOnly).Kind)
}

func TestCheckRole(t *testing.T) {
	admin := PolicyFor(WithRoles("ADMIN"))

	require.NoError(t, admin.CheckRole("ADMIN"))
	require.ErrorIs(t, admin.CheckRole("USER"), ErrInsufficientRole)
	require.ErrorIs(t, admin.CheckRole("admin"), ErrInsufficientRole)
	require.ErrorIs(t, admin.CheckRole(""), ErrRoleMissing)

	require.NoError(t, PolicyFor(Authenticated()).CheckRole(""))
	require.NoError(t, PolicyFor(Public()).CheckRole(""))
}
