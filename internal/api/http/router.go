package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/evaluation-service/internal/api/http/handlers"
	"github.com/spec-kit/evaluation-service/internal/auth"
	"github.com/spec-kit/evaluation-service/internal/domain"
	"github.com/spec-kit/evaluation-service/internal/observability"
)

// Policy groups. A group declaration applies to every route of the group that
// does not declare its own.
const (
	groupAuth  = "auth"
	groupUsers = "users"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health   *handlers.HealthHandler
	Auth     *handlers.AuthHandler
	Users    *handlers.UsersHandler
	Gate     *auth.Gate
	Policies *auth.Policies
	Metrics  *observability.Metrics
}

// RegisterRoutes wires HTTP routes and records their access policies.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	api := app.Group("/api")

	authRoutes := newGuardedGroup(api, "/auth", groupAuth, nil, cfg)
	authRoutes.handle(fiber.MethodPost, "/register", auth.Public(), cfg.Auth.Register)
	authRoutes.handle(fiber.MethodPost, "/login", auth.Public(), cfg.Auth.Login)
	authRoutes.handle(fiber.MethodPost, "/logout", auth.Authenticated(), cfg.Auth.Logout)
	authRoutes.handle(fiber.MethodPost, "/refresh", auth.Authenticated(), cfg.Auth.Refresh)

	userRoutes := newGuardedGroup(api, "/users", groupUsers, auth.Authenticated(), cfg)
	userRoutes.handle(fiber.MethodGet, "/me", nil, cfg.Users.Me)
	userRoutes.handle(fiber.MethodGet, "/:id", auth.WithRoles(domain.RoleAdmin), cfg.Users.Detail)
}

// guardedGroup registers routes together with their policy declaration and puts the
// gate in front of each handler.
type guardedGroup struct {
	router   fiber.Router
	prefix   string
	name     string
	gate     *auth.Gate
	policies *auth.Policies
}

func newGuardedGroup(parent fiber.Router, prefix, name string, decl *auth.Declaration, cfg RouteConfig) guardedGroup {
	cfg.Policies.Group(name, decl)
	return guardedGroup{
		router:   parent.Group(prefix),
		prefix:   "/api" + prefix,
		name:     name,
		gate:     cfg.Gate,
		policies: cfg.Policies,
	}
}

func (g guardedGroup) handle(method, path string, decl *auth.Declaration, handler fiber.Handler) {
	id := auth.NewRouteID(method, g.prefix+path)
	g.policies.Route(id, g.name, decl)
	g.router.Add(method, path, g.gate.Require(id), handler)
}
