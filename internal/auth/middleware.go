package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/evaluation-service/internal/domain"
	"github.com/spec-kit/evaluation-service/internal/observability"
	"github.com/spec-kit/evaluation-service/internal/repository"
	apperrors "github.com/spec-kit/evaluation-service/pkg/util"
)

const (
	principalKey = "auth_principal"

	// RefreshHeader is set on responses whose token has entered the refresh window.
	RefreshHeader = "X-Token-Refresh"
)

// Deny reasons reported in error details and metrics.
const (
	ReasonTokenMissing     = "token_missing"
	ReasonTokenInvalid     = "token_invalid"
	ReasonTokenExpired     = "token_expired"
	ReasonSessionInvalid   = "session_invalid"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonRoleMissing      = "role_missing"
	ReasonInsufficientRole = "insufficient_role"
	ReasonRoleLookupFailed = "role_lookup_failed"
)

// Principal represents the authenticated caller of one request.
type Principal struct {
	ID       int64
	Username string
}

type principalCtxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFrom retrieves the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(*Principal)
	return p, ok && p != nil
}

// PrincipalFromContext retrieves the authenticated caller of the request.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}

// UserLookup resolves users for role checks.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// GateConfig configures the request gate.
type GateConfig struct {
	// Enabled false turns every route public.
	Enabled bool
}

// Gate validates bearer tokens against the session store and enforces route policies.
// It keeps no per-request state; all session state lives in the store.
type Gate struct {
	enabled  bool
	tokens   *TokenManager
	sessions repository.SessionRepository
	users    UserLookup
	policies *Policies
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// GateDependencies bundles the collaborators of the gate.
type GateDependencies struct {
	Tokens   *TokenManager
	Sessions repository.SessionRepository
	Users    UserLookup
	Policies *Policies
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// NewGate constructs the gate.
func NewGate(cfg GateConfig, deps GateDependencies) *Gate {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		enabled:  cfg.Enabled,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		users:    deps.Users,
		policies: deps.Policies,
		logger:   logger.Named("gate"),
		metrics:  deps.Metrics,
	}
}

// Enabled reports whether the gate enforces policies.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Require returns the handler enforcing the registered policy of route id.
func (g *Gate) Require(id RouteID) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !g.enabled || c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		policy := g.policies.Resolve(id)
		if !policy.AuthRequired() {
			g.metrics.RecordGateDecision("allow", "public")
			return c.Next()
		}

		if err := g.authorize(c, id, policy); err != nil {
			return err
		}
		return c.Next()
	}
}

func (g *Gate) authorize(c *fiber.Ctx, id RouteID, policy Policy) error {
	ctx := c.UserContext()

	token := extractToken(c)
	if token == "" {
		return g.deny(id, 0, ReasonTokenMissing, apperrors.NewUnauthorizedReason(ReasonTokenMissing, "authentication required"))
	}

	claims, err := g.tokens.Decode(token)
	if err != nil {
		return g.deny(id, 0, ReasonTokenInvalid, apperrors.NewUnauthorizedReason(ReasonTokenInvalid, "invalid token"))
	}

	now := g.tokens.Now()
	if claims.Expired(now) {
		return g.deny(id, claims.UserID, ReasonTokenExpired, apperrors.NewTokenExpired("token expired, please log in again"))
	}

	current, err := g.sessions.Get(ctx, claims.UserID)
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return g.deny(id, claims.UserID, ReasonSessionInvalid, apperrors.NewUnauthorizedReason(ReasonSessionInvalid, "session invalid, please log in again"))
	case err != nil:
		g.logger.Error("session lookup failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		return g.deny(id, claims.UserID, ReasonStoreUnavailable, apperrors.NewStoreUnavailable(err))
	}
	if subtle.ConstantTimeCompare([]byte(current), []byte(token)) != 1 {
		return g.deny(id, claims.UserID, ReasonSessionInvalid, apperrors.NewUnauthorizedReason(ReasonSessionInvalid, "session invalid, please log in again"))
	}

	principal := &Principal{ID: claims.UserID, Username: claims.Username()}
	c.Locals(principalKey, principal)
	c.SetUserContext(WithPrincipal(ctx, principal))

	if policy.Kind == PolicyRequiresAuthWithRoles {
		if err := g.checkRole(c.UserContext(), id, principal, policy); err != nil {
			return err
		}
	}

	if claims.InRefreshWindow(now, g.tokens.RefreshWindow()) {
		c.Set(RefreshHeader, "true")
	}

	g.metrics.RecordGateDecision("allow", policy.Kind.String())
	g.logger.Debug("request allowed",
		zap.String("route", string(id)),
		zap.Int64("user_id", principal.ID))
	return nil
}

func (g *Gate) checkRole(ctx context.Context, id RouteID, principal *Principal, policy Policy) error {
	role := ""
	user, err := g.users.GetByID(ctx, principal.ID)
	switch {
	case err == nil:
		role = user.Role
	case !errors.Is(err, pgx.ErrNoRows):
		g.logger.Error("role lookup failed", zap.Int64("user_id", principal.ID), zap.Error(err))
		return g.deny(id, principal.ID, ReasonRoleLookupFailed, apperrors.NewInternalError(err))
	}

	switch err := policy.CheckRole(role); {
	case errors.Is(err, ErrRoleMissing):
		return g.deny(id, principal.ID, ReasonRoleMissing,
			apperrors.NewForbiddenReason(ReasonRoleMissing, "role information missing", nil))
	case errors.Is(err, ErrInsufficientRole):
		return g.deny(id, principal.ID, ReasonInsufficientRole,
			apperrors.NewForbiddenReason(ReasonInsufficientRole, "insufficient role",
				map[string]any{"required_roles": policy.Roles()}))
	}
	return nil
}

func (g *Gate) deny(id RouteID, userID int64, reason string, err error) error {
	g.metrics.RecordGateDecision("deny", reason)
	fields := []zap.Field{zap.String("route", string(id)), zap.String("reason", reason)}
	if userID != 0 {
		fields = append(fields, zap.Int64("user_id", userID))
	}
	g.logger.Info("request denied", fields...)
	return err
}

// extractToken reads the bearer header first, then the "token" query or form parameter.
func extractToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.FormValue("token")
}
