package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/evaluation-service/internal/auth"
	"github.com/spec-kit/evaluation-service/internal/config"
	"github.com/spec-kit/evaluation-service/internal/domain"
	"github.com/spec-kit/evaluation-service/internal/events"
	"github.com/spec-kit/evaluation-service/internal/repository"
	apperrors "github.com/spec-kit/evaluation-service/pkg/util"
)

const (
	reasonInvalidCredentials = "invalid_credentials"
	invalidCredentialsMsg    = "invalid username or password"
)

// AuthService coordinates registration, login, logout and token refresh.
// It is stateless; sessions live in the session repository.
type AuthService struct {
	users      repository.UserRepository
	sessions   repository.SessionRepository
	tokenMgr   *auth.TokenManager
	dispatcher events.Dispatcher
	logger     *zap.Logger
	bcryptCost int
}

// AuthDependencies encapsulates collaborators of the auth service.
type AuthDependencies struct {
	UserRepo    repository.UserRepository
	SessionRepo repository.SessionRepository
	Dispatcher  events.Dispatcher
	Logger      *zap.Logger
}

// NewAuthService builds the service.
func NewAuthService(cfg config.Config, deps AuthDependencies) *AuthService {
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL(), cfg.Auth.RefreshWindow())
	return NewAuthServiceWithTokens(tokens, cfg.Auth.BcryptCost, deps)
}

// NewAuthServiceWithTokens builds the service around an existing token manager.
func NewAuthServiceWithTokens(tokens *auth.TokenManager, bcryptCost int, deps AuthDependencies) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewInMemoryDispatcher()
	}
	return &AuthService{
		users:      deps.UserRepo,
		sessions:   deps.SessionRepo,
		tokenMgr:   tokens,
		dispatcher: dispatcher,
		logger:     logger.Named("auth"),
		bcryptCost: bcryptCost,
	}
}

// Register creates a new account with the default role. It does not start a session.
func (s *AuthService) Register(ctx context.Context, username, password, email string) (*domain.User, error) {
	email = strings.TrimSpace(email)

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, apperrors.NewConflict("username already exists", map[string]any{"field": "username"})
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewInternalError(err)
	}

	if email != "" {
		if _, err := s.users.GetByEmail(ctx, email); err == nil {
			return nil, apperrors.NewConflict("email already registered", map[string]any{"field": "email"})
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewInternalError(err)
		}
	}

	if err := auth.CheckPasswordStrength(password); err != nil {
		return nil, apperrors.NewPolicyViolation(err.Error(), map[string]any{
			"min_length": auth.PasswordMinLength,
			"max_length": auth.PasswordMaxLength,
		})
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	user := &domain.User{
		Username:     username,
		PasswordHash: hash,
		Email:        email,
		Role:         domain.RoleUser,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			return nil, apperrors.NewConflict("username or email already exists", nil)
		}
		return nil, apperrors.NewInternalError(err)
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	s.publish(ctx, events.EventUserRegistered, user.ID, events.UserRegisteredPayload{
		Username: user.Username,
		Role:     user.Role,
	})
	return user, nil
}

// Login verifies credentials and records a new session, replacing any previous one.
func (s *AuthService) Login(ctx context.Context, username, password string) (*domain.LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewUnauthorizedReason(reasonInvalidCredentials, invalidCredentialsMsg)
		}
		return nil, apperrors.NewInternalError(err)
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, apperrors.NewUnauthorizedReason(reasonInvalidCredentials, invalidCredentialsMsg)
	}

	result, claims, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", zap.Int64("user_id", user.ID))
	s.publish(ctx, events.EventSessionIssued, user.ID, sessionPayload(user, claims))
	return result, nil
}

// Logout removes the user's session. Logging out without a session is not an error.
func (s *AuthService) Logout(ctx context.Context, userID int64) error {
	if err := s.sessions.Delete(ctx, userID); err != nil {
		return apperrors.NewStoreUnavailable(err)
	}
	s.logger.Info("user logged out", zap.Int64("user_id", userID))
	s.publish(ctx, events.EventSessionRevoked, userID, nil)
	return nil
}

// Refresh issues a new token for the user and overwrites the session,
// which revokes the token presented before the call.
func (s *AuthService) Refresh(ctx context.Context, userID int64) (*domain.LoginResult, error) {
	user, err := s.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, claims, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("token refreshed", zap.Int64("user_id", user.ID))
	s.publish(ctx, events.EventSessionRefreshed, user.ID, sessionPayload(user, claims))
	return result, nil
}

// CurrentUser returns the stored account of userID.
func (s *AuthService) CurrentUser(ctx context.Context, userID int64) (*domain.User, error) {
	return s.lookup(ctx, userID)
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}

func (s *AuthService) lookup(ctx context.Context, userID int64) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("user", map[string]any{"id": userID})
		}
		return nil, apperrors.NewInternalError(err)
	}
	return user, nil
}

func (s *AuthService) startSession(ctx context.Context, user *domain.User) (*domain.LoginResult, *auth.Claims, error) {
	ttl := s.tokenMgr.TTL()
	token, claims, err := s.tokenMgr.Issue(user.ID, user.Username, ttl)
	if err != nil {
		return nil, nil, apperrors.NewInternalError(err)
	}
	if err := s.sessions.Put(ctx, user.ID, token, ttl); err != nil {
		s.logger.Error("session write failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, nil, apperrors.NewStoreUnavailable(err)
	}
	return &domain.LoginResult{
		Token:            token,
		Principal:        domain.PrincipalOf(user),
		ExpiresInSeconds: int64(ttl / time.Second),
	}, claims, nil
}

func (s *AuthService) publish(ctx context.Context, eventType events.EventType, userID int64, payload interface{}) {
	event := events.Event{Type: eventType, UserID: userID, Payload: payload}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func sessionPayload(user *domain.User, claims *auth.Claims) events.SessionPayload {
	return events.SessionPayload{
		Username:  user.Username,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}
