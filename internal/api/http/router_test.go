package http_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	httptransport "github.com/spec-kit/evaluation-service/internal/api/http"
	"github.com/spec-kit/evaluation-service/internal/api/http/handlers"
	"github.com/spec-kit/evaluation-service/internal/auth"
	"github.com/spec-kit/evaluation-service/internal/domain"
	"github.com/spec-kit/evaluation-service/internal/observability"
	"github.com/spec-kit/evaluation-service/internal/persistence"
	"github.com/spec-kit/evaluation-service/internal/repository"
	"github.com/spec-kit/evaluation-service/internal/service"
)

type server struct {
	app   *fiber.App
	users *repository.MemoryUserRepository
	redis *miniredis.Miniredis
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func newServer(t *testing.T, gateEnabled bool) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	users := repository.NewMemoryUserRepository()
	sessions := repository.NewSessionRepository(rdb, "test:token:")
	metrics := observability.NewMetrics()

	tokens := auth.NewTokenManager("router-secret", 7*24*time.Hour, 24*time.Hour)
	authService := service.NewAuthServiceWithTokens(tokens, bcrypt.MinCost, service.AuthDependencies{
		UserRepo:    users,
		SessionRepo: sessions,
		Logger:      logger,
	})

	policies := auth.NewPolicies()
	gate := auth.NewGate(auth.GateConfig{Enabled: gateEnabled}, auth.GateDependencies{
		Tokens:   tokens,
		Sessions: sessions,
		Users:    users,
		Policies: policies,
		Logger:   logger,
		Metrics:  metrics,
	})

	app := fiber.New(fiber.Config{ErrorHandler: httptransport.ErrorHandler(logger)})
	httptransport.RegisterMiddlewares(app, logger, metrics, httptransport.MiddlewareConfig{
		Timeout:          5 * time.Second,
		CORSAllowOrigins: "*",
	})
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:   handlers.NewHealthHandler("evaluation-service", "test", &persistence.Postgres{}, &persistence.Redis{Client: rdb}),
		Auth:     handlers.NewAuthHandler(authService),
		Users:    handlers.NewUsersHandler(authService),
		Gate:     gate,
		Policies: policies,
		Metrics:  metrics,
	})

	return &server{app: app, users: users, redis: mr}
}

func (s *server) call(t *testing.T, method, path, token, body string) (int, envelope, http.Header) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env, resp.Header
}

func (s *server) loginAs(t *testing.T, username, password string) string {
	t.Helper()
	status, env, _ := s.call(t, http.MethodPost, "/api/auth/login", "",
		`{"username":"`+username+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, status)
	var result domain.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	return result.Token
}

func TestSessionLifecycleEndToEnd(t *testing.T) {
	s := newServer(t, true)

	status, env, _ := s.call(t, http.MethodPost, "/api/auth/register", "",
		`{"username":"alice","password":"Passw0rd","email":"a@x.com"}`)
	require.Equal(t, http.StatusCreated, status)
	require.JSONEq(t, `"alice"`, string(mustField(t, env.Data, "username")))

	status, env, _ = s.call(t, http.MethodPost, "/api/auth/login", "", `{"username":"alice","password":"Passw0rd"}`)
	require.Equal(t, http.StatusOK, status)
	var login domain.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &login))
	require.NotEmpty(t, login.Token)
	require.Equal(t, int64(604800), login.ExpiresInSeconds)
	require.Equal(t, domain.Principal{ID: 1, Username: "alice", Role: domain.RoleUser}, login.Principal)

	status, env, _ = s.call(t, http.MethodGet, "/api/users/me", login.Token, "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `1`, string(mustField(t, env.Data, "id")))

	status, _, _ = s.call(t, http.MethodPost, "/api/auth/logout", login.Token, "")
	require.Equal(t, http.StatusOK, status)

	status, env, _ = s.call(t, http.MethodGet, "/api/users/me", login.Token, "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "UNAUTHORIZED", env.Error.Code)
	require.Equal(t, auth.ReasonSessionInvalid, env.Error.Details["reason"])
}

func TestSecondLoginRevokesFirstToken(t *testing.T) {
	s := newServer(t, true)
	status, _, _ := s.call(t, http.MethodPost, "/api/auth/register", "", `{"username":"alice","password":"secret1"}`)
	require.Equal(t, http.StatusCreated, status)

	first := s.loginAs(t, "alice", "secret1")
	second := s.loginAs(t, "alice", "secret1")

	status, _, _ = s.call(t, http.MethodGet, "/api/users/me", first, "")
	require.Equal(t, http.StatusUnauthorized, status)
	status, _, _ = s.call(t, http.MethodGet, "/api/users/me", second, "")
	require.Equal(t, http.StatusOK, status)
}

func TestRefreshRotatesToken(t *testing.T) {
	s := newServer(t, true)
	s.call(t, http.MethodPost, "/api/auth/register", "", `{"username":"alice","password":"secret1"}`)
	old := s.loginAs(t, "alice", "secret1")

	status, env, _ := s.call(t, http.MethodPost, "/api/auth/refresh", old, "")
	require.Equal(t, http.StatusOK, status)
	var refreshed domain.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &refreshed))
	require.NotEqual(t, old, refreshed.Token)

	status, _, _ = s.call(t, http.MethodGet, "/api/users/me", old, "")
	require.Equal(t, http.StatusUnauthorized, status)
	status, _, _ = s.call(t, http.MethodGet, "/api/users/me", refreshed.Token, "")
	require.Equal(t, http.StatusOK, status)
}

func TestRegisterValidation(t *testing.T) {
	s := newServer(t, true)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "malformed body", body: `{`, status: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "missing password", body: `{"username":"alice"}`, status: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "short username", body: `{"username":"a","password":"secret1"}`, status: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "weak password", body: `{"username":"alice","password":"secret"}`, status: http.StatusUnprocessableEntity, code: "POLICY_VIOLATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env, _ := s.call(t, http.MethodPost, "/api/auth/register", "", tt.body)
			require.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
			require.Equal(t, tt.code, env.Error.Code)
		})
	}

	status, _, _ := s.call(t, http.MethodPost, "/api/auth/register", "", `{"username":"alice","password":"secret1"}`)
	require.Equal(t, http.StatusCreated, status)
	status, env, _ := s.call(t, http.MethodPost, "/api/auth/register", "", `{"username":"alice","password":"secret2"}`)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "CONFLICT", env.Error.Code)
}

func TestLoginWithBadCredentials(t *testing.T) {
	s := newServer(t, true)
	s.call(t, http.MethodPost, "/api/auth/register", "", `{"username":"alice","password":"secret1"}`)

	status, env, _ := s.call(t, http.MethodPost, "/api/auth/login", "", `{"username":"alice","password":"wrong1"}`)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "invalid_credentials", env.Error.Details["reason"])
}

func TestAdminRoute(t *testing.T) {
	s := newServer(t, true)
	s.call(t, http.MethodPost, "/api/auth/register", "", `{"username":"root","password":"secret1"}`)
	s.call(t, http.MethodPost, "/api/auth/register", "", `{"username":"alice","password":"secret2"}`)
	s.users.SetRole(1, domain.RoleAdmin)

	adminToken := s.loginAs(t, "root", "secret1")
	userToken := s.loginAs(t, "alice", "secret2")

	status, env, _ := s.call(t, http.MethodGet, "/api/users/2", adminToken, "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `"alice"`, string(mustField(t, env.Data, "username")))

	status, env, _ = s.call(t, http.MethodGet, "/api/users/2", userToken, "")
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, auth.ReasonInsufficientRole, env.Error.Details["reason"])

	status, env, _ = s.call(t, http.MethodGet, "/api/users/99", adminToken, "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestGateDisabled(t *testing.T) {
	s := newServer(t, false)

	status, _, _ := s.call(t, http.MethodGet, "/api/users/1", "", "")
	require.Equal(t, http.StatusNotFound, status)

	status, env, _ := s.call(t, http.MethodGet, "/api/users/me", "", "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, auth.ReasonTokenMissing, env.Error.Details["reason"])

	status, _, _ = s.call(t, http.MethodGet, "/api/users/me", "garbage", "")
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestProtectedRouteWithoutToken(t *testing.T) {
	s := newServer(t, true)

	status, env, _ := s.call(t, http.MethodPost, "/api/auth/logout", "", "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, auth.ReasonTokenMissing, env.Error.Details["reason"])
}

func TestOperationalEndpoints(t *testing.T) {
	s := newServer(t, true)

	status, _, _ := s.call(t, http.MethodGet, "/health/live", "", "")
	require.Equal(t, http.StatusOK, status)

	status, _, _ = s.call(t, http.MethodGet, "/health/ready", "", "")
	require.Equal(t, http.StatusOK, status)

	status, env, headers := s.call(t, http.MethodGet, "/does-not-exist", "", "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
	require.NotEmpty(t, headers.Get(fiber.HeaderXRequestID))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "evaluation_http_requests_total")

	s.redis.Close()
	status, env, _ = s.call(t, http.MethodGet, "/health/ready", "", "")
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "DEPENDENCY_UNAVAILABLE", env.Error.Code)
}

func mustField(t *testing.T, data json.RawMessage, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	v, ok := m[field]
	require.True(t, ok, "missing field %q in %s", field, data)
	return v
}
