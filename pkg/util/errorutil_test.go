package util

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestToDomainError(t *testing.T) {
	wrapped := fmt.Errorf("login: %w", NewUnauthorizedReason("invalid_credentials", "invalid username or password"))
	storeDown := errors.New("dial tcp: connection refused")

	tests := []struct {
		name   string
		err    error
		code   string
		status int
		reason string
	}{
		{name: "wrapped domain error", err: wrapped, code: CodeUnauthorized, status: http.StatusUnauthorized, reason: "invalid_credentials"},
		{name: "forbidden", err: NewForbiddenReason("role_missing", "role information missing", nil), code: CodeForbidden, status: http.StatusForbidden, reason: "role_missing"},
		{name: "policy violation", err: NewPolicyViolation("weak", nil), code: CodePolicyViolation, status: http.StatusUnprocessableEntity},
		{name: "store unavailable", err: NewStoreUnavailable(storeDown), code: CodeStoreUnavailable, status: http.StatusServiceUnavailable},
		{name: "fiber bad request", err: fiber.NewError(http.StatusBadRequest, "invalid payload"), code: CodeValidationFailed, status: http.StatusBadRequest},
		{name: "fiber not found", err: fiber.ErrNotFound, code: CodeNotFound, status: http.StatusNotFound},
		{name: "no rows", err: pgx.ErrNoRows, code: CodeNotFound, status: http.StatusNotFound},
		{name: "unknown", err: errors.New("boom"), code: CodeInternal, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := ToDomainError(tt.err)
			require.Equal(t, tt.code, de.Code)
			require.Equal(t, tt.status, de.HTTPStatus)
			require.Equal(t, tt.reason, de.Reason())
		})
	}

	require.Nil(t, ToDomainError(nil))
	require.ErrorIs(t, NewStoreUnavailable(storeDown), storeDown)
}
