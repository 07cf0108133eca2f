package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	userID := uuid.New()

	token, err := svc.Generate(userID, "student@example.com", RoleStudent)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "student@example.com", claims.Email)
	assert.Equal(t, RoleStudent, claims.Role)
	assert.Equal(t, uuid.Nil, claims.AttemptID)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", 1).Generate(uuid.New(), "x@example.com", RoleStudent)
	require.NoError(t, err)

	_, err = NewJWTService("secret-b", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := NewJWTService("test-secret", -1)
	token, err := svc.Generate(uuid.New(), "x@example.com", RoleStudent)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	_, err := svc.Validate("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAttemptScopedToken(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	attempt := uuid.New()
	token, err := svc.GenerateAttemptToken(uuid.New(), RoleStudent, attempt)
	require.NoError(t, err)

	claims, err := svc.ValidateForAttempt(token, attempt)
	require.NoError(t, err)
	assert.Equal(t, attempt, claims.AttemptID)

	_, err = svc.ValidateForAttempt(token, uuid.New())
	assert.ErrorIs(t, err, ErrWrongAttempt)
}

func TestUnscopedTokenByRole(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	attempt := uuid.New()

	proctor, err := svc.Generate(uuid.New(), "p@example.com", RoleProctor)
	require.NoError(t, err)
	_, err = svc.ValidateForAttempt(proctor, attempt)
	assert.NoError(t, err, "proctors may watch any attempt")

	student, err := svc.Generate(uuid.New(), "s@example.com", RoleStudent)
	require.NoError(t, err)
	_, err = svc.ValidateForAttempt(student, attempt)
	assert.ErrorIs(t, err, ErrWrongAttempt, "students need an attempt-scoped token")
}
