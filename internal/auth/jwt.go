// Package auth issues and validates the JWTs protecting the monitor API and
// the proctoring websockets.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongAttempt is returned when an attempt-scoped token is presented
	// for a different attempt.
	ErrWrongAttempt = errors.New("token not valid for this attempt")
)

// Roles recognized by the monitor API.
const (
	RoleStudent = "student"
	RoleProctor = "proctor"
	RoleAdmin   = "admin"
)

// Claims holds JWT claims. AttemptID is set on tokens scoped to a single exam
// attempt (websocket query tokens); it is zero on regular API tokens.
type Claims struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	AttemptID uuid.UUID `json:"attempt_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a new API JWT for the user.
func (s *JWTService) Generate(userID uuid.UUID, email, role string) (string, error) {
	return s.sign(Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
	})
}

// GenerateAttemptToken creates a JWT scoped to one exam attempt, for the
// browser's websocket connections.
func (s *JWTService) GenerateAttemptToken(userID uuid.UUID, role string, attemptID uuid.UUID) (string, error) {
	return s.sign(Claims{
		UserID:    userID,
		Role:      role,
		AttemptID: attemptID,
	})
}

func (s *JWTService) sign(claims Claims) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ID:        uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateForAttempt validates a token and checks it may touch the given
// attempt. Attempt-scoped tokens must match exactly; unscoped tokens pass for
// proctor and admin roles only.
func (s *JWTService) ValidateForAttempt(tokenString string, attemptID uuid.UUID) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.AttemptID != uuid.Nil {
		if claims.AttemptID != attemptID {
			return nil, ErrWrongAttempt
		}
		return claims, nil
	}
	if claims.Role == RoleProctor || claims.Role == RoleAdmin {
		return claims, nil
	}
	return nil, ErrWrongAttempt
}
