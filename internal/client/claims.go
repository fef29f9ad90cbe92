package client

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the claims the backend puts in an agent's API token
type SessionClaims struct {
	BusNo string `json:"bus_no"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// ParseSessionClaims reads the claims of an API token without verifying its
// signature. The agent holds no signing key; the backend verifies the token
// on every request.
func ParseSessionClaims(token string) (*SessionClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}
